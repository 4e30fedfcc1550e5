// Command gleitzeitd wires together the Gleitzeit core into a standalone
// server process: an in-memory or persistent storage backend, the provider
// registry, the ready queue, the retry scheduler, a WebSocket provider
// transport, and the execution engine. Grounded on the teacher's
// cmd/demo/main.go (flag-configured backend selection feeding a single
// composed server type) and swarmguard orchestrator's main.go (signal-
// driven graceful shutdown around one long-running loop).
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gleitzeit-dev/gleitzeit"
	"github.com/gleitzeit-dev/gleitzeit/engine"
	"github.com/gleitzeit-dev/gleitzeit/ingestion"
	"github.com/gleitzeit-dev/gleitzeit/providerregistry"
	"github.com/gleitzeit-dev/gleitzeit/readyqueue"
	"github.com/gleitzeit-dev/gleitzeit/retryscheduler"
	"github.com/gleitzeit-dev/gleitzeit/storage"
	"github.com/gleitzeit-dev/gleitzeit/storage/boltstore"
	"github.com/gleitzeit-dev/gleitzeit/storage/memstore"
	"github.com/gleitzeit-dev/gleitzeit/storage/redistore"
	"github.com/gleitzeit-dev/gleitzeit/telemetry"
	"github.com/gleitzeit-dev/gleitzeit/transport/wsbus"
)

func main() {
	var (
		backend       = flag.String("storage", "memory", "storage backend: memory, bolt, redis")
		boltPath      = flag.String("bolt-path", "gleitzeit.db", "bbolt file path when -storage=bolt")
		redisAddr     = flag.String("redis-addr", "localhost:6379", "redis address when -storage=redis")
		listenAddr    = flag.String("listen", ":7700", "provider websocket listen address")
		maxConcurrent = flag.Int("max-concurrency", 64, "bounded in-flight provider requests")
	)
	flag.Parse()

	logger := telemetry.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	metrics := telemetry.NewOtelMetrics("gleitzeit")

	store, err := openStorage(*backend, *boltPath, *redisAddr)
	if err != nil {
		slog.Error("failed to open storage backend", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	registry := providerregistry.New(
		providerregistry.WithLogger(logger),
		providerregistry.WithMetrics(metrics),
	)
	queue := readyqueue.New(0)
	queue.AgingThreshold = 30 * time.Second
	sched := retryscheduler.New(store, nil)
	bus := wsbus.New(logger, 64)

	var fsys ingestion.FS
	ingestor := ingestion.New(store, registry, queue, fsys)

	eng := engine.New(engine.Config{
		MaxConcurrency: *maxConcurrent,
		RecoveryPolicy: engine.RecoveryRequeue,
	}, store, registry, queue, sched, bus, ingestor, logger, metrics)

	client := gleitzeit.NewClient(eng)

	httpServer := &http.Server{Addr: *listenAddr, Handler: bus}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() {
		slog.Info("provider websocket listening", "addr", *listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	go func() {
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		slog.Error("fatal error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	_ = bus.Close()
}

func openStorage(backend, boltPath, redisAddr string) (storage.Backend, error) {
	switch backend {
	case "bolt":
		return boltstore.Open(boltPath)
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
		return redistore.New(rdb, "gleitzeit"), nil
	default:
		return memstore.New(), nil
	}
}
