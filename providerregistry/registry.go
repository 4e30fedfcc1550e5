// Package providerregistry maintains the mapping (protocol, method) ->
// provider sessions and selects a session for dispatch (spec §4.2). It is
// grounded on the teacher's registry/registry.go and registry/health_tracker.go,
// adapted from a Pulse/Redis-clustered gateway to an embeddable, in-process
// registry that a standalone engine can also run without a live cluster; a
// per-session circuit breaker (github.com/sony/gobreaker) replaces the
// teacher's distributed ping/pong ticker for health state, per SPEC_FULL §4.2.
package providerregistry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/gleitzeit-dev/gleitzeit/gzerr"
	"github.com/gleitzeit-dev/gleitzeit/telemetry"
)

type (
	// MethodSpec describes one method within a Protocol's catalogue.
	MethodSpec struct {
		Name string
	}

	// Protocol is a named, versioned catalogue of methods (spec §3.1).
	Protocol struct {
		ID         string // "name/version", e.g. "llm/v1"
		Methods    map[string]MethodSpec
		// OpenWorld, when true, allows providers to register capability for
		// methods not present in this catalogue (spec §4.2: "rejects unknown
		// methods unless the protocol permits open-world methods").
		OpenWorld  bool
	}

	// Health is a provider session's derived health state (spec §3.1).
	Health string
)

const (
	HealthHealthy   Health = "healthy"
	HealthDegraded  Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
	HealthUnknown   Health = "unknown"
)

type (
	// Session is a registry-side handle to a connected provider
	// (spec §3.1 ProviderSession). The registry holds only a weak reference
	// (id + capability view); the transport layer owns the live connection
	// (spec §3.3 invariant 7).
	Session struct {
		ProviderID string
		Methods    []MethodKey // (protocol, method) pairs this session supports
		MaxConcurrent int

		mu            sync.Mutex
		activeRequests int
		breaker       *gobreaker.CircuitBreaker
		lastLatency   time.Duration
		lastHeartbeat time.Time
	}

	// MethodKey identifies a (protocol, method) pair.
	MethodKey struct {
		Protocol string
		Method   string
	}
)

// Health reports the session's derived health from its circuit breaker
// state, per spec §4.2 "after N consecutive failures a session is marked
// unhealthy and excluded from selection for a cooldown window".
func (s *Session) Health() Health {
	switch s.breaker.State() {
	case gobreaker.StateClosed:
		return HealthHealthy
	case gobreaker.StateHalfOpen:
		return HealthDegraded
	case gobreaker.StateOpen:
		return HealthUnhealthy
	default:
		return HealthUnknown
	}
}

// ActiveRequests returns the number of in-flight requests on this session,
// the primary selection-policy signal (spec §4.2 "least-active-requests").
func (s *Session) ActiveRequests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeRequests
}

// LastLatency returns the most recently observed dispatch latency, the
// selection policy's tie-break signal.
func (s *Session) LastLatency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLatency
}

// Registry is the in-process provider registry described by spec §4.2.
type Registry struct {
	logger  telemetry.Logger
	metrics telemetry.Metrics

	mu        sync.RWMutex
	protocols map[string]*Protocol
	buckets   map[MethodKey][]*Session // registration order; selection filters/reorders
	sessions  map[string]*Session

	// BreakerSettings configures the per-session circuit breaker created on
	// registration. See DefaultBreakerSettings.
	BreakerSettings gobreaker.Settings

	// roundRobinCursor implements the round-robin tie-break within equal
	// active-request/latency sessions, keyed by MethodKey.
	roundRobinCursor map[MethodKey]int
}

// Option configures a new Registry.
type Option func(*Registry)

// WithLogger sets the registry's logger.
func WithLogger(l telemetry.Logger) Option { return func(r *Registry) { r.logger = l } }

// WithMetrics sets the registry's metrics recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// WithBreakerSettings overrides the circuit breaker settings applied to
// every registered session.
func WithBreakerSettings(s gobreaker.Settings) Option {
	return func(r *Registry) { r.BreakerSettings = s }
}

// DefaultBreakerSettings returns the breaker configuration matching spec
// §4.2's default circuit-breaker behavior: three consecutive failures trips
// the breaker; it half-opens after a 30s cooldown window.
func DefaultBreakerSettings(name string) gobreaker.Settings {
	return gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		logger:           telemetry.NewNoopLogger(),
		metrics:          telemetry.NewNoopMetrics(),
		protocols:        make(map[string]*Protocol),
		buckets:          make(map[MethodKey][]*Session),
		sessions:         make(map[string]*Session),
		roundRobinCursor: make(map[MethodKey]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterProtocol registers spec, idempotently by ID. Re-registering the
// same ID with a different method set is rejected (spec §4.2).
func (r *Registry) RegisterProtocol(spec Protocol) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.protocols[spec.ID]; ok {
		if !sameMethodSet(existing.Methods, spec.Methods) {
			return gzerr.New(gzerr.CodeConfigurationError, fmt.Sprintf("incompatible redefinition of protocol %q", spec.ID))
		}
		return nil
	}
	cp := spec
	cp.Methods = make(map[string]MethodSpec, len(spec.Methods))
	for k, v := range spec.Methods {
		cp.Methods[k] = v
	}
	r.protocols[spec.ID] = &cp
	return nil
}

func sameMethodSet(a, b map[string]MethodSpec) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// RegisterProvider adds session to the bucket for each of methods, after
// validating each (protocol, method) pair exists (or the protocol allows
// open-world methods). Spec §4.2.
func (r *Registry) RegisterProvider(providerID string, methods []MethodKey, maxConcurrent int) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, mk := range methods {
		proto, ok := r.protocols[mk.Protocol]
		if !ok {
			return nil, gzerr.New(gzerr.CodeProtocolNotFound, mk.Protocol)
		}
		if _, ok := proto.Methods[mk.Method]; !ok && !proto.OpenWorld {
			return nil, gzerr.New(gzerr.CodeMethodNotSupported, fmt.Sprintf("%s/%s", mk.Protocol, mk.Method))
		}
	}

	settings := r.BreakerSettings
	if settings.Name == "" {
		settings = DefaultBreakerSettings(providerID)
	} else {
		settings.Name = providerID
	}

	sess := &Session{
		ProviderID:    providerID,
		Methods:       methods,
		MaxConcurrent: maxConcurrent,
		breaker:       gobreaker.NewCircuitBreaker(settings),
		lastHeartbeat: time.Now(),
	}
	r.sessions[providerID] = sess
	for _, mk := range methods {
		r.buckets[mk] = append(r.buckets[mk], sess)
	}
	r.logger.Info(context.Background(), "provider registered", "provider_id", providerID, "methods", len(methods))
	return sess, nil
}

// DeregisterProvider removes providerID from every bucket.
func (r *Registry) DeregisterProvider(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[providerID]
	if !ok {
		return
	}
	delete(r.sessions, providerID)
	for _, mk := range sess.Methods {
		r.buckets[mk] = removeSession(r.buckets[mk], providerID)
	}
	r.logger.Info(context.Background(), "provider deregistered", "provider_id", providerID)
}

func removeSession(sessions []*Session, providerID string) []*Session {
	out := sessions[:0]
	for _, s := range sessions {
		if s.ProviderID != providerID {
			out = append(out, s)
		}
	}
	return out
}

// Session looks up a registered session by provider id.
func (r *Registry) Session(providerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[providerID]
	return s, ok
}

// ErrNoProvider distinguishes "method exists, no provider supplies it" from
// "protocol unknown" (spec §4.2 edge cases).
var ErrNoProvider = gzerr.New(gzerr.CodeNoProviderAvailableTransient, "no provider available")

// ValidateMethod checks that (protocol, method) names a registered protocol
// and, unless the protocol is open-world, a method within its catalogue. It
// does not require any provider to currently supply the method, so
// ingestion-time validation (spec §4.8 item 4) and dispatch-time selection
// can share this check without entangling "method is invalid" with
// "no provider is connected right now".
func (r *Registry) ValidateMethod(protocol, method string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	proto, ok := r.protocols[protocol]
	if !ok {
		return gzerr.New(gzerr.CodeProtocolNotFound, protocol)
	}
	if _, ok := proto.Methods[method]; !ok && !proto.OpenWorld {
		return gzerr.New(gzerr.CodeMethodNotSupported, fmt.Sprintf("%s/%s", protocol, method))
	}
	return nil
}

// Select returns a healthy session for (protocol, method), applying the
// default selection policy: least-active-requests, tie-broken by the lowest
// most recently observed latency (LastLatency, a single sample, not an
// average), then round-robin. exclude lists provider ids to skip; the
// engine's dispatch passes nil.
func (r *Registry) Select(protocol, method string, exclude map[string]bool) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.protocols[protocol]; !ok {
		return nil, gzerr.New(gzerr.CodeProtocolNotFound, protocol)
	}
	mk := MethodKey{Protocol: protocol, Method: method}
	candidates := r.buckets[mk]
	if len(candidates) == 0 {
		return nil, ErrNoProvider
	}

	var healthy []*Session
	for _, s := range candidates {
		if exclude != nil && exclude[s.ProviderID] {
			continue
		}
		if s.Health() == HealthUnhealthy {
			continue
		}
		if s.MaxConcurrent > 0 && s.ActiveRequests() >= s.MaxConcurrent {
			continue
		}
		healthy = append(healthy, s)
	}
	if len(healthy) == 0 {
		return nil, ErrNoProvider
	}

	sort.SliceStable(healthy, func(i, j int) bool {
		ai, aj := healthy[i].ActiveRequests(), healthy[j].ActiveRequests()
		if ai != aj {
			return ai < aj
		}
		return healthy[i].LastLatency() < healthy[j].LastLatency()
	})

	// Round-robin among the lowest-tier ties (same active count and latency
	// bucket as the first candidate).
	tierEnd := 1
	for tierEnd < len(healthy) &&
		healthy[tierEnd].ActiveRequests() == healthy[0].ActiveRequests() &&
		healthy[tierEnd].LastLatency() == healthy[0].LastLatency() {
		tierEnd++
	}
	cursor := r.roundRobinCursor[mk] % tierEnd
	r.roundRobinCursor[mk] = cursor + 1
	return healthy[cursor], nil
}

// MarkOutcome updates a session's rolling health statistics after a
// dispatch completes (spec §4.2).
func (r *Registry) MarkOutcome(sess *Session, success bool, latency time.Duration) {
	sess.mu.Lock()
	sess.lastLatency = latency
	sess.mu.Unlock()

	_, _ = sess.breaker.Execute(func() (any, error) {
		if success {
			return nil, nil
		}
		return nil, fmt.Errorf("provider outcome failure")
	})
}

// BeginRequest increments a session's active request count; callers must
// call EndRequest when the dispatch completes.
func (s *Session) BeginRequest() {
	s.mu.Lock()
	s.activeRequests++
	s.mu.Unlock()
}

// EndRequest decrements a session's active request count.
func (s *Session) EndRequest() {
	s.mu.Lock()
	if s.activeRequests > 0 {
		s.activeRequests--
	}
	s.mu.Unlock()
}

// Heartbeat records a heartbeat timestamp for the session.
func (s *Session) Heartbeat(at time.Time) {
	s.mu.Lock()
	s.lastHeartbeat = at
	s.mu.Unlock()
}

// LastHeartbeat returns the most recently recorded heartbeat time.
func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}
