package engine

import "time"

// RecoveryPolicy controls how tasks found in the running state at startup
// are treated, per SPEC_FULL §3's resolution of the Open Question "what
// happens to a task the persisted state still calls running when the
// process restarts".
type RecoveryPolicy int

const (
	// RecoveryRequeue re-enqueues a recovered running task as ready,
	// counting the interrupted dispatch as a consumed attempt (AttemptCount
	// is incremented). This is the default: a crash mid-dispatch is
	// indistinguishable from a very slow provider, and the common case is
	// that retrying is safe.
	RecoveryRequeue RecoveryPolicy = iota
	// RecoveryFailForInvestigation marks a recovered running task failed
	// with gzerr.CodeInternalError instead of retrying it, for operators who
	// would rather inspect a crash than risk a non-idempotent side effect
	// running twice.
	RecoveryFailForInvestigation
)

// Config configures an Engine.
type Config struct {
	// MaxConcurrency bounds the number of in-flight provider requests
	// across the whole engine (spec §4.6 "bounded concurrency"). Zero means
	// unbounded.
	MaxConcurrency int

	// FreeRetryOnDisconnect controls whether a provider disconnecting
	// mid-request consumes a retry attempt. The spec's stated default is
	// that it does consume one; set true to make disconnects free.
	FreeRetryOnDisconnect bool

	// RecoveryPolicy governs tasks recovered from the running state at
	// startup.
	RecoveryPolicy RecoveryPolicy

	// TickInterval is how often the dispatch loop checks for due retries,
	// queue aging, and request timeouts. Zero means defaultTickInterval.
	TickInterval time.Duration
}

const defaultTickInterval = 200 * time.Millisecond

func (c Config) tickInterval() time.Duration {
	if c.TickInterval <= 0 {
		return defaultTickInterval
	}
	return c.TickInterval
}
