// Package breaker implements the three-state circuit breaker guarding the
// outbound call path to the exchange.
package breaker

import (
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"exchange-api-governor/internal/clock"
)

// State is the breaker state machine position.
type State string

const (
	StateClosed   State = "closed"    // normal operation
	StateOpen     State = "open"      // shedding load, no calls go out
	StateHalfOpen State = "half_open" // limited probes testing recovery
)

// OpenError is returned when the breaker rejects a call without touching the
// network. The penalty budget is not consumed by calls that never go out.
type OpenError struct {
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open, retry in %s", e.RetryAfter.Round(time.Millisecond))
}

// Config tunes trip and recovery behavior.
type Config struct {
	// FailureThreshold is the consecutive classified service failures that
	// open a closed breaker.
	FailureThreshold int

	// SuccessThreshold is the successful probes needed to close a
	// half-open breaker.
	SuccessThreshold int

	// MaxHalfOpenProbes bounds concurrent probe calls while half-open.
	MaxHalfOpenProbes int

	// InitialRecoveryTimeout is the first OPEN dwell time. Each re-open
	// from half-open grows it exponentially with jitter, capped at
	// MaxRecoveryTimeout.
	InitialRecoveryTimeout time.Duration
	MaxRecoveryTimeout     time.Duration
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:       5,
		SuccessThreshold:       3,
		MaxHalfOpenProbes:      2,
		InitialRecoveryTimeout: 10 * time.Second,
		MaxRecoveryTimeout:     5 * time.Minute,
	}
}

// Snapshot is the persisted form of breaker state. A previously open breaker
// is restored as open with its original trip time, so a restart never
// silently resets a known-bad upstream to closed.
type Snapshot struct {
	State               State         `json:"state"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at"`
	RecoveryTimeout     time.Duration `json:"recovery_timeout"`
	SuccessesInHalfOpen int           `json:"successes_in_half_open"`
}

// Breaker is a mutex-guarded three-state circuit breaker with health-driven
// recovery. Callers pair every Allow with exactly one RecordSuccess,
// RecordFailure, or RecordNeutral.
type Breaker struct {
	mu sync.Mutex

	cfg Config
	clk clock.Clock
	log zerolog.Logger

	state               State
	consecutiveFailures int
	openedAt            time.Time
	recoveryTimeout     time.Duration
	successesInHalfOpen int
	halfOpenInFlight    int

	// recovery computes the next OPEN dwell time after a failed probe.
	recovery *backoff.ExponentialBackOff

	onTransition func(from, to State, reason string)
}

// New creates a closed breaker.
func New(cfg Config, clk clock.Clock, log zerolog.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.MaxHalfOpenProbes <= 0 {
		cfg.MaxHalfOpenProbes = 1
	}
	if cfg.InitialRecoveryTimeout <= 0 {
		cfg.InitialRecoveryTimeout = 10 * time.Second
	}
	if cfg.MaxRecoveryTimeout < cfg.InitialRecoveryTimeout {
		cfg.MaxRecoveryTimeout = 10 * cfg.InitialRecoveryTimeout
	}

	b := &Breaker{
		cfg:             cfg,
		clk:             clk,
		log:             log.With().Str("component", "breaker").Logger(),
		state:           StateClosed,
		recoveryTimeout: cfg.InitialRecoveryTimeout,
	}
	b.recovery = b.newRecoveryBackoff()
	return b
}

func (b *Breaker) newRecoveryBackoff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.cfg.InitialRecoveryTimeout
	eb.MaxInterval = b.cfg.MaxRecoveryTimeout
	eb.Multiplier = 2.0
	eb.RandomizationFactor = 0.2
	eb.MaxElapsedTime = 0 // never stop producing intervals
	eb.Reset()
	return eb
}

// OnTransition registers a callback fired (outside the lock) on every state
// change.
func (b *Breaker) OnTransition(fn func(from, to State, reason string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTransition = fn
}

// Allow decides whether a call may go out. While open it fails fast with
// *OpenError; while half-open it admits at most MaxHalfOpenProbes concurrent
// probes and rejects the rest.
func (b *Breaker) Allow() error {
	b.mu.Lock()

	now := b.clk.Now()
	if b.state == StateOpen {
		elapsed := now.Sub(b.openedAt)
		if elapsed < b.recoveryTimeout {
			retry := b.recoveryTimeout - elapsed
			b.mu.Unlock()
			return &OpenError{RetryAfter: retry}
		}
		b.transitionLocked(StateHalfOpen, "recovery timeout elapsed")
	}

	if b.state == StateHalfOpen {
		if b.halfOpenInFlight >= b.cfg.MaxHalfOpenProbes {
			b.mu.Unlock()
			return &OpenError{RetryAfter: b.cfg.InitialRecoveryTimeout}
		}
		b.halfOpenInFlight++
	}

	b.mu.Unlock()
	return nil
}

// RecordSuccess reports a successful call admitted by Allow.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.halfOpenInFlight--
		b.successesInHalfOpen++
		if b.successesInHalfOpen >= b.cfg.SuccessThreshold {
			b.consecutiveFailures = 0
			b.recovery = b.newRecoveryBackoff()
			b.recoveryTimeout = b.cfg.InitialRecoveryTimeout
			b.transitionLocked(StateClosed, "probe successes reached threshold")
		}
	}

	b.mu.Unlock()
}

// RecordFailure reports a classified service failure for a call admitted by
// Allow. Limiter rejections and auth failures must not be reported here.
func (b *Breaker) RecordFailure(reason string) {
	b.mu.Lock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.openLocked(fmt.Sprintf("%d consecutive failures (last: %s)", b.consecutiveFailures, reason))
		}
	case StateHalfOpen:
		b.halfOpenInFlight--
		// Any probe failure re-opens with a grown recovery timeout.
		b.recoveryTimeout = b.recovery.NextBackOff()
		if b.recoveryTimeout > b.cfg.MaxRecoveryTimeout {
			b.recoveryTimeout = b.cfg.MaxRecoveryTimeout
		}
		b.openLocked(fmt.Sprintf("probe failed: %s", reason))
	case StateOpen:
		// Late result from a call admitted before the trip. Nothing to do.
	}

	b.mu.Unlock()
}

// RecordNeutral balances an Allow whose call produced an outcome that says
// nothing about upstream health (auth failure, protocol error, rate limit).
func (b *Breaker) RecordNeutral() {
	b.mu.Lock()
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.mu.Unlock()
}

func (b *Breaker) openLocked(reason string) {
	b.openedAt = b.clk.Now()
	b.successesInHalfOpen = 0
	b.halfOpenInFlight = 0
	b.transitionLocked(StateOpen, reason)
}

// transitionLocked changes state and fires the callback outside the lock.
func (b *Breaker) transitionLocked(to State, reason string) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateHalfOpen {
		b.successesInHalfOpen = 0
		b.halfOpenInFlight = 0
	}
	b.log.Warn().
		Str("from", string(from)).
		Str("to", string(to)).
		Str("reason", reason).
		Msg("breaker state change")
	if fn := b.onTransition; fn != nil {
		go fn(from, to, reason)
	}
}

// State returns the current state, promoting OPEN to HALF_OPEN if the
// recovery timer has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.clk.Now().Sub(b.openedAt) >= b.recoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// ForceReset closes the breaker and clears counters. Operator action only.
func (b *Breaker) ForceReset() {
	b.mu.Lock()
	b.consecutiveFailures = 0
	b.successesInHalfOpen = 0
	b.halfOpenInFlight = 0
	b.recovery = b.newRecoveryBackoff()
	b.recoveryTimeout = b.cfg.InitialRecoveryTimeout
	b.transitionLocked(StateClosed, "manual reset")
	b.mu.Unlock()
}

// SnapshotState exports state for persistence.
func (b *Breaker) SnapshotState() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:               b.state,
		ConsecutiveFailures: b.consecutiveFailures,
		OpenedAt:            b.openedAt,
		RecoveryTimeout:     b.recoveryTimeout,
		SuccessesInHalfOpen: b.successesInHalfOpen,
	}
}

// Restore loads a persisted snapshot as-is. An open breaker stays open until
// its recovery timer would naturally elapse.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch s.State {
	case StateClosed, StateOpen, StateHalfOpen:
	default:
		return
	}
	b.state = s.State
	b.consecutiveFailures = s.ConsecutiveFailures
	b.openedAt = s.OpenedAt
	b.successesInHalfOpen = s.SuccessesInHalfOpen
	b.halfOpenInFlight = 0
	if s.RecoveryTimeout > 0 {
		b.recoveryTimeout = s.RecoveryTimeout
	}
	b.log.Info().Str("state", string(s.State)).Msg("breaker state restored")
}
