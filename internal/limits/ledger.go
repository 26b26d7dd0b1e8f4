// Package limits implements the penalty-point budget that governs every
// authenticated call to the exchange: a decaying per-key ledger, a static
// endpoint cost table, and the limiter that combines them.
package limits

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/clock"
)

// PenaltyState is the persisted form of one key's point balance.
type PenaltyState struct {
	Key         string          `json:"key"`
	Points      decimal.Decimal `json:"points"`
	LastDecayAt time.Time       `json:"last_decay_at"`
	MaxPoints   decimal.Decimal `json:"max_points"`
	DecayRate   decimal.Decimal `json:"decay_rate"` // points per second
}

// WouldExceedError reports that a reservation would overflow the budget and
// carries the wait needed for decay to make room.
type WouldExceedError struct {
	Key      string
	Cost     decimal.Decimal
	Points   decimal.Decimal
	Max      decimal.Decimal
	WaitHint time.Duration
}

func (e *WouldExceedError) Error() string {
	return fmt.Sprintf("penalty budget exceeded for %s: %s + %s > %s (retry in %s)",
		e.Key, e.Points.String(), e.Cost.String(), e.Max.String(), e.WaitHint)
}

type penaltyEntry struct {
	points      decimal.Decimal
	lastDecayAt time.Time
}

// Ledger tracks decaying penalty points per key. All mutation happens under
// one mutex so a reservation is a single check-and-increment, never two steps.
type Ledger struct {
	mu        sync.Mutex
	entries   map[string]*penaltyEntry
	maxPoints decimal.Decimal
	decayRate decimal.Decimal
	clk       clock.Clock
	log       zerolog.Logger
}

// NewLedger creates a ledger where every key shares the same budget shape.
func NewLedger(maxPoints, decayRatePerSec decimal.Decimal, clk clock.Clock, log zerolog.Logger) (*Ledger, error) {
	if !maxPoints.IsPositive() {
		return nil, fmt.Errorf("max points must be positive, got %s", maxPoints)
	}
	if !decayRatePerSec.IsPositive() {
		return nil, fmt.Errorf("decay rate must be positive, got %s", decayRatePerSec)
	}
	return &Ledger{
		entries:   make(map[string]*penaltyEntry),
		maxPoints: maxPoints,
		decayRate: decayRatePerSec,
		clk:       clk,
		log:       log.With().Str("component", "penalty_ledger").Logger(),
	}, nil
}

// decayLocked applies lazy decay to an entry. Negative elapsed time (clock
// skew) decays nothing; points never go below zero.
func (l *Ledger) decayLocked(e *penaltyEntry, now time.Time) {
	elapsed := now.Sub(e.lastDecayAt)
	if elapsed <= 0 {
		return
	}
	decayed := l.decayRate.Mul(decimal.NewFromFloat(elapsed.Seconds()))
	e.points = e.points.Sub(decayed)
	if e.points.IsNegative() {
		e.points = decimal.Zero
	}
	e.lastDecayAt = now
}

func (l *Ledger) entryLocked(key string, now time.Time) *penaltyEntry {
	e, ok := l.entries[key]
	if !ok {
		e = &penaltyEntry{points: decimal.Zero, lastDecayAt: now}
		l.entries[key] = e
	}
	return e
}

// Reserve atomically checks affordability and adds cost for key. On success
// the returned Reservation must be either committed or released; releasing
// refunds the cost for calls that never went out.
func (l *Ledger) Reserve(key string, cost decimal.Decimal) (*Reservation, error) {
	if cost.IsNegative() {
		return nil, fmt.Errorf("negative reservation cost %s", cost)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.entryLocked(key, now)
	l.decayLocked(e, now)

	after := e.points.Add(cost)
	if after.GreaterThan(l.maxPoints) {
		overshoot := after.Sub(l.maxPoints)
		waitSec, _ := overshoot.Div(l.decayRate).Float64()
		return nil, &WouldExceedError{
			Key:      key,
			Cost:     cost,
			Points:   e.points,
			Max:      l.maxPoints,
			WaitHint: time.Duration(waitSec * float64(time.Second)),
		}
	}

	e.points = after
	return &Reservation{ledger: l, key: key, cost: cost}, nil
}

// refund is called by Reservation.Release.
func (l *Ledger) refund(key string, cost decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.entryLocked(key, now)
	l.decayLocked(e, now)
	e.points = e.points.Sub(cost)
	if e.points.IsNegative() {
		e.points = decimal.Zero
	}
}

// SyncReported adopts the server's own view of consumed points when it is
// higher than ours. The exchange's counter is authoritative; ours can lag
// when other processes share the same account.
func (l *Ledger) SyncReported(key string, reported decimal.Decimal) {
	if reported.IsNegative() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.entryLocked(key, now)
	l.decayLocked(e, now)
	if reported.GreaterThan(e.points) {
		l.log.Warn().
			Str("key", key).
			Str("local", e.points.String()).
			Str("reported", reported.String()).
			Msg("adopting server-reported penalty usage")
		e.points = reported
		if e.points.GreaterThan(l.maxPoints) {
			e.points = l.maxPoints
		}
	}
}

// Penalize adds points without an affordability check. Used when the server
// says we are rate limited: the budget is already blown, record it.
func (l *Ledger) Penalize(key string, cost decimal.Decimal) {
	if !cost.IsPositive() {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.entryLocked(key, now)
	l.decayLocked(e, now)
	e.points = e.points.Add(cost)
	if e.points.GreaterThan(l.maxPoints) {
		e.points = l.maxPoints
	}
}

// Points returns the decayed point balance for key.
func (l *Ledger) Points(key string) decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	e := l.entryLocked(key, now)
	l.decayLocked(e, now)
	return e.points
}

// Utilization returns the decayed balance as a percentage of the budget.
func (l *Ledger) Utilization(key string) float64 {
	pts := l.Points(key)
	pct, _ := pts.Div(l.maxPoints).Mul(decimal.NewFromInt(100)).Float64()
	return pct
}

// MaxPoints returns the configured budget ceiling.
func (l *Ledger) MaxPoints() decimal.Decimal { return l.maxPoints }

// Snapshot exports all entries for persistence.
func (l *Ledger) Snapshot() []PenaltyState {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]PenaltyState, 0, len(l.entries))
	for key, e := range l.entries {
		out = append(out, PenaltyState{
			Key:         key,
			Points:      e.points,
			LastDecayAt: e.lastDecayAt,
			MaxPoints:   l.maxPoints,
			DecayRate:   l.decayRate,
		})
	}
	return out
}

// Restore loads persisted states. Points are never trusted as zero: the
// stored balance is kept with its original decay timestamp, so the first
// touch decays it forward to now.
func (l *Ledger) Restore(states []PenaltyState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, s := range states {
		pts := s.Points
		if pts.IsNegative() {
			pts = decimal.Zero
		}
		if pts.GreaterThan(l.maxPoints) {
			pts = l.maxPoints
		}
		l.entries[s.Key] = &penaltyEntry{points: pts, lastDecayAt: s.LastDecayAt}
	}
}

// Reservation is a soft hold on budget that must be committed (the call went
// out) or released (it never did).
type Reservation struct {
	ledger *Ledger
	key    string
	cost   decimal.Decimal

	mu   sync.Mutex
	done bool
}

// Cost returns the reserved point cost.
func (r *Reservation) Cost() decimal.Decimal { return r.cost }

// Commit finalizes the spend. Idempotent.
func (r *Reservation) Commit() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = true
}

// Release refunds the reserved cost if the call never happened. A no-op
// after Commit or a prior Release.
func (r *Reservation) Release() {
	r.mu.Lock()
	if r.done {
		r.mu.Unlock()
		return
	}
	r.done = true
	r.mu.Unlock()
	r.ledger.refund(r.key, r.cost)
}
