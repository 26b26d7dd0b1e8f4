package limits

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/clock"
)

// PublicWindowError reports that the anonymous-tier fixed window is full.
type PublicWindowError struct {
	Count    int
	Max      int
	WaitHint time.Duration
}

func (e *PublicWindowError) Error() string {
	return fmt.Sprintf("public request window full: %d/%d (retry in %s)", e.Count, e.Max, e.WaitHint)
}

// publicWindow is a fixed-window counter for unauthenticated endpoints.
// Public calls carry no penalty points but still respect anonymous limits.
type publicWindow struct {
	mu      sync.Mutex
	count   int
	resetAt time.Time
	max     int
	window  time.Duration
	clk     clock.Clock
}

func (w *publicWindow) tryAcquire() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.clk.Now()
	if now.After(w.resetAt) {
		w.count = 0
		w.resetAt = now.Add(w.window)
	}
	if w.count >= w.max {
		wait := w.resetAt.Sub(now)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return &PublicWindowError{Count: w.count, Max: w.max, WaitHint: wait}
	}
	w.count++
	return nil
}

// Limiter decides whether a call of a given endpoint class is currently
// affordable. Authenticated endpoints go through the penalty ledger;
// public endpoints go through the fixed window.
type Limiter struct {
	costs  *CostTable
	ledger *Ledger
	public *publicWindow
	log    zerolog.Logger
}

// LimiterConfig sizes the anonymous-tier window.
type LimiterConfig struct {
	PublicMaxPerWindow int
	PublicWindow       time.Duration
}

// NewLimiter wires a limiter over the given cost table and ledger.
func NewLimiter(costs *CostTable, ledger *Ledger, cfg LimiterConfig, clk clock.Clock, log zerolog.Logger) *Limiter {
	if cfg.PublicMaxPerWindow <= 0 {
		cfg.PublicMaxPerWindow = 1200
	}
	if cfg.PublicWindow <= 0 {
		cfg.PublicWindow = time.Minute
	}
	return &Limiter{
		costs:  costs,
		ledger: ledger,
		public: &publicWindow{
			max:     cfg.PublicMaxPerWindow,
			window:  cfg.PublicWindow,
			resetAt: clk.Now().Add(cfg.PublicWindow),
			clk:     clk,
		},
		log: log.With().Str("component", "limiter").Logger(),
	}
}

// TryReserve resolves the endpoint cost and attempts an atomic reservation
// against key's budget. Pass orderAge < 0 for operations that are not
// age-sensitive. Public endpoints return a nil Reservation on success.
//
// Errors: *UnknownEndpointError (fail closed), *WouldExceedError (carries a
// wait hint), *PublicWindowError.
func (l *Limiter) TryReserve(key, endpoint string, orderAge time.Duration) (*Reservation, error) {
	cost, err := l.costs.Resolve(endpoint, orderAge)
	if err != nil {
		return nil, err
	}

	if l.costs.IsPublic(endpoint) {
		if err := l.public.tryAcquire(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	res, err := l.ledger.Reserve(key, cost)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Cost exposes cost resolution for callers that only need the number.
func (l *Limiter) Cost(endpoint string, orderAge time.Duration) (decimal.Decimal, error) {
	return l.costs.Resolve(endpoint, orderAge)
}

// Utilization reports the decayed budget usage for key as a percentage.
func (l *Limiter) Utilization(key string) float64 {
	return l.ledger.Utilization(key)
}

// SyncReported adopts the server's reported usage when higher than ours.
func (l *Limiter) SyncReported(key string, points decimal.Decimal) {
	l.ledger.SyncReported(key, points)
}

// Saturate pins key's budget to its ceiling. Called on an explicit
// rate-limited reply: the server says we are out, believe it.
func (l *Limiter) Saturate(key string) {
	l.ledger.SyncReported(key, l.ledger.MaxPoints())
}

// AdaptiveScanBudget returns how many items a background scan can afford
// given an estimated per-item cost, whether the caller should throttle, and
// a suggested wait when the budget is exhausted. Background consumers use
// this to shrink their scope instead of queueing dozens of doomed requests.
func (l *Limiter) AdaptiveScanBudget(key string, costPerItem decimal.Decimal) (items int, throttle bool, wait time.Duration) {
	if !costPerItem.IsPositive() {
		return 0, true, 0
	}
	points := l.ledger.Points(key)
	max := l.ledger.MaxPoints()

	// Background work may use at most 40% of the budget, and a further 20%
	// stays reserved for urgent calls arriving mid-scan.
	budget := max.Mul(decimal.NewFromFloat(0.40)).Sub(points)
	budget = budget.Sub(max.Mul(decimal.NewFromFloat(0.20)))
	if budget.IsNegative() {
		budget = decimal.Zero
	}

	items = int(budget.Div(costPerItem).IntPart())
	usage, _ := points.Div(max).Float64()
	throttle = usage > 0.50
	if items <= 0 {
		if overshoot := costPerItem.Add(points).Sub(max.Mul(decimal.NewFromFloat(0.40))); overshoot.IsPositive() {
			sec, _ := overshoot.Div(l.ledgerDecayRate()).Float64()
			wait = time.Duration(sec * float64(time.Second))
		}
	}
	return items, throttle, wait
}

func (l *Limiter) ledgerDecayRate() decimal.Decimal {
	return l.ledger.decayRate
}
