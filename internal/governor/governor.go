// Package governor is the single entry point for every exchange call. It
// composes the circuit breaker, the penalty limiter with its priority queue,
// the transport, and the balance validator, so callers get one API and one
// set of typed outcomes.
package governor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"exchange-api-governor/internal/balance"
	"exchange-api-governor/internal/breaker"
	"exchange-api-governor/internal/classify"
	"exchange-api-governor/internal/clock"
	"exchange-api-governor/internal/events"
	"exchange-api-governor/internal/exchange"
	"exchange-api-governor/internal/limits"
	"exchange-api-governor/internal/queue"
)

// NoOrderAge marks operations that are not age-sensitive.
const NoOrderAge = time.Duration(-1)

// Request describes one operation to execute.
type Request struct {
	Endpoint string
	Params   map[string]string
	Priority queue.Priority

	// Deadline bounds queue time plus execution. Zero means the default.
	Deadline time.Time

	// OrderAge is the age of the target order for cancel/amend cost
	// tiers. Use NoOrderAge otherwise.
	OrderAge time.Duration

	// Wait opts into queued semantics: when the budget cannot afford the
	// call, it is queued and retried until its deadline. Without Wait the
	// caller gets an immediate typed rejection ("cancel now or give up").
	Wait bool
}

// Result is a completed call.
type Result struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

// Status is the governor's externally visible state.
type Status struct {
	BreakerState          breaker.State  `json:"breaker_state"`
	PenaltyUtilizationPct float64        `json:"penalty_utilization_pct"`
	QueueDepthByPriority  map[string]int `json:"queue_depth_by_priority"`
}

// Config tunes the façade.
type Config struct {
	// AccountKey identifies the penalty budget all authenticated calls
	// share.
	AccountKey string

	// DefaultDeadline applies to requests that carry none.
	DefaultDeadline time.Duration

	// RefreshEndpoint is the pull operation ForceRefresh dispatches.
	RefreshEndpoint string
}

// Governor is the façade. It exclusively owns writes to the ledger, the
// breaker, and the balance cache; callers only read derived results.
type Governor struct {
	cfg       Config
	limiter   *limits.Limiter
	brk       *breaker.Breaker
	q         *queue.Queue
	caller    exchange.Caller
	validator *balance.Validator
	history   balance.History
	bus       *events.Bus
	clk       clock.Clock
	log       zerolog.Logger
}

// New wires the façade and bridges component callbacks onto the event bus.
func New(cfg Config, limiter *limits.Limiter, brk *breaker.Breaker, q *queue.Queue,
	caller exchange.Caller, validator *balance.Validator, history balance.History,
	bus *events.Bus, clk clock.Clock, log zerolog.Logger) *Governor {

	if cfg.AccountKey == "" {
		cfg.AccountKey = "default"
	}
	if cfg.DefaultDeadline <= 0 {
		cfg.DefaultDeadline = 30 * time.Second
	}
	if cfg.RefreshEndpoint == "" {
		cfg.RefreshEndpoint = "balances"
	}

	g := &Governor{
		cfg:       cfg,
		limiter:   limiter,
		brk:       brk,
		q:         q,
		caller:    caller,
		validator: validator,
		history:   history,
		bus:       bus,
		clk:       clk,
		log:       log.With().Str("component", "governor").Logger(),
	}

	brk.OnTransition(func(from, to breaker.State, reason string) {
		bus.PublishBreakerChange(string(from), string(to), reason)
	})
	validator.OnDiscrepancy(func(asset string, push, pull balance.Record) {
		bus.PublishBalanceDiscrepancy(asset, push.Total().String(), pull.Total().String())
	})

	return g
}

// queuedCall is the payload behind a queued request. The admission
// reservation is handed from the scheduler's admit step to the worker.
type queuedCall struct {
	params map[string]string

	mu  sync.Mutex
	res *limits.Reservation
}

func (qc *queuedCall) put(r *limits.Reservation) {
	qc.mu.Lock()
	qc.res = r
	qc.mu.Unlock()
}

func (qc *queuedCall) take() *limits.Reservation {
	qc.mu.Lock()
	r := qc.res
	qc.res = nil
	qc.mu.Unlock()
	return r
}

// Execute runs one operation through the full governing pipeline.
func (g *Governor) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Deadline.IsZero() {
		req.Deadline = g.clk.Now().Add(g.cfg.DefaultDeadline)
	}

	if !req.Wait {
		return g.executeDirect(ctx, req)
	}
	return g.executeQueued(ctx, req)
}

// executeDirect is the fire-and-reject path: any gate that says no becomes
// an immediate typed outcome.
func (g *Governor) executeDirect(ctx context.Context, req Request) (*Result, error) {
	if err := g.brk.Allow(); err != nil {
		return nil, g.mapBreakerErr(err)
	}

	res, err := g.limiter.TryReserve(g.cfg.AccountKey, req.Endpoint, req.OrderAge)
	if err != nil {
		// The call never went out; balance the breaker's Allow.
		g.brk.RecordNeutral()
		return nil, g.mapLimiterErr(req.Endpoint, err)
	}

	return g.performCall(ctx, req.Endpoint, req.Params, res)
}

// executeQueued enqueues and waits for the scheduler to drive the call.
func (g *Governor) executeQueued(ctx context.Context, req Request) (*Result, error) {
	qc := &queuedCall{params: req.Params}
	handle, err := g.q.Enqueue(req.Priority, req.Endpoint, req.OrderAge, req.Deadline, qc)
	if err != nil {
		return nil, g.mapQueueErr(req, err)
	}

	select {
	case out := <-handle.Outcome:
		if out.Err != nil {
			return nil, g.mapQueueErr(req, out.Err)
		}
		return out.Result.(*Result), nil
	case <-ctx.Done():
		// Cancel releases the queued slot; an admitted call cannot be
		// recalled, only its result discarded.
		g.q.Cancel(handle.ID)
		return nil, ctx.Err()
	}
}

// Admit is the scheduler's serialized admission decision.
func (g *Governor) Admit(req *queue.Request) queue.AdmitResult {
	if err := g.brk.Allow(); err != nil {
		var open *breaker.OpenError
		if errors.As(err, &open) {
			return queue.AdmitResult{RetryIn: open.RetryAfter}
		}
		return queue.AdmitResult{Fatal: g.mapBreakerErr(err)}
	}

	res, err := g.limiter.TryReserve(g.cfg.AccountKey, req.Endpoint, req.OrderAge)
	if err != nil {
		g.brk.RecordNeutral()
		var exceed *limits.WouldExceedError
		if errors.As(err, &exceed) {
			g.bus.PublishBudgetExceeded(g.cfg.AccountKey, req.Endpoint, exceed.WaitHint.Milliseconds())
			return queue.AdmitResult{RetryIn: exceed.WaitHint}
		}
		var window *limits.PublicWindowError
		if errors.As(err, &window) {
			return queue.AdmitResult{RetryIn: window.WaitHint}
		}
		return queue.AdmitResult{Fatal: g.mapLimiterErr(req.Endpoint, err)}
	}

	qc := req.Payload.(*queuedCall)
	qc.put(res)

	return queue.AdmitResult{Release: func() {
		if r := qc.take(); r != nil {
			r.Release()
		}
		g.brk.RecordNeutral()
	}}
}

// ExecQueued is the scheduler's worker-side execution. Retries re-admit
// themselves: the first attempt consumes the admission reservation, later
// attempts reserve fresh budget.
func (g *Governor) ExecQueued(ctx context.Context, req *queue.Request) (any, error) {
	qc := req.Payload.(*queuedCall)

	res := qc.take()
	if res == nil {
		if err := g.brk.Allow(); err != nil {
			return nil, g.mapBreakerErr(err)
		}
		var rerr error
		res, rerr = g.limiter.TryReserve(g.cfg.AccountKey, req.Endpoint, req.OrderAge)
		if rerr != nil {
			g.brk.RecordNeutral()
			return nil, g.mapLimiterErr(req.Endpoint, rerr)
		}
	}

	return g.performCall(ctx, req.Endpoint, qc.params, res)
}

// Retryable is the scheduler's retry policy.
func (g *Governor) Retryable(err error) bool { return Retryable(err) }

// performCall sends the request and does all post-call bookkeeping: the
// reservation commit, breaker accounting, server usage sync, and balance
// ingestion. The reservation may be nil for public endpoints.
func (g *Governor) performCall(ctx context.Context, endpoint string, params map[string]string, res *limits.Reservation) (*Result, error) {
	resp, callErr := g.caller.Call(ctx, exchange.Request{Endpoint: endpoint, Params: params})

	// A request that never left the process spends nothing: refund the hold
	// and keep the breaker out of it.
	if errors.Is(callErr, exchange.ErrNotSent) {
		if res != nil {
			res.Release()
		}
		g.brk.RecordNeutral()
		return nil, g.notSentError(endpoint, callErr)
	}

	// The call went out; the budget is spent whether or not it succeeded.
	if res != nil {
		res.Commit()
	}

	statusCode := 0
	if resp != nil {
		statusCode = resp.StatusCode
	}
	kind := classify.Classify(statusCode, callErr)

	switch {
	case kind == classify.KindNone:
		g.brk.RecordSuccess()
	case kind.CountsAsBreakerFailure():
		g.brk.RecordFailure(kind.String())
	default:
		g.brk.RecordNeutral()
	}

	if resp != nil {
		if !resp.UsedPoints.IsNegative() {
			g.limiter.SyncReported(g.cfg.AccountKey, resp.UsedPoints)
		}
		if resp.RateLimited {
			g.limiter.Saturate(g.cfg.AccountKey)
		}
	}

	if err := g.outcomeError(endpoint, resp, callErr, kind); err != nil {
		return nil, err
	}

	for _, rec := range resp.Balances {
		g.ingest(rec)
	}

	return &Result{Endpoint: endpoint, StatusCode: resp.StatusCode, Body: resp.Body}, nil
}

// notSentError maps a never-sent failure to the typed taxonomy.
func (g *Governor) notSentError(endpoint string, callErr error) error {
	switch {
	case errors.Is(callErr, context.Canceled):
		return &Error{Code: CodeCanceled, Message: fmt.Sprintf("call to %s canceled before dispatch", endpoint), Cause: callErr}
	case errors.Is(callErr, context.DeadlineExceeded):
		return &Error{Code: CodeExpired, Message: fmt.Sprintf("deadline passed before %s was dispatched", endpoint), Cause: callErr}
	default:
		return &Error{Code: CodeConfig, Message: fmt.Sprintf("cannot dispatch %s", endpoint), Cause: callErr}
	}
}

// outcomeError maps a classified call outcome to the typed taxonomy.
func (g *Governor) outcomeError(endpoint string, resp *exchange.Response, callErr error, kind classify.Kind) error {
	switch kind {
	case classify.KindNone:
		return nil
	case classify.KindNetwork:
		return &Error{Code: CodeNetworkFailure, Message: fmt.Sprintf("call to %s failed", endpoint), Cause: callErr}
	case classify.KindAuth:
		return &Error{Code: CodeAuthFailure, Message: fmt.Sprintf("%s rejected credentials (status %d)", endpoint, resp.StatusCode)}
	case classify.KindServer:
		return &Error{Code: CodeServerError, Message: fmt.Sprintf("%s returned status %d", endpoint, resp.StatusCode)}
	case classify.KindRateLimited:
		retry := time.Duration(0)
		if !resp.BanUntil.IsZero() {
			retry = resp.BanUntil.Sub(g.clk.Now())
		}
		return &Error{Code: CodeBudgetExceeded, Message: "exchange reports rate limit exceeded", RetryIn: retry}
	case classify.KindProtocol:
		return &Error{Code: CodeProtocolError, Message: fmt.Sprintf("unparseable response from %s", endpoint), Cause: callErr}
	default:
		return &Error{Code: CodeProtocolError, Message: fmt.Sprintf("unclassifiable outcome from %s", endpoint), Cause: callErr}
	}
}

// ingest runs one record through the validator and publishes rejections.
func (g *Governor) ingest(rec balance.Record) balance.IngestResult {
	result := g.validator.Ingest(rec)
	if result.Status == balance.IngestRejected {
		g.bus.PublishBalanceRejected(rec.Asset, string(rec.Source), result.Reason)
	}
	return result
}

// IngestPush feeds a push-source record into the validator. Wired as the
// push stream's balance handler.
func (g *Governor) IngestPush(rec balance.Record) {
	rec.Source = balance.SourcePush
	g.ingest(rec)
}

// GetBalance returns the latest accepted snapshot from cache. It never
// blocks on the network; freshness is the caller's job to check.
func (g *Governor) GetBalance(asset string) (balance.Snapshot, error) {
	snap, ok := g.validator.Get(asset)
	if !ok {
		return balance.Snapshot{}, fmt.Errorf("%w: %s", ErrNoSnapshot, asset)
	}
	return snap, nil
}

// ForceRefresh is the only operation that triggers a synchronous pull,
// subject to the limiter and breaker. Use sparingly, e.g. before committing
// capital when cache confidence is degraded.
func (g *Governor) ForceRefresh(ctx context.Context, asset string) (balance.Snapshot, error) {
	_, err := g.Execute(ctx, Request{
		Endpoint: g.cfg.RefreshEndpoint,
		Params:   map[string]string{"asset": asset},
		Priority: queue.PriorityHigh,
		OrderAge: NoOrderAge,
	})
	if err != nil {
		return balance.Snapshot{}, err
	}
	return g.GetBalance(asset)
}

// Cancel cancels a queued request by id. Returns false once the request is
// in flight or resolved.
func (g *Governor) Cancel(id uuid.UUID) bool {
	return g.q.Cancel(id)
}

// Status reports breaker state, budget utilization, and queue depth.
func (g *Governor) Status() Status {
	return Status{
		BreakerState:          g.brk.State(),
		PenaltyUtilizationPct: g.limiter.Utilization(g.cfg.AccountKey),
		QueueDepthByPriority:  g.q.DepthByPriority(),
	}
}

// History exposes read access to the balance change ledger.
func (g *Governor) History() balance.History { return g.history }

// ResetBreaker force-closes the breaker. Operator action via the admin API.
func (g *Governor) ResetBreaker() { g.brk.ForceReset() }

// mapBreakerErr converts breaker rejections to the typed taxonomy.
func (g *Governor) mapBreakerErr(err error) error {
	var open *breaker.OpenError
	if errors.As(err, &open) {
		return &Error{Code: CodeBreakerOpen, Message: "upstream considered unhealthy", RetryIn: open.RetryAfter, Cause: err}
	}
	return err
}

// mapLimiterErr converts limiter rejections to the typed taxonomy.
func (g *Governor) mapLimiterErr(endpoint string, err error) error {
	var exceed *limits.WouldExceedError
	if errors.As(err, &exceed) {
		g.bus.PublishBudgetExceeded(g.cfg.AccountKey, endpoint, exceed.WaitHint.Milliseconds())
		return &Error{Code: CodeBudgetExceeded, Message: "penalty budget cannot afford call", RetryIn: exceed.WaitHint, Cause: err}
	}
	var window *limits.PublicWindowError
	if errors.As(err, &window) {
		return &Error{Code: CodeBudgetExceeded, Message: "public request window full", RetryIn: window.WaitHint, Cause: err}
	}
	var unknown *limits.UnknownEndpointError
	if errors.As(err, &unknown) {
		return &Error{Code: CodeConfig, Message: unknown.Error(), Cause: err}
	}
	return err
}

// mapQueueErr converts queue outcomes to the typed taxonomy.
func (g *Governor) mapQueueErr(req Request, err error) error {
	var ge *Error
	if errors.As(err, &ge) {
		return err
	}
	var full *queue.FullError
	if errors.As(err, &full) {
		g.bus.PublishQueueEvicted(req.Endpoint, req.Priority.String())
		return &Error{Code: CodeQueueFull, Message: full.Error(), Cause: err}
	}
	var expired *queue.ExpiredError
	if errors.As(err, &expired) {
		g.bus.PublishRequestExpired(req.Endpoint)
		return &Error{Code: CodeExpired, Message: expired.Error(), Cause: err}
	}
	var canceled *queue.CanceledError
	if errors.As(err, &canceled) {
		return &Error{Code: CodeCanceled, Message: canceled.Error(), Cause: err}
	}
	return err
}
