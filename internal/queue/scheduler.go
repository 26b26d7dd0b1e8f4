package queue

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"exchange-api-governor/internal/clock"
)

// AdmitResult tells the scheduler what to do with a band head.
type AdmitResult struct {
	// Release refunds the admission hold if the request is popped-and-lost
	// (canceled between admit and pop). Nil for public endpoints.
	Release func()

	// RetryIn, when positive, means the request is not yet affordable and
	// the scheduler should try again after this long.
	RetryIn time.Duration

	// Fatal, when non-nil, resolves the request immediately with this
	// error (unknown endpoint, auth failure policy, and the like).
	Fatal error
}

// AdmitFunc performs the serialized admission decision (breaker gate plus
// limiter reservation) for one request.
type AdmitFunc func(req *Request) AdmitResult

// ExecFunc performs the actual network call for an admitted request. It runs
// on a worker goroutine, never on the scheduler loop.
type ExecFunc func(ctx context.Context, req *Request) (any, error)

// RetryableFunc reports whether a failed execution may be retried by the
// worker. Auth failures and limiter rejections must report false.
type RetryableFunc func(error) bool

// SchedulerConfig tunes the coordinating loop.
type SchedulerConfig struct {
	// MaxConcurrentCalls caps in-flight network calls. This protects local
	// resources; the limiter protects the remote budget.
	MaxConcurrentCalls int

	// PollInterval bounds how long the loop sleeps with work pending even
	// without a wait hint.
	PollInterval time.Duration

	// MinRetryWait and MaxRetryWait clamp limiter wait hints.
	MinRetryWait time.Duration
	MaxRetryWait time.Duration

	// RetryJitter is the +/- fraction applied to retry waits so many
	// queued callers do not stampede the ledger at the same instant.
	RetryJitter float64
}

// DefaultSchedulerConfig returns workable defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentCalls: 8,
		PollInterval:       250 * time.Millisecond,
		MinRetryWait:       50 * time.Millisecond,
		MaxRetryWait:       10 * time.Second,
		RetryJitter:        0.2,
	}
}

// Scheduler is the single coordinating loop draining the queue. Only the
// admission decision is serialized; execution is handed off to workers.
// Exactly one Run must be active per queue.
type Scheduler struct {
	queue     *Queue
	admit     AdmitFunc
	exec      ExecFunc
	retryable RetryableFunc
	cfg       SchedulerConfig
	clk       clock.Clock
	log       zerolog.Logger
	workers   chan struct{}
	wg        sync.WaitGroup
	rng       *rand.Rand
	rngMu     sync.Mutex
}

// NewScheduler wires a scheduler over the queue.
func NewScheduler(q *Queue, admit AdmitFunc, exec ExecFunc, cfg SchedulerConfig, clk clock.Clock, log zerolog.Logger) *Scheduler {
	if cfg.MaxConcurrentCalls <= 0 {
		cfg.MaxConcurrentCalls = 8
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MinRetryWait <= 0 {
		cfg.MinRetryWait = 50 * time.Millisecond
	}
	if cfg.MaxRetryWait <= 0 {
		cfg.MaxRetryWait = 10 * time.Second
	}
	return &Scheduler{
		queue:     q,
		admit:     admit,
		exec:      exec,
		retryable: func(error) bool { return false },
		cfg:       cfg,
		clk:       clk,
		log:       log.With().Str("component", "queue_scheduler").Logger(),
		workers:   make(chan struct{}, cfg.MaxConcurrentCalls),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetRetryable installs the retry policy for worker-side failures. Must be
// called before Run.
func (s *Scheduler) SetRetryable(fn RetryableFunc) {
	if fn != nil {
		s.retryable = fn
	}
}

// Run drives the loop until ctx is done, then waits for in-flight workers.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Int("max_concurrent", s.cfg.MaxConcurrentCalls).Msg("scheduler started")
	defer s.wg.Wait()

	for {
		if ctx.Err() != nil {
			return
		}

		s.queue.DropExpired()

		wait := s.cfg.PollInterval
		dispatched := false

		for _, p := range Priorities() {
			head := s.queue.PeekBand(p)
			if head == nil {
				continue
			}

			res := s.admit(head)
			switch {
			case res.Fatal != nil:
				if s.queue.Pop(head) {
					s.queue.Resolve(head, Outcome{Err: res.Fatal})
				}
				dispatched = true

			case res.RetryIn > 0:
				if w := s.jittered(res.RetryIn); w < wait {
					wait = w
				}
				// A higher band that cannot afford its head does not
				// unblock lower bands for free: cheaper low-priority
				// calls may still be admitted below, but the next
				// retry time honors the most urgent hint.
				continue

			default:
				if !s.queue.Pop(head) {
					// Canceled between admit and pop; refund the hold.
					if res.Release != nil {
						res.Release()
					}
					continue
				}
				s.dispatch(ctx, head, res.Release)
				dispatched = true
			}
			break
		}

		if dispatched {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.queue.Wake():
			timer.Stop()
		case <-timer.C:
		}
	}
}

// dispatch hands an admitted request to a worker, respecting the
// concurrency cap.
func (s *Scheduler) dispatch(ctx context.Context, req *Request, release func()) {
	select {
	case s.workers <- struct{}{}:
	case <-ctx.Done():
		if release != nil {
			release()
		}
		s.queue.Resolve(req, Outcome{Err: ctx.Err()})
		return
	}

	s.wg.Add(1)
	go func() {
		defer func() {
			<-s.workers
			s.wg.Done()
		}()

		callCtx := ctx
		var cancel context.CancelFunc
		if !req.Deadline.IsZero() {
			callCtx, cancel = context.WithDeadline(ctx, req.Deadline)
			defer cancel()
		}

		// Transient failures are retried with exponential backoff until
		// the request's own deadline cancels the context.
		eb := backoff.NewExponentialBackOff()
		eb.InitialInterval = s.cfg.MinRetryWait
		eb.MaxInterval = s.cfg.MaxRetryWait
		eb.MaxElapsedTime = 0

		var result any
		err := backoff.Retry(func() error {
			var execErr error
			result, execErr = s.exec(callCtx, req)
			if execErr != nil && s.retryable(execErr) {
				return execErr
			}
			if execErr != nil {
				return backoff.Permanent(execErr)
			}
			return nil
		}, backoff.WithContext(eb, callCtx))

		s.queue.Resolve(req, Outcome{Result: result, Err: err})
	}()
}

// jittered clamps and jitters a retry wait.
func (s *Scheduler) jittered(d time.Duration) time.Duration {
	if d < s.cfg.MinRetryWait {
		d = s.cfg.MinRetryWait
	}
	if d > s.cfg.MaxRetryWait {
		d = s.cfg.MaxRetryWait
	}
	if s.cfg.RetryJitter <= 0 {
		return d
	}
	s.rngMu.Lock()
	f := 1 + s.cfg.RetryJitter*(2*s.rng.Float64()-1)
	s.rngMu.Unlock()
	return time.Duration(float64(d) * f)
}
