// Package queue holds pending exchange calls that the limiter cannot yet
// afford and releases them as budget frees up. Ordering is priority first,
// FIFO within a band, so urgent calls jump ahead without starving the rest.
package queue

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"exchange-api-governor/internal/clock"
)

// Priority orders queued requests. Higher drains first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Priorities lists all bands from highest to lowest.
func Priorities() []Priority {
	return []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}
}

// Request is one pending call.
type Request struct {
	ID         uuid.UUID
	Priority   Priority
	EnqueuedAt time.Time
	Endpoint   string
	OrderAge   time.Duration // negative when not age-sensitive
	Deadline   time.Time
	Payload    any

	outcome chan Outcome
}

// Outcome is delivered exactly once per request.
type Outcome struct {
	Result any
	Err    error
}

// Handle lets the enqueuer wait for or cancel its request.
type Handle struct {
	ID      uuid.UUID
	Outcome <-chan Outcome
}

// FullError reports a rejected enqueue (or eviction) on a full queue.
type FullError struct {
	Capacity int
}

func (e *FullError) Error() string {
	return fmt.Sprintf("request queue full (capacity %d)", e.Capacity)
}

// ExpiredError reports a deadline that passed while queued.
type ExpiredError struct {
	Deadline time.Time
}

func (e *ExpiredError) Error() string {
	return fmt.Sprintf("request expired in queue (deadline %s)", e.Deadline.Format(time.RFC3339))
}

// CanceledError reports an explicit cancel of a queued request.
type CanceledError struct{}

func (e *CanceledError) Error() string { return "request canceled while queued" }

// Queue is the bounded priority queue. One band per priority, FIFO within.
type Queue struct {
	mu       sync.Mutex
	bands    map[Priority][]*Request
	size     int
	capacity int
	clk      clock.Clock

	// wake signals the scheduler that the queue contents changed.
	wake chan struct{}
}

// New creates a queue holding at most capacity requests.
func New(capacity int, clk clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{
		bands:    make(map[Priority][]*Request),
		capacity: capacity,
		clk:      clk,
		wake:     make(chan struct{}, 1),
	}
}

// Wake returns the channel the scheduler selects on.
func (q *Queue) Wake() <-chan struct{} { return q.wake }

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a request. When full, the oldest request of the lowest
// non-empty band is evicted first and resolved with *FullError; if the new
// request itself is the lowest priority, it is rejected instead.
func (q *Queue) Enqueue(priority Priority, endpoint string, orderAge time.Duration, deadline time.Time, payload any) (*Handle, error) {
	req := &Request{
		ID:         uuid.New(),
		Priority:   priority,
		EnqueuedAt: q.clk.Now(),
		Endpoint:   endpoint,
		OrderAge:   orderAge,
		Deadline:   deadline,
		Payload:    payload,
		outcome:    make(chan Outcome, 1),
	}

	q.mu.Lock()
	if q.size >= q.capacity {
		victim := q.lowestOldestLocked()
		if victim == nil || victim.Priority > priority {
			q.mu.Unlock()
			return nil, &FullError{Capacity: q.capacity}
		}
		q.removeLocked(victim)
		victim.outcome <- Outcome{Err: &FullError{Capacity: q.capacity}}
	}
	q.bands[priority] = append(q.bands[priority], req)
	q.size++
	q.mu.Unlock()

	q.signal()
	return &Handle{ID: req.ID, Outcome: req.outcome}, nil
}

// lowestOldestLocked returns the eviction candidate.
func (q *Queue) lowestOldestLocked() *Request {
	for _, p := range []Priority{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical} {
		if band := q.bands[p]; len(band) > 0 {
			return band[0]
		}
	}
	return nil
}

func (q *Queue) removeLocked(req *Request) {
	band := q.bands[req.Priority]
	for i, r := range band {
		if r.ID == req.ID {
			q.bands[req.Priority] = append(band[:i], band[i+1:]...)
			q.size--
			return
		}
	}
}

// PeekBand returns the head of the given band without removing it.
func (q *Queue) PeekBand(p Priority) *Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	if band := q.bands[p]; len(band) > 0 {
		return band[0]
	}
	return nil
}

// Pop removes a specific request (scheduler admitted it). Returns false if
// the request was canceled or expired in the meantime.
func (q *Queue) Pop(req *Request) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	band := q.bands[req.Priority]
	for i, r := range band {
		if r.ID == req.ID {
			q.bands[req.Priority] = append(band[:i], band[i+1:]...)
			q.size--
			return true
		}
	}
	return false
}

// Cancel removes a queued request and resolves it with *CanceledError.
// Returns false when the request is no longer queued (already admitted,
// expired, or unknown) - an in-flight call cannot be recalled.
func (q *Queue) Cancel(id uuid.UUID) bool {
	q.mu.Lock()
	for _, band := range q.bands {
		for _, r := range band {
			if r.ID == id {
				q.removeLocked(r)
				q.mu.Unlock()
				r.outcome <- Outcome{Err: &CanceledError{}}
				q.signal()
				return true
			}
		}
	}
	q.mu.Unlock()
	return false
}

// DropExpired removes every request whose deadline passed and resolves them
// with *ExpiredError. Returns how many were dropped.
func (q *Queue) DropExpired() int {
	now := q.clk.Now()

	q.mu.Lock()
	var expired []*Request
	for p, band := range q.bands {
		kept := band[:0]
		for _, r := range band {
			if !r.Deadline.IsZero() && now.After(r.Deadline) {
				expired = append(expired, r)
				q.size--
			} else {
				kept = append(kept, r)
			}
		}
		q.bands[p] = kept
	}
	q.mu.Unlock()

	for _, r := range expired {
		r.outcome <- Outcome{Err: &ExpiredError{Deadline: r.Deadline}}
	}
	return len(expired)
}

// Resolve delivers the outcome for an admitted request.
func (q *Queue) Resolve(req *Request, out Outcome) {
	req.outcome <- out
}

// DepthByPriority returns the current depth of each band.
func (q *Queue) DepthByPriority() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]int, 4)
	for _, p := range Priorities() {
		out[p.String()] = len(q.bands[p])
	}
	return out
}

// Len returns the total queued count.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

// SnapshotRequests exports queued request metadata for persistence.
func (q *Queue) SnapshotRequests() []PersistedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PersistedRequest, 0, q.size)
	for _, p := range Priorities() {
		for _, r := range q.bands[p] {
			out = append(out, PersistedRequest{
				ID:         r.ID.String(),
				Priority:   int(r.Priority),
				EnqueuedAt: r.EnqueuedAt,
				Endpoint:   r.Endpoint,
				OrderAgeMs: r.OrderAge.Milliseconds(),
				Deadline:   r.Deadline,
			})
		}
	}
	return out
}

// PersistedRequest is the serialized form of a queued request. Payloads are
// not persisted; restored requests are re-driven by their callers.
type PersistedRequest struct {
	ID         string    `json:"id"`
	Priority   int       `json:"priority"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Endpoint   string    `json:"endpoint"`
	OrderAgeMs int64     `json:"order_age_ms"`
	Deadline   time.Time `json:"deadline"`
}
