package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"exchange-api-governor/internal/breaker"
	"exchange-api-governor/internal/events"
	"exchange-api-governor/internal/limits"
	"exchange-api-governor/internal/queue"
)

// Snapshotter periodically serializes ledger, breaker, and queue state.
type Snapshotter struct {
	store    *StateStore
	ledger   *limits.Ledger
	brk      *breaker.Breaker
	q        *queue.Queue
	bus      *events.Bus
	interval time.Duration
	log      zerolog.Logger
}

// NewSnapshotter wires a snapshot loop.
func NewSnapshotter(store *StateStore, ledger *limits.Ledger, brk *breaker.Breaker, q *queue.Queue,
	bus *events.Bus, interval time.Duration, log zerolog.Logger) *Snapshotter {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Snapshotter{
		store:    store,
		ledger:   ledger,
		brk:      brk,
		q:        q,
		bus:      bus,
		interval: interval,
		log:      log.With().Str("component", "snapshotter").Logger(),
	}
}

// Run saves snapshots on the configured interval until ctx is done, then
// takes one final snapshot so shutdown state survives.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			s.snapshot(shutdownCtx)
			cancel()
			return
		case <-ticker.C:
			s.snapshot(ctx)
		}
	}
}

// Restore loads persisted state into the live components.
func (s *Snapshotter) Restore(ctx context.Context) {
	if states, err := s.store.LoadPenalty(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to load penalty state")
	} else if len(states) > 0 {
		s.ledger.Restore(states)
		s.log.Info().Int("keys", len(states)).Msg("penalty state restored")
	}

	if snap, ok, err := s.store.LoadBreaker(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to load breaker state")
	} else if ok {
		s.brk.Restore(snap)
	}

	if reqs, err := s.store.LoadQueue(ctx); err != nil {
		s.log.Warn().Err(err).Msg("failed to load queue contents")
	} else if len(reqs) > 0 {
		// Payloads are not persisted, so abandoned requests cannot be
		// re-executed; they are surfaced for operators instead.
		s.log.Warn().Int("abandoned", len(reqs)).Msg("previous run left queued requests behind")
	}
}

func (s *Snapshotter) snapshot(ctx context.Context) {
	if err := s.store.SavePenalty(ctx, s.ledger.Snapshot()); err != nil {
		s.log.Warn().Err(err).Msg("penalty snapshot failed")
	}
	if err := s.store.SaveBreaker(ctx, s.brk.SnapshotState()); err != nil {
		s.log.Warn().Err(err).Msg("breaker snapshot failed")
	}
	if err := s.store.SaveQueue(ctx, s.q.SnapshotRequests()); err != nil {
		s.log.Warn().Err(err).Msg("queue snapshot failed")
	}
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.EventStateSnapshotSaved, Data: map[string]interface{}{
			"queue_depth": s.q.Len(),
		}})
	}
}
