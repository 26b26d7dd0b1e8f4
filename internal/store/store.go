// Package store persists governor state (penalty ledger, breaker, queue
// contents) to Redis so a restart never resets a known-bad breaker or a
// spent budget. When Redis is unavailable it degrades to an in-memory map:
// the governor keeps running, it just loses restart survival.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"exchange-api-governor/internal/breaker"
	"exchange-api-governor/internal/limits"
	"exchange-api-governor/internal/queue"
)

const (
	keyPenalty = "governor:penalty_state"
	keyBreaker = "governor:breaker_state"
	keyQueue   = "governor:queue_contents"

	// stateTTL bounds how long stale state survives an abandoned
	// deployment. Long enough to cover any realistic restart.
	stateTTL = 7 * 24 * time.Hour
)

// Config configures the Redis connection.
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// StateStore saves and loads governor state.
type StateStore struct {
	client *redis.Client
	log    zerolog.Logger

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	maxFailures  int
	memory       map[string]string
}

// New connects to Redis. A failed initial connection returns a working
// store in degraded (memory-only) mode rather than an error.
func New(cfg Config, log zerolog.Logger) *StateStore {
	s := &StateStore{
		log:         log.With().Str("component", "state_store").Logger(),
		maxFailures: 3,
		memory:      make(map[string]string),
	}

	if !cfg.Enabled {
		s.log.Info().Msg("redis disabled, state persistence is memory-only")
		return s
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
		return s
	}

	s.healthy = true
	s.log.Info().Str("addr", cfg.Address).Msg("redis connected")
	return s
}

// IsHealthy reports whether Redis is currently reachable.
func (s *StateStore) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.healthy
}

func (s *StateStore) recordFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount++
	if s.failureCount >= s.maxFailures && s.healthy {
		s.log.Warn().Err(err).Int("failures", s.failureCount).Msg("redis marked unhealthy, falling back to memory")
		s.healthy = false
	}
}

func (s *StateStore) recordSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failureCount = 0
	if !s.healthy && s.client != nil {
		s.log.Info().Msg("redis recovered")
		s.healthy = true
	}
}

func (s *StateStore) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}

	s.mu.Lock()
	s.memory[key] = string(data)
	s.mu.Unlock()

	if s.client == nil {
		return nil
	}
	if err := s.client.Set(ctx, key, data, stateTTL).Err(); err != nil {
		s.recordFailure(err)
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	s.recordSuccess()
	return nil
}

func (s *StateStore) get(ctx context.Context, key string, out any) (bool, error) {
	if s.client != nil {
		data, err := s.client.Get(ctx, key).Result()
		if err == nil {
			s.recordSuccess()
			return true, json.Unmarshal([]byte(data), out)
		}
		if err != redis.Nil {
			s.recordFailure(err)
		}
	}

	s.mu.RLock()
	data, ok := s.memory[key]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal([]byte(data), out)
}

// SavePenalty persists the ledger snapshot.
func (s *StateStore) SavePenalty(ctx context.Context, states []limits.PenaltyState) error {
	return s.set(ctx, keyPenalty, states)
}

// LoadPenalty returns the persisted ledger snapshot, if any. The caller
// restores it into a ledger whose lazy decay rolls it forward to now.
func (s *StateStore) LoadPenalty(ctx context.Context) ([]limits.PenaltyState, error) {
	var states []limits.PenaltyState
	ok, err := s.get(ctx, keyPenalty, &states)
	if err != nil || !ok {
		return nil, err
	}
	return states, nil
}

// SaveBreaker persists the breaker snapshot.
func (s *StateStore) SaveBreaker(ctx context.Context, snap breaker.Snapshot) error {
	return s.set(ctx, keyBreaker, snap)
}

// LoadBreaker returns the persisted breaker snapshot. A previously open
// breaker must be restored open.
func (s *StateStore) LoadBreaker(ctx context.Context) (breaker.Snapshot, bool, error) {
	var snap breaker.Snapshot
	ok, err := s.get(ctx, keyBreaker, &snap)
	return snap, ok && err == nil, err
}

// SaveQueue persists queued request metadata.
func (s *StateStore) SaveQueue(ctx context.Context, reqs []queue.PersistedRequest) error {
	return s.set(ctx, keyQueue, reqs)
}

// LoadQueue returns persisted queue contents for post-restart reporting.
func (s *StateStore) LoadQueue(ctx context.Context) ([]queue.PersistedRequest, error) {
	var reqs []queue.PersistedRequest
	ok, err := s.get(ctx, keyQueue, &reqs)
	if err != nil || !ok {
		return nil, err
	}
	return reqs, nil
}

// Close releases the Redis connection.
func (s *StateStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}
