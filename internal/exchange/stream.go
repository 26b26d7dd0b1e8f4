package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/balance"
)

// PushStream consumes the exchange's event channel over a websocket and
// forwards balance updates. It reconnects with backoff; a silent stream is
// the balance validator's problem (staleness), not the stream's.
type PushStream struct {
	mu sync.Mutex

	url  string
	log  zerolog.Logger
	conn *websocket.Conn

	onBalance func(balance.Record)

	reconnects int
	lastMsgAt  time.Time
}

// NewPushStream creates a stream consumer for the given websocket URL.
func NewPushStream(url string, log zerolog.Logger) *PushStream {
	return &PushStream{
		url: url,
		log: log.With().Str("component", "push_stream").Logger(),
	}
}

// OnBalance registers the balance update handler. Must be set before Run.
func (s *PushStream) OnBalance(fn func(balance.Record)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onBalance = fn
}

// pushMessage is the push-side balance shape: {asset, free, held, timestamp}.
type pushMessage struct {
	Type      string          `json:"type"`
	Asset     string          `json:"asset"`
	Free      decimal.Decimal `json:"free"`
	Held      decimal.Decimal `json:"held"`
	Timestamp int64           `json:"timestamp"` // ms
	Sequence  uint64          `json:"seq,omitempty"`
}

// Run connects and consumes until ctx is done. Connection failures retry
// with exponential backoff; a successful connect resets the backoff.
func (s *PushStream) Run(ctx context.Context) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = time.Minute
	eb.MaxElapsedTime = 0

	for ctx.Err() == nil {
		if err := s.consume(ctx); err != nil && ctx.Err() == nil {
			wait := eb.NextBackOff()
			s.mu.Lock()
			s.reconnects++
			n := s.reconnects
			s.mu.Unlock()
			s.log.Warn().Err(err).Int("reconnects", n).Dur("retry_in", wait).Msg("push stream disconnected")
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		eb.Reset()
	}
}

func (s *PushStream) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	defer conn.Close()

	// Close the connection when ctx ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	s.log.Info().Str("url", s.url).Msg("push stream connected")

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		s.handleMessage(data)
	}
}

func (s *PushStream) handleMessage(data []byte) {
	var msg pushMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Debug().Err(err).Msg("ignoring unparseable push message")
		return
	}
	if msg.Asset == "" {
		return
	}

	s.mu.Lock()
	s.lastMsgAt = time.Now()
	fn := s.onBalance
	s.mu.Unlock()

	if fn != nil {
		fn(balance.Record{
			Asset:      msg.Asset,
			Free:       msg.Free,
			Held:       msg.Held,
			Source:     balance.SourcePush,
			ObservedAt: time.UnixMilli(msg.Timestamp),
			Sequence:   msg.Sequence,
		})
	}
}

// LastMessageAt reports when the stream last produced a message.
func (s *PushStream) LastMessageAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMsgAt
}
