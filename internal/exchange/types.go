// Package exchange is the transport boundary. The governor treats both
// channels as opaque: all it needs from a response is the cost-relevant
// metadata (status, rate-limit indicators, server-reported usage) and, for
// balance-bearing endpoints, the parsed balance records.
package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"exchange-api-governor/internal/balance"
)

// ErrNotSent marks call failures where the request never left the process
// (canceled context, unroutable endpoint, unbuildable request). Callers use
// it to refund budget that a real wire failure would have spent.
var ErrNotSent = errors.New("request not sent")

// Request names an operation plus its parameters. Endpoint is the logical
// operation name from the cost table, not a URL path.
type Request struct {
	Endpoint string
	Params   map[string]string
}

// Response carries what the governor must interpret from a reply.
type Response struct {
	Endpoint   string
	StatusCode int
	Body       []byte

	// UsedPoints is the server's own view of consumed budget, when the
	// transport exposes it (negative when absent).
	UsedPoints decimal.Decimal

	// RateLimited is set on explicit 429/418 replies. BanUntil, when
	// non-zero, is the server-stated end of an IP ban.
	RateLimited bool
	BanUntil    time.Time

	// Balances holds parsed records for balance-bearing endpoints.
	Balances []balance.Record
}

// Caller is the authenticated request/response channel.
type Caller interface {
	Call(ctx context.Context, req Request) (*Response, error)
}

// Credentials signs authenticated requests.
type Credentials struct {
	APIKey    string
	SecretKey string
}
