// Package classify categorizes the outcome of exchange calls so the circuit
// breaker only reacts to genuine service degradation. A rate-limit rejection
// produced by our own limiter is expected self-governing behavior and must
// never be counted as an upstream failure.
package classify

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// Kind is the failure category of a completed (or failed) exchange call.
type Kind int

const (
	// KindNone means the call succeeded.
	KindNone Kind = iota

	// KindNetwork covers connection failures, resets and timeouts.
	KindNetwork

	// KindAuth covers 401/403 responses and signature rejections.
	KindAuth

	// KindServer covers 5xx responses from the exchange.
	KindServer

	// KindRateLimited covers explicit 429/418 responses. These feed the
	// penalty ledger (sync to the server's view), not the breaker.
	KindRateLimited

	// KindProtocol covers responses that arrived but could not be parsed.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindServer:
		return "server"
	case KindRateLimited:
		return "rate_limited"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// CountsAsBreakerFailure reports whether this kind indicates the upstream
// service itself is unhealthy. Auth failures indicate our credentials, not
// the service; rate limits indicate our own pacing.
func (k Kind) CountsAsBreakerFailure() bool {
	return k == KindNetwork || k == KindServer
}

// Retryable reports whether the queue scheduler may retry a call that failed
// with this kind, subject to the request's own deadline.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindServer
}

// Outcome pairs a classification with the raw error for logging.
type Outcome struct {
	Kind Kind
	Err  error
}

// Classify maps a transport error and/or protocol status code to a Kind.
// Transport errors take precedence: if err is non-nil the status code is
// meaningless.
func Classify(statusCode int, err error) Kind {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return KindNetwork
		}
		var netErr net.Error
		if errors.As(err, &netErr) {
			return KindNetwork
		}
		var malformed *MalformedResponseError
		if errors.As(err, &malformed) {
			return KindProtocol
		}
		return KindNetwork
	}

	switch {
	case statusCode == 0:
		return KindNetwork
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return KindAuth
	case statusCode == http.StatusTooManyRequests || statusCode == 418:
		// Binance-style IP ban shows up as 418 after repeated 429s.
		return KindRateLimited
	case statusCode >= 500:
		return KindServer
	case statusCode >= 400:
		// Other 4xx means our request was malformed, not that the
		// service is unhealthy.
		return KindProtocol
	default:
		return KindNone
	}
}

// MalformedResponseError marks a response that arrived but failed to decode.
type MalformedResponseError struct {
	Endpoint string
	Cause    error
}

func (e *MalformedResponseError) Error() string {
	return "malformed response from " + e.Endpoint + ": " + e.Cause.Error()
}

func (e *MalformedResponseError) Unwrap() error { return e.Cause }
