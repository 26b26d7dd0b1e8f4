package governor

import (
	"errors"
	"fmt"
	"time"
)

// Code is the typed outcome category callers branch on. Errors are values,
// never exceptions used for control flow.
type Code string

const (
	// CodeBudgetExceeded is local: the penalty budget cannot afford the
	// call right now. Resolved by queueing or waiting RetryIn.
	CodeBudgetExceeded Code = "budget_exceeded"

	// CodeBreakerOpen is local: the upstream is considered unhealthy and
	// the call was shed without touching the network.
	CodeBreakerOpen Code = "breaker_open"

	// CodeQueueFull means the bounded queue rejected or evicted the
	// request.
	CodeQueueFull Code = "queue_full"

	// CodeExpired means the deadline passed while the request was queued.
	CodeExpired Code = "expired"

	// CodeCanceled means the queued request was canceled before admission.
	CodeCanceled Code = "canceled"

	// CodeNetworkFailure covers transport errors and in-flight timeouts.
	CodeNetworkFailure Code = "network_failure"

	// CodeAuthFailure is never retried automatically: it can indicate
	// revoked credentials.
	CodeAuthFailure Code = "auth_failure"

	// CodeServerError covers upstream 5xx responses.
	CodeServerError Code = "server_error"

	// CodeProtocolError covers responses that arrived but made no sense.
	CodeProtocolError Code = "protocol_error"

	// CodeValidationRejected covers balance data that failed sanity checks.
	CodeValidationRejected Code = "validation_rejected"

	// CodeConfig covers fail-closed configuration gaps, e.g. dispatching
	// an operation with no defined cost.
	CodeConfig Code = "config_error"
)

// Error is the typed outcome returned by the façade.
type Error struct {
	Code    Code
	Message string

	// RetryIn is a suggested wait for recoverable codes
	// (budget_exceeded, breaker_open). Zero when not applicable.
	RetryIn time.Duration

	Cause error
}

func (e *Error) Error() string {
	if e.RetryIn > 0 {
		return fmt.Sprintf("%s: %s (retry in %s)", e.Code, e.Message, e.RetryIn.Round(time.Millisecond))
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the Code from an error chain, or "" for unknown errors.
func CodeOf(err error) Code {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return ""
}

// Retryable reports whether the queue scheduler may retry this failure.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeNetworkFailure, CodeServerError:
		return true
	default:
		return false
	}
}

// ErrNoSnapshot is returned by GetBalance when no accepted value exists for
// the asset.
var ErrNoSnapshot = errors.New("no accepted balance snapshot for asset")
