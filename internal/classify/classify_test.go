package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"testing"
)

func TestClassifyTransportErrors(t *testing.T) {
	if got := Classify(0, context.DeadlineExceeded); got != KindNetwork {
		t.Errorf("Deadline exceeded classified as %s", got)
	}

	var netErr net.Error = &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}
	if got := Classify(0, netErr); got != KindNetwork {
		t.Errorf("net.Error classified as %s", got)
	}

	if got := Classify(0, errors.New("connection reset by peer")); got != KindNetwork {
		t.Errorf("Generic transport error classified as %s", got)
	}
}

func TestClassifyMalformedResponse(t *testing.T) {
	err := &MalformedResponseError{Endpoint: "balances", Cause: fmt.Errorf("unexpected end of JSON")}
	if got := Classify(200, err); got != KindProtocol {
		t.Errorf("Malformed response classified as %s", got)
	}
	if !errors.As(error(err), new(*MalformedResponseError)) {
		t.Error("MalformedResponseError should match errors.As")
	}
}

func TestClassifyStatusCodes(t *testing.T) {
	cases := []struct {
		status   int
		expected Kind
	}{
		{200, KindNone},
		{201, KindNone},
		{0, KindNetwork},
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimited},
		{418, KindRateLimited},
		{500, KindServer},
		{503, KindServer},
		{400, KindProtocol},
		{404, KindProtocol},
	}

	for _, tc := range cases {
		if got := Classify(tc.status, nil); got != tc.expected {
			t.Errorf("Status %d classified as %s, expected %s", tc.status, got, tc.expected)
		}
	}
}

func TestBreakerFailureScope(t *testing.T) {
	// Only genuine service degradation feeds the breaker.
	if !KindNetwork.CountsAsBreakerFailure() || !KindServer.CountsAsBreakerFailure() {
		t.Error("Network and server failures must count against the breaker")
	}
	for _, k := range []Kind{KindNone, KindAuth, KindRateLimited, KindProtocol} {
		if k.CountsAsBreakerFailure() {
			t.Errorf("%s must not count as a breaker failure", k)
		}
	}
}

func TestRetryableScope(t *testing.T) {
	if !KindNetwork.Retryable() || !KindServer.Retryable() {
		t.Error("Network and server failures should be retryable")
	}
	for _, k := range []Kind{KindAuth, KindProtocol} {
		if k.Retryable() {
			t.Errorf("%s must not be retryable", k)
		}
	}
}
