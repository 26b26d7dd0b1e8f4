package exchange

import (
	"context"
	"errors"
	"sync"
)

// MockCaller is a scripted Caller for tests and dry runs. Responses are
// consumed per endpoint in FIFO order; the last script entry repeats once
// the queue drains.
type MockCaller struct {
	mu      sync.Mutex
	scripts map[string][]mockStep
	calls   []Request
}

type mockStep struct {
	resp *Response
	err  error
}

// NewMockCaller creates an empty mock.
func NewMockCaller() *MockCaller {
	return &MockCaller{scripts: make(map[string][]mockStep)}
}

// Script appends a response (or error) for endpoint.
func (m *MockCaller) Script(endpoint string, resp *Response, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scripts[endpoint] = append(m.scripts[endpoint], mockStep{resp: resp, err: err})
}

// Call consumes the next scripted step for the endpoint.
func (m *MockCaller) Call(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Join(ErrNotSent, err)
	}

	m.mu.Lock()
	m.calls = append(m.calls, req)
	steps := m.scripts[req.Endpoint]
	var step mockStep
	switch len(steps) {
	case 0:
		m.mu.Unlock()
		return &Response{Endpoint: req.Endpoint, StatusCode: 200}, nil
	case 1:
		step = steps[0]
	default:
		step = steps[0]
		m.scripts[req.Endpoint] = steps[1:]
	}
	m.mu.Unlock()

	return step.resp, step.err
}

// Calls returns the recorded requests.
func (m *MockCaller) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many calls hit the given endpoint.
func (m *MockCaller) CallCount(endpoint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c.Endpoint == endpoint {
			n++
		}
	}
	return n
}
