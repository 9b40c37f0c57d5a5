// Package mock provides a scripted Endpoint for testing.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pielabs/keywarden"
)

// Endpoint is a mock inference endpoint for testing.
type Endpoint struct {
	latency      time.Duration
	staticErr    error
	usage        keywarden.Usage
	responseFunc func(keywarden.EndpointRequest) (keywarden.Response, error)
	modelErrs    map[string]error
	callCount    atomic.Int64

	mu      sync.Mutex
	callLog []keywarden.EndpointRequest
}

var _ keywarden.Endpoint = (*Endpoint)(nil)

// Option configures a mock Endpoint.
type Option func(*Endpoint)

// New creates a mock endpoint with the given options.
func New(opts ...Option) *Endpoint {
	e := &Endpoint{
		usage: keywarden.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
		modelErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(e *Endpoint) { e.latency = d }
}

// WithError makes the endpoint always return this error.
func WithError(err error) Option {
	return func(e *Endpoint) { e.staticErr = err }
}

// WithModelError makes requests for a specific model return this error.
func WithModelError(model string, err error) Option {
	return func(e *Endpoint) { e.modelErrs[model] = err }
}

// WithUsage sets the usage returned by the mock.
func WithUsage(u keywarden.Usage) Option {
	return func(e *Endpoint) { e.usage = u }
}

// WithResponseFunc sets a custom response function. It takes precedence over
// static and per-model errors.
func WithResponseFunc(fn func(keywarden.EndpointRequest) (keywarden.Response, error)) Option {
	return func(e *Endpoint) { e.responseFunc = fn }
}

func (e *Endpoint) Complete(ctx context.Context, req keywarden.EndpointRequest) (keywarden.Response, error) {
	if e.latency > 0 {
		select {
		case <-time.After(e.latency):
		case <-ctx.Done():
			return keywarden.Response{}, ctx.Err()
		}
	}

	e.callCount.Add(1)
	e.mu.Lock()
	e.callLog = append(e.callLog, req)
	e.mu.Unlock()

	if e.responseFunc != nil {
		return e.responseFunc(req)
	}

	if e.staticErr != nil {
		return keywarden.Response{}, e.staticErr
	}

	if err, ok := e.modelErrs[req.Model]; ok {
		return keywarden.Response{}, err
	}

	return keywarden.Response{
		ID:           "mock-response-id",
		Model:        req.Model,
		Content:      "Hello from mock endpoint",
		FinishReason: "stop",
		Usage:        e.usage,
	}, nil
}

// CallCount returns the number of calls made to the endpoint.
func (e *Endpoint) CallCount() int64 { return e.callCount.Load() }

// Calls returns a copy of the requests received so far.
func (e *Endpoint) Calls() []keywarden.EndpointRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]keywarden.EndpointRequest, len(e.callLog))
	copy(out, e.callLog)
	return out
}
