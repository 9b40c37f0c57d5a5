package keywarden

import "context"

// Endpoint is the adapter that actually calls the inference API. The real
// implementation lives in endpoint/openrouter; tests use endpoint/mock.
//
// Implementations classify failures into the package's error taxonomy:
// *RateLimitError on 429, ErrCredentialInvalid on 401/403, ErrServerError on
// 5xx, ErrNetworkError when the call never completed.
type Endpoint interface {
	Complete(ctx context.Context, req EndpointRequest) (Response, error)
}

// EndpointRequest carries everything one provider call needs. Secret is the
// raw credential and must never be logged by an implementation.
type EndpointRequest struct {
	Secret      string
	Model       string
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
}
