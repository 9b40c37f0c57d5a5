// Package openrouter provides an OpenRouter chat-completions endpoint for
// keywarden. It speaks the OpenAI-compatible wire format, including
// multimodal content parts for image inputs.
package openrouter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pielabs/keywarden"
)

// DefaultBaseURL is the public OpenRouter API root.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// Endpoint sends completion requests to an OpenRouter-compatible API.
type Endpoint struct {
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

var _ keywarden.Endpoint = (*Endpoint)(nil)

// Option configures the endpoint.
type Option func(*Endpoint)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Endpoint) { e.httpClient = c }
}

// WithAttribution sets the HTTP-Referer and X-Title headers OpenRouter uses
// for app attribution.
func WithAttribution(referer, title string) Option {
	return func(e *Endpoint) {
		e.referer = referer
		e.title = title
	}
}

// New creates an OpenRouter endpoint. An empty baseURL uses DefaultBaseURL.
func New(baseURL string, opts ...Option) *Endpoint {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	e := &Endpoint{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// apiRequest is the OpenAI chat completion request format.
type apiRequest struct {
	Model       string       `json:"model"`
	Messages    []apiMessage `json:"messages"`
	Temperature *float64     `json:"temperature,omitempty"`
	MaxTokens   *int         `json:"max_tokens,omitempty"`
}

// apiMessage carries either plain text content or multimodal content parts.
type apiMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *imageURLPart `json:"image_url,omitempty"`
}

type imageURLPart struct {
	URL string `json:"url"`
}

// apiResponse is the OpenAI chat completion response format.
type apiResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int    `json:"index"`
		FinishReason string `json:"finish_reason"`
		Message      struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Complete sends a chat completion request and maps HTTP failures to
// keywarden error classes.
func (e *Endpoint) Complete(ctx context.Context, req keywarden.EndpointRequest) (keywarden.Response, error) {
	body := buildRequest(req)

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return keywarden.Response{}, fmt.Errorf("keywarden/openrouter: marshal request: %w", err)
	}

	url := e.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return keywarden.Response{}, fmt.Errorf("keywarden/openrouter: create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Secret)
	if e.referer != "" {
		httpReq.Header.Set("HTTP-Referer", e.referer)
	}
	if e.title != "" {
		httpReq.Header.Set("X-Title", e.title)
	}

	httpResp, err := e.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return keywarden.Response{}, ctx.Err()
		}
		return keywarden.Response{}, fmt.Errorf("%w: %v", keywarden.ErrNetworkError, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return keywarden.Response{}, err
	}

	var resp apiResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return keywarden.Response{}, fmt.Errorf("%w: decode response: %v", keywarden.ErrServerError, err)
	}

	if len(resp.Choices) == 0 {
		return keywarden.Response{}, fmt.Errorf("%w: empty choices in response", keywarden.ErrServerError)
	}

	return keywarden.Response{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      resp.Choices[0].Message.Content,
		FinishReason: resp.Choices[0].FinishReason,
		Usage: keywarden.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func buildRequest(req keywarden.EndpointRequest) apiRequest {
	msgs := make([]apiMessage, len(req.Messages))
	for i, m := range req.Messages {
		if m.ImageURL == "" {
			msgs[i] = apiMessage{Role: m.Role, Content: m.Content}
			continue
		}
		msgs[i] = apiMessage{
			Role: m.Role,
			Content: []contentPart{
				{Type: "text", Text: m.Content},
				{Type: "image_url", ImageURL: &imageURLPart{URL: m.ImageURL}},
			},
		}
	}
	return apiRequest{
		Model:       req.Model,
		Messages:    msgs,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	// Read body for error context, but don't fail if we can't.
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &keywarden.RateLimitError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d", keywarden.ErrCredentialInvalid, resp.StatusCode)
	case resp.StatusCode == http.StatusPaymentRequired:
		return fmt.Errorf("%w: status %d: %s", keywarden.ErrCredentialInvalid, resp.StatusCode, string(body))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", keywarden.ErrServerError, resp.StatusCode)
	default:
		return fmt.Errorf("%w: status %d: %s", keywarden.ErrServerError, resp.StatusCode, string(body))
	}
}

// parseRetryAfter accepts delay-seconds or an HTTP date; 0 means unset.
func parseRetryAfter(val string) time.Duration {
	if val == "" {
		return 0
	}
	if secs, err := strconv.Atoi(val); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(val); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
