package keywarden

// Capability is a logical request kind mapped to an ordered chain of models.
type Capability string

const (
	CapabilityVision    Capability = "vision"
	CapabilityReasoning Capability = "reasoning"
)

// Message is a single chat message sent to the inference API.
// When ImageURL is set, the endpoint adapter sends a multimodal content
// block (text + image) instead of a plain string.
type Message struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	ImageURL string `json:"image_url,omitempty"`
}

// Payload is a logical model request as issued by the consuming component.
// The model is chosen by the router; the payload never names one.
type Payload struct {
	Messages    []Message
	MaxTokens   *int
	Temperature *float64
}

// Response is the completion returned for a dispatched request.
type Response struct {
	ID           string
	Model        string
	Content      string
	FinishReason string
	Usage        Usage

	// Routing context filled in by the dispatcher.
	CredentialID string
	Attempts     int
}

// Usage reports token consumption as returned by the provider.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// OutcomeKind classifies the result of one provider call.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeRateLimited
	OutcomeServerError
	OutcomeAuthError
	OutcomeNetworkError
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeServerError:
		return "server_error"
	case OutcomeAuthError:
		return "auth_error"
	case OutcomeNetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// IntPtr returns a pointer to the given int.
func IntPtr(v int) *int { return &v }

// Float64Ptr returns a pointer to the given float64.
func Float64Ptr(v float64) *float64 { return &v }
