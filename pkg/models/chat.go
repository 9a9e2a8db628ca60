// Package models defines the wire types shared between the HTTP surface,
// the routing pipeline, and the backend providers.
package models

// Message roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a conversation.
type Message struct {
	Role    string `json:"role" binding:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// RequestContext describes the caller's environment (file path, language,
// git state, action). Unknown keys pass through opaquely and participate in
// hashing and similarity.
type RequestContext map[string]string

// ChatRequest is the body of POST /v1/chat/completions.
type ChatRequest struct {
	Messages       []Message      `json:"messages" binding:"required"`
	Model          string         `json:"model,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty" binding:"omitempty,gte=0,lte=2"`
	MaxTokens      *int           `json:"max_tokens,omitempty" binding:"omitempty,gte=1,lte=32000"`
	Stream         bool           `json:"stream,omitempty"`
	Context        RequestContext `json:"context,omitempty"`
	ForceTier      string         `json:"force_tier,omitempty" binding:"omitempty,oneof=local cheap premium"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

// TemperatureOrDefault returns the requested temperature or 0.7.
func (r *ChatRequest) TemperatureOrDefault() float64 {
	if r.Temperature != nil {
		return *r.Temperature
	}
	return 0.7
}

// MaxTokensOrDefault returns the requested output budget or 4096.
func (r *ChatRequest) MaxTokensOrDefault() int {
	if r.MaxTokens != nil {
		return *r.MaxTokens
	}
	return 4096
}

// LastUserMessage returns the content of the last user message, or the
// last message of any role when no user message exists.
func (r *ChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == RoleUser {
			return r.Messages[i].Content
		}
	}
	if n := len(r.Messages); n > 0 {
		return r.Messages[n-1].Content
	}
	return ""
}

// Usage is the token accounting block of a completion. The cache fields
// are populated only by providers that support prompt caching.
type Usage struct {
	PromptTokens             int `json:"prompt_tokens"`
	CompletionTokens         int `json:"completion_tokens"`
	TotalTokens              int `json:"total_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens,omitempty"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens,omitempty"`
}

// Choice mirrors the OpenAI chat-completion choice shape.
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// RoutingInfo is the routing block inside gateway_meta.
type RoutingInfo struct {
	Tier          string  `json:"tier"`
	Confidence    float64 `json:"confidence"`
	Reason        string  `json:"reason"`
	RiskScore     float64 `json:"risk_score"`
	ContextTokens int     `json:"context_tokens"`
}

// GatewayMeta carries gateway-side diagnostics alongside the completion.
type GatewayMeta struct {
	LatencyMS int64        `json:"latency_ms"`
	Source    string       `json:"source"`
	Routing   *RoutingInfo `json:"routing,omitempty"`
}

// ChatResponse is the unified response envelope.
type ChatResponse struct {
	ID          string       `json:"id"`
	Object      string       `json:"object"`
	Created     int64        `json:"created"`
	Model       string       `json:"model"`
	Choices     []Choice     `json:"choices"`
	Usage       Usage        `json:"usage"`
	GatewayMeta *GatewayMeta `json:"gateway_meta,omitempty"`
}
