package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
)

// DefaultSystemPrompt is the static assistant prompt. Keeping it stable
// lets Anthropic's prompt cache serve it at the discounted rate.
const DefaultSystemPrompt = `You are a helpful AI coding assistant.

## Capabilities
- Code explanations and documentation
- Bug fixes and debugging help
- Refactoring suggestions
- Shell command generation
- Code reviews and best practices

## Behaviour
- Answer precisely and technically correctly
- Use code blocks with proper syntax highlighting
- Explain complex concepts clearly
- Warn about risky operations
- Ask back when requirements are unclear

## Output format
- Structure answers with headings
- Use Markdown formatting
- Show code examples where helpful
- Keep explanations focused and relevant`

// AnthropicProvider serves the premium tier with Claude. The static
// system prompt is sent with an ephemeral cache_control block so repeat
// requests read it from the prompt cache.
type AnthropicProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxTokens    int
	useCache     bool
	httpClient   *http.Client
	logger       observability.Logger
}

// NewAnthropicProvider builds the provider with claude-sonnet-4-20250514
// as the default model and prompt caching enabled.
func NewAnthropicProvider(apiKey string, logger observability.Logger) *AnthropicProvider {
	return &AnthropicProvider{
		apiKey:       apiKey,
		baseURL:      "https://api.anthropic.com",
		defaultModel: "claude-sonnet-4-20250514",
		maxTokens:    4096,
		useCache:     true,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
		logger: logger.WithPrefix("anthropic"),
	}
}

// Name identifies the provider in logs and routing metadata.
func (p *AnthropicProvider) Name() string { return "anthropic" }

type anthropicSystemBlock struct {
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	CacheControl map[string]string `json:"cache_control,omitempty"`
}

type anthropicRequest struct {
	Model       string                 `json:"model"`
	MaxTokens   int                    `json:"max_tokens"`
	Temperature float64                `json:"temperature"`
	Messages    []models.Message       `json:"messages"`
	System      []anthropicSystemBlock `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens              int `json:"input_tokens"`
		OutputTokens             int `json:"output_tokens"`
		CacheReadInputTokens     int `json:"cache_read_input_tokens"`
		CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
}

// Generate calls the Messages API with retries. System messages in the
// conversation are dropped; the static (cached) system prompt replaces
// them.
func (p *AnthropicProvider) Generate(ctx context.Context, messages []models.Message, opts GenerateOptions) (*Result, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	system := opts.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}

	body := anthropicRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Messages:    formatForAnthropic(messages),
	}
	block := anthropicSystemBlock{Type: "text", Text: system}
	if p.useCache {
		block.CacheControl = map[string]string{"type": "ephemeral"}
	}
	body.System = []anthropicSystemBlock{block}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 10 * time.Second

	var result *Result
	err := backoff.Retry(func() error {
		r, err := p.send(ctx, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		return nil, err
	}

	if p.useCache {
		p.logger.Info("prompt cache usage", map[string]interface{}{
			"cache_read":  result.Usage.CacheReadInputTokens,
			"cache_write": result.Usage.CacheCreationInputTokens,
		})
	}
	return result, nil
}

func (p *AnthropicProvider) send(ctx context.Context, body anthropicRequest) (*Result, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", "2023-06-01")
	req.Header.Set("anthropic-beta", "prompt-caching-2024-07-31")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("anthropic API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed anthropicResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}

	var content string
	for _, b := range parsed.Content {
		if b.Type == "text" {
			content += b.Text
		}
	}

	return &Result{
		Content: content,
		Usage: models.Usage{
			PromptTokens:             parsed.Usage.InputTokens,
			CompletionTokens:         parsed.Usage.OutputTokens,
			TotalTokens:              parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
			CacheReadInputTokens:     parsed.Usage.CacheReadInputTokens,
			CacheCreationInputTokens: parsed.Usage.CacheCreationInputTokens,
		},
		Model:        body.Model,
		FinishReason: parsed.StopReason,
	}, nil
}

// formatForAnthropic strips system messages (carried separately) and
// normalises unknown roles to user.
func formatForAnthropic(messages []models.Message) []models.Message {
	out := make([]models.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			continue
		}
		role := m.Role
		if role != models.RoleUser && role != models.RoleAssistant {
			role = models.RoleUser
		}
		out = append(out, models.Message{Role: role, Content: m.Content})
	}
	return out
}
