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

// GroqProvider serves the cheap tier with fast small-model inference.
type GroqProvider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	maxTokens    int
	httpClient   *http.Client
	logger       observability.Logger
}

// NewGroqProvider builds the provider with llama-3.1-8b-instant as the
// default model.
func NewGroqProvider(apiKey string, logger observability.Logger) *GroqProvider {
	return &GroqProvider{
		apiKey:       apiKey,
		baseURL:      "https://api.groq.com/openai/v1",
		defaultModel: "llama-3.1-8b-instant",
		maxTokens:    2048,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger.WithPrefix("groq"),
	}
}

// Name identifies the provider in logs and routing metadata.
func (p *GroqProvider) Name() string { return "groq" }

type openAIChatRequest struct {
	Model       string           `json:"model"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
	Messages    []models.Message `json:"messages"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage models.Usage `json:"usage"`
	Model string       `json:"model"`
}

// Generate calls the chat completions endpoint with retries.
func (p *GroqProvider) Generate(ctx context.Context, messages []models.Message, opts GenerateOptions) (*Result, error) {
	model := opts.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}

	body := openAIChatRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		Temperature: opts.Temperature,
		Messages:    formatOpenAIMessages(messages, opts.SystemPrompt),
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second

	var result *Result
	err := backoff.Retry(func() error {
		r, err := doOpenAIChat(ctx, p.httpClient, p.baseURL, p.apiKey, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	return result, err
}

// Health reports whether the API answers the models listing.
func (p *GroqProvider) Health(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// doOpenAIChat posts an OpenAI-shape chat completion and maps the reply.
// Shared by the Groq and local providers.
func doOpenAIChat(ctx context.Context, client *http.Client, baseURL, apiKey string, body openAIChatRequest) (*Result, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("chat API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var parsed openAIChatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return nil, fmt.Errorf("chat API returned no choices")
	}

	model := parsed.Model
	if model == "" {
		model = body.Model
	}
	return &Result{
		Content:      parsed.Choices[0].Message.Content,
		Usage:        parsed.Usage,
		Model:        model,
		FinishReason: parsed.Choices[0].FinishReason,
	}, nil
}

// formatOpenAIMessages prepends an optional system prompt and
// normalises unknown roles to user.
func formatOpenAIMessages(messages []models.Message, systemPrompt string) []models.Message {
	out := make([]models.Message, 0, len(messages)+1)
	if systemPrompt != "" {
		out = append(out, models.Message{Role: models.RoleSystem, Content: systemPrompt})
	}
	for _, m := range messages {
		role := m.Role
		switch role {
		case models.RoleSystem, models.RoleUser, models.RoleAssistant:
		default:
			role = models.RoleUser
		}
		out = append(out, models.Message{Role: role, Content: m.Content})
	}
	return out
}
