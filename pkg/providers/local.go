package providers

import (
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

// LocalOpenAIProvider talks to any local OpenAI-compatible server
// (Ollama, LM Studio, LocalAI, vLLM). Local inference is free, so the
// budget guard never charges for it.
type LocalOpenAIProvider struct {
	baseURL      string
	apiKey       string
	defaultModel string
	maxTokens    int
	httpClient   *http.Client
	logger       observability.Logger
}

// NewLocalOpenAIProvider builds the provider. baseURL defaults to the
// Ollama endpoint, model to llama3.2:latest. The generous timeout
// accommodates slow local hardware.
func NewLocalOpenAIProvider(baseURL, apiKey, model string, logger observability.Logger) *LocalOpenAIProvider {
	if baseURL == "" {
		baseURL = "http://localhost:11434/v1"
	}
	if apiKey == "" {
		apiKey = "local"
	}
	if model == "" {
		model = "llama3.2:latest"
	}
	p := &LocalOpenAIProvider{
		baseURL:      baseURL,
		apiKey:       apiKey,
		defaultModel: model,
		maxTokens:    4096,
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		logger: logger.WithPrefix("local_llm"),
	}
	p.logger.Info("local provider initialised", map[string]interface{}{
		"base_url": baseURL,
		"model":    model,
	})
	return p
}

// Name identifies the provider in logs and routing metadata.
func (p *LocalOpenAIProvider) Name() string { return "local" }

// Generate calls the local chat completions endpoint with retries.
func (p *LocalOpenAIProvider) Generate(ctx context.Context, messages []models.Message, opts GenerateOptions) (*Result, error) {
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
	policy.InitialInterval = 1 * time.Second
	policy.MaxInterval = 10 * time.Second

	var result *Result
	err := backoff.Retry(func() error {
		r, err := doOpenAIChat(ctx, p.httpClient, p.baseURL, p.apiKey, body)
		if err != nil {
			return err
		}
		result = r
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		return nil, fmt.Errorf("local LLM unreachable at %s: %w", p.baseURL, err)
	}
	result.Model = "local/" + model
	return result, nil
}

type modelListResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ListModels returns the IDs the local server advertises.
func (p *LocalOpenAIProvider) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local LLM unreachable at %s: %w", p.baseURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local LLM models error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed modelListResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse model list: %w", err)
	}
	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}

// HealthStatus describes local server reachability.
type HealthStatus struct {
	Status          string `json:"status"`
	BaseURL         string `json:"base_url"`
	ModelsAvailable int    `json:"models_available,omitempty"`
	DefaultModel    string `json:"default_model,omitempty"`
	Error           string `json:"error,omitempty"`
}

// Health probes the models endpoint and reports reachability.
func (p *LocalOpenAIProvider) Health(ctx context.Context) HealthStatus {
	ids, err := p.ListModels(ctx)
	if err != nil {
		return HealthStatus{
			Status:  "offline",
			BaseURL: p.baseURL,
			Error:   err.Error(),
		}
	}
	return HealthStatus{
		Status:          "ok",
		BaseURL:         p.baseURL,
		ModelsAvailable: len(ids),
		DefaultModel:    p.defaultModel,
	}
}
