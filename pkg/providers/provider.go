// Package providers implements the model backends the gateway dispatches
// to: Anthropic for the premium tier, Groq for the cheap tier, and any
// local OpenAI-compatible server for free inference.
package providers

import (
	"context"
	"strings"

	"github.com/openclaw/gateway/pkg/models"
)

// GenerateOptions tunes a single generation call. Zero values fall back
// to the provider's defaults.
type GenerateOptions struct {
	Model        string
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
}

// Result is a completed generation.
type Result struct {
	Content      string
	Usage        models.Usage
	Model        string
	FinishReason string
}

// Provider is a chat completion backend.
type Provider interface {
	Name() string
	Generate(ctx context.Context, messages []models.Message, opts GenerateOptions) (*Result, error)
}

// Anthropic pricing per million tokens; cache reads are discounted 90%.
const (
	claudeInputPerM     = 3.0
	claudeCacheReadPerM = 0.30
	claudeOutputPerM    = 15.0
	cheapPerM           = 0.05
)

// CalculateCost converts usage into dollars. Claude models price input,
// cache reads, and output separately; everything else uses a flat cheap
// rate. Local models cost nothing.
func CalculateCost(usage models.Usage, model string) float64 {
	lower := strings.ToLower(model)
	if strings.HasPrefix(lower, "local/") {
		return 0
	}
	if strings.Contains(lower, "claude") {
		regularInput := usage.PromptTokens - usage.CacheReadInputTokens
		return float64(regularInput)/1e6*claudeInputPerM +
			float64(usage.CacheReadInputTokens)/1e6*claudeCacheReadPerM +
			float64(usage.CompletionTokens)/1e6*claudeOutputPerM
	}
	return float64(usage.PromptTokens+usage.CompletionTokens) / 1e6 * cheapPerM
}
