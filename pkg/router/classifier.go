// Package router decides which model tier serves a request: fast keyword
// fast path, intent classification, risk scoring, and context
// compression.
package router

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

	"github.com/cenkalti/backoff/v4"

	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
)

// Classification is the classifier's verdict on a query.
type Classification struct {
	Tier             models.Tier
	Confidence       float64
	Reason           string
	ComplexityScore  float64
	RequiresCode     bool
	RequiresAnalysis bool
}

// Classifier assigns an intent tier to a query.
type Classifier interface {
	Classify(ctx context.Context, query string, reqCtx models.RequestContext) Classification
}

const classifierPrompt = `You are a query router for an AI coding assistant.
Classify the request into one of these categories:

CACHE_ONLY: Too vague or unclear. Examples: "help me", "code", "fix it"
LOCAL: Trivial questions, definitions. Examples: "what is a variable?", "explain git status"
CHEAP: Simple explanations, small code snippets. Examples: "for loop in Python", "regex for email"
PREMIUM: Complex analysis, large code generation, refactoring, debugging. Examples: "refactor this class", "find the bug in this code", "implement feature X"

Query: %s

Context (if any): %s

Answer ONLY in this format:
TIER: <CACHE_ONLY|LOCAL|CHEAP|PREMIUM>
CONFIDENCE: <0.0-1.0>
REASON: <short justification>
REQUIRES_CODE: <true|false>
REQUIRES_ANALYSIS: <true|false>
COMPLEXITY: <0.0-1.0>`

// RemoteClassifier classifies via a small fast model behind an
// OpenAI-compatible chat completions endpoint. Any failure degrades to
// CHEAP rather than surfacing an error; routing must never take a
// request down.
type RemoteClassifier struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     observability.Logger
}

// NewRemoteClassifier builds a classifier against baseURL (defaults to
// the Groq endpoint) using model (defaults to llama-3.1-8b-instant).
func NewRemoteClassifier(apiKey, baseURL, model string, logger observability.Logger) *RemoteClassifier {
	if baseURL == "" {
		baseURL = "https://api.groq.com/openai/v1"
	}
	if model == "" {
		model = "llama-3.1-8b-instant"
	}
	return &RemoteClassifier{
		apiKey:  apiKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		logger: logger.WithPrefix("classifier"),
	}
}

// Classify runs the quick heuristics first, then asks the remote model.
func (c *RemoteClassifier) Classify(ctx context.Context, query string, reqCtx models.RequestContext) Classification {
	if quick, ok := quickClassify(query); ok {
		return quick
	}

	prompt := fmt.Sprintf(classifierPrompt, query, formatContext(reqCtx))

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = 2 * time.Second

	var content string
	err := backoff.Retry(func() error {
		out, err := c.complete(ctx, prompt)
		if err != nil {
			return err
		}
		content = out
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(policy, 2), ctx))
	if err != nil {
		c.logger.Warn("classification failed, defaulting to cheap tier", map[string]interface{}{"error": err})
		return Classification{
			Tier:       models.TierCheap,
			Confidence: 0.3,
			Reason:     "Classification error: " + err.Error(),
		}
	}

	return parseClassification(content)
}

type chatCompletionRequest struct {
	Model       string           `json:"model"`
	Messages    []models.Message `json:"messages"`
	MaxTokens   int              `json:"max_tokens"`
	Temperature float64          `json:"temperature"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *RemoteClassifier) complete(ctx context.Context, prompt string) (string, error) {
	jsonData, err := json.Marshal(chatCompletionRequest{
		Model:       c.model,
		Messages:    []models.Message{{Role: "user", Content: prompt}},
		MaxTokens:   150,
		Temperature: 0,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("classifier API error (status %d): %s", resp.StatusCode, string(body))
	}

	var parsed chatCompletionResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("classifier returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

var (
	vaguePatterns = []string{
		"hilf", "help", "code", "fix", "mach", "do it",
		"kannst du", "can you", "bitte", "please",
	}
	premiumPatterns = []string{
		"refactor", "debug", "implementier", "implement",
		"architecture", "design pattern", "optimize",
		"review", "analyse", "analyze", "komplexe",
		"umfangreich", "complete", "full", "entire",
	}
	cheapPatterns = []string{
		"was ist", "what is", "erkläre", "explain",
		"definition", "beispiel", "example", "syntax",
		"wie schreibt man", "how to write",
	}
)

func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// quickClassify short-circuits obvious cases without a remote call.
func quickClassify(query string) (Classification, bool) {
	lower := strings.ToLower(strings.TrimSpace(query))

	// An empty conversation has nothing to classify; asking for
	// clarification is the only useful answer.
	if lower == "" {
		return Classification{
			Tier:       models.TierCacheOnly,
			Confidence: 0.3,
			Reason:     "Empty query",
		}, true
	}

	if len(lower) < 15 && containsAny(lower, vaguePatterns) {
		return Classification{
			Tier:       models.TierCacheOnly,
			Confidence: 0.9,
			Reason:     "Query too vague for a useful answer",
		}, true
	}
	if containsAny(lower, premiumPatterns) {
		return Classification{
			Tier:             models.TierPremium,
			Confidence:       0.85,
			Reason:           "Query contains premium indicators",
			RequiresCode:     true,
			RequiresAnalysis: true,
			ComplexityScore:  0.8,
		}, true
	}
	if containsAny(lower, cheapPatterns) {
		return Classification{
			Tier:            models.TierCheap,
			Confidence:      0.85,
			Reason:          "Simple explanation/definition",
			ComplexityScore: 0.3,
		}, true
	}
	return Classification{}, false
}

func formatContext(reqCtx models.RequestContext) string {
	if len(reqCtx) == 0 {
		return "none"
	}
	var parts []string
	if v, ok := reqCtx["file_path"]; ok {
		parts = append(parts, "file: "+v)
	}
	if v, ok := reqCtx["language"]; ok {
		parts = append(parts, "language: "+v)
	}
	if v, ok := reqCtx["git_status"]; ok {
		parts = append(parts, "git: "+v)
	}
	if v, ok := reqCtx["code_snippet"]; ok {
		if len(v) > 200 {
			v = v[:200]
		}
		parts = append(parts, "code: "+v+"...")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " | ")
}

// parseClassification reads the line protocol the prompt demands.
// Malformed or missing fields fall back to defaults instead of failing.
func parseClassification(content string) Classification {
	out := Classification{
		Tier:            models.TierCheap,
		Confidence:      0.5,
		Reason:          "Parsed from response",
		ComplexityScore: 0.5,
	}

	for _, line := range strings.Split(strings.TrimSpace(content), "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "TIER:"):
			tierStr := strings.ToUpper(strings.TrimSpace(strings.TrimPrefix(line, "TIER:")))
			switch models.Tier(tierStr) {
			case models.TierCacheOnly, models.TierLocal, models.TierCheap, models.TierPremium:
				out.Tier = models.Tier(tierStr)
			}
		case strings.HasPrefix(line, "CONFIDENCE:"):
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "CONFIDENCE:")), 64); err == nil {
				out.Confidence = v
			}
		case strings.HasPrefix(line, "REASON:"):
			out.Reason = strings.TrimSpace(strings.TrimPrefix(line, "REASON:"))
		case strings.HasPrefix(line, "REQUIRES_CODE:"):
			out.RequiresCode = strings.Contains(strings.ToLower(line), "true")
		case strings.HasPrefix(line, "REQUIRES_ANALYSIS:"):
			out.RequiresAnalysis = strings.Contains(strings.ToLower(line), "true")
		case strings.HasPrefix(line, "COMPLEXITY:"):
			if v, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, "COMPLEXITY:")), 64); err == nil {
				out.ComplexityScore = v
			}
		}
	}
	return out
}
