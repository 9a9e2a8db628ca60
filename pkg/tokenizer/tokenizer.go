// Package tokenizer provides a cheap character-based token estimate shared
// by the rate limiter, the router's context budgeting, and the pipeline.
// This is a heuristic, not a model tokenizer: ~4 characters per token plus
// a fixed per-message overhead for role tokens and formatting.
package tokenizer

import "github.com/openclaw/gateway/pkg/models"

const (
	charsPerToken      = 4
	perMessageOverhead = 4
)

// EstimateText estimates the token count of a single string.
func EstimateText(text string) int {
	return len(text) / charsPerToken
}

// EstimateMessages estimates the token count of a conversation.
func EstimateMessages(messages []models.Message) int {
	totalChars := 0
	for _, m := range messages {
		totalChars += len(m.Content)
	}
	return totalChars/charsPerToken + len(messages)*perMessageOverhead
}

// EstimateRequest estimates the inbound token load of a request for rate
// limiting, including a fixed allowance for the generated completion.
func EstimateRequest(messages []models.Message) int {
	return EstimateMessages(messages) + 100
}
