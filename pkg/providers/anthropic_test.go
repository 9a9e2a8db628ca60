package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
)

func TestAnthropicGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var req anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		// System messages move into the cached system block.
		require.Len(t, req.System, 1)
		assert.Equal(t, "custom system", req.System[0].Text)
		assert.Equal(t, map[string]string{"type": "ephemeral"}, req.System[0].CacheControl)
		for _, m := range req.Messages {
			assert.NotEqual(t, models.RoleSystem, m.Role)
		}

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{
				{"type": "text", "text": "part one "},
				{"type": "thinking", "text": "ignored"},
				{"type": "text", "text": "part two"},
			},
			"stop_reason": "end_turn",
			"usage": map[string]int{
				"input_tokens":                100,
				"output_tokens":               40,
				"cache_read_input_tokens":     80,
				"cache_creation_input_tokens": 0,
			},
		})
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", observability.NewNoopLogger())
	p.baseURL = srv.URL

	result, err := p.Generate(context.Background(), []models.Message{
		{Role: models.RoleSystem, Content: "dropped"},
		{Role: models.RoleUser, Content: "review this diff"},
	}, GenerateOptions{SystemPrompt: "custom system"})
	require.NoError(t, err)

	assert.Equal(t, "part one part two", result.Content)
	assert.Equal(t, "claude-sonnet-4-20250514", result.Model)
	assert.Equal(t, "end_turn", result.FinishReason)
	assert.Equal(t, 140, result.Usage.TotalTokens)
	assert.Equal(t, 80, result.Usage.CacheReadInputTokens)
}

func TestFormatForAnthropic(t *testing.T) {
	out := formatForAnthropic([]models.Message{
		{Role: models.RoleSystem, Content: "drop me"},
		{Role: "tool", Content: "weird"},
		{Role: models.RoleAssistant, Content: "prior"},
	})
	require.Len(t, out, 2)
	assert.Equal(t, models.RoleUser, out[0].Role)
	assert.Equal(t, models.RoleAssistant, out[1].Role)
}
