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

func TestGroqGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer gsk-test", r.Header.Get("Authorization"))

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama-3.1-8b-instant", req.Model)
		assert.Equal(t, 2048, req.MaxTokens)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "llama-3.1-8b-instant",
			"choices": []map[string]interface{}{
				{
					"message":       map[string]string{"content": "four"},
					"finish_reason": "stop",
				},
			},
			"usage": map[string]int{
				"prompt_tokens":     12,
				"completion_tokens": 1,
				"total_tokens":      13,
			},
		})
	}))
	defer srv.Close()

	p := NewGroqProvider("gsk-test", observability.NewNoopLogger())
	p.baseURL = srv.URL

	result, err := p.Generate(context.Background(), []models.Message{
		{Role: models.RoleUser, Content: "what is two plus two"},
	}, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "four", result.Content)
	assert.Equal(t, "llama-3.1-8b-instant", result.Model)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 13, result.Usage.TotalTokens)
}

func TestGroqHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))

	p := NewGroqProvider("gsk-test", observability.NewNoopLogger())
	p.baseURL = srv.URL
	assert.True(t, p.Health(context.Background()))

	srv.Close()
	assert.False(t, p.Health(context.Background()))
}
