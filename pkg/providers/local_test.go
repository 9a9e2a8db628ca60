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

func localServer(t *testing.T, handler http.HandlerFunc) (*LocalOpenAIProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	p := NewLocalOpenAIProvider(srv.URL, "", "llama3.2:latest", observability.NewNoopLogger())
	return p, srv
}

func TestLocalGenerate(t *testing.T) {
	p, _ := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)

		var req openAIChatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "llama3.2:latest", req.Model)
		assert.Equal(t, 4096, req.MaxTokens)

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"model": "llama3.2:latest",
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "a goroutine is a lightweight thread"}, "finish_reason": "stop"},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20},
		})
	})

	result, err := p.Generate(context.Background(),
		[]models.Message{{Role: models.RoleUser, Content: "what is a goroutine"}}, GenerateOptions{})
	require.NoError(t, err)
	assert.Equal(t, "a goroutine is a lightweight thread", result.Content)
	assert.Equal(t, "local/llama3.2:latest", result.Model, "local results carry the free-tier model prefix")
	assert.Equal(t, 20, result.Usage.TotalTokens)
}

func TestLocalGenerateUnreachable(t *testing.T) {
	p, srv := localServer(t, func(http.ResponseWriter, *http.Request) {})
	srv.Close()

	_, err := p.Generate(context.Background(),
		[]models.Message{{Role: models.RoleUser, Content: "hi"}}, GenerateOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "local LLM unreachable at")
}

func TestLocalListModelsAndHealth(t *testing.T) {
	p, _ := localServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/models", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]string{{"id": "llama3.2:latest"}, {"id": "qwen2.5-coder"}},
		})
	})

	ids, err := p.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama3.2:latest", "qwen2.5-coder"}, ids)

	health := p.Health(context.Background())
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, 2, health.ModelsAvailable)
	assert.Equal(t, "llama3.2:latest", health.DefaultModel)
}

func TestLocalHealthOffline(t *testing.T) {
	p, srv := localServer(t, func(http.ResponseWriter, *http.Request) {})
	srv.Close()

	health := p.Health(context.Background())
	assert.Equal(t, "offline", health.Status)
	assert.NotEmpty(t, health.Error)
}

func TestFormatOpenAIMessages(t *testing.T) {
	out := formatOpenAIMessages([]models.Message{
		{Role: "tool", Content: "weird role"},
		{Role: models.RoleAssistant, Content: "prior answer"},
	}, "be terse")

	require.Len(t, out, 3)
	assert.Equal(t, models.RoleSystem, out[0].Role)
	assert.Equal(t, "be terse", out[0].Content)
	assert.Equal(t, models.RoleUser, out[1].Role, "unknown roles normalise to user")
	assert.Equal(t, models.RoleAssistant, out[2].Role)
}
