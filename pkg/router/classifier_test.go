package router

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

func TestQuickClassify(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantTier models.Tier
		wantHit  bool
	}{
		{"vague short", "help me", models.TierCacheOnly, true},
		{"vague german", "hilf mir", models.TierCacheOnly, true},
		{"long query with help is not vague", "help me understand how the scheduler preempts goroutines", "", false},
		{"premium refactor", "refactor this service into two packages", models.TierPremium, true},
		{"premium german", "implementier das feature", models.TierPremium, true},
		{"cheap what is", "what is a channel in go", models.TierCheap, true},
		{"cheap german", "was ist ein pointer", models.TierCheap, true},
		{"no indicators", "convert this yaml to json", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ok := quickClassify(tt.query)
			assert.Equal(t, tt.wantHit, ok)
			if tt.wantHit {
				assert.Equal(t, tt.wantTier, c.Tier)
				assert.GreaterOrEqual(t, c.Confidence, 0.85)
			}
		})
	}
}

func TestQuickClassifyEmptyQuery(t *testing.T) {
	for _, query := range []string{"", "   ", "\n\t "} {
		c, ok := quickClassify(query)
		require.True(t, ok, "query %q", query)
		assert.Equal(t, models.TierCacheOnly, c.Tier)
		assert.InDelta(t, 0.3, c.Confidence, 1e-9)
	}
}

func TestParseClassification(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    Classification
	}{
		{
			"full response",
			"TIER: PREMIUM\nCONFIDENCE: 0.9\nREASON: complex refactor\nREQUIRES_CODE: true\nREQUIRES_ANALYSIS: false\nCOMPLEXITY: 0.7",
			Classification{
				Tier: models.TierPremium, Confidence: 0.9, Reason: "complex refactor",
				RequiresCode: true, RequiresAnalysis: false, ComplexityScore: 0.7,
			},
		},
		{
			"lowercase tier accepted",
			"TIER: cache_only\nCONFIDENCE: 0.8",
			Classification{Tier: models.TierCacheOnly, Confidence: 0.8, Reason: "Parsed from response", ComplexityScore: 0.5},
		},
		{
			"unknown tier keeps default",
			"TIER: ULTRA\nREASON: made up",
			Classification{Tier: models.TierCheap, Confidence: 0.5, Reason: "made up", ComplexityScore: 0.5},
		},
		{
			"garbage falls back entirely",
			"I think this is a premium question, probably.",
			Classification{Tier: models.TierCheap, Confidence: 0.5, Reason: "Parsed from response", ComplexityScore: 0.5},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseClassification(tt.content))
		})
	}
}

func TestFormatContext(t *testing.T) {
	assert.Equal(t, "none", formatContext(nil))
	assert.Equal(t, "none", formatContext(models.RequestContext{"unknown_key": "x"}))

	out := formatContext(models.RequestContext{
		"file_path": "cmd/main.go",
		"language":  "go",
	})
	assert.Equal(t, "file: cmd/main.go | language: go", out)
}

func TestRemoteClassifierUsesEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"content": "TIER: PREMIUM\nCONFIDENCE: 0.95\nREASON: deep analysis"}},
			},
		})
	}))
	defer srv.Close()

	c := NewRemoteClassifier("test-key", srv.URL, "test-model", observability.NewNoopLogger())
	out := c.Classify(context.Background(), "trace this data race across three packages", nil)
	assert.Equal(t, models.TierPremium, out.Tier)
	assert.InDelta(t, 0.95, out.Confidence, 1e-9)
	assert.Equal(t, "deep analysis", out.Reason)
}

func TestRemoteClassifierFailureDefaultsToCheap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewRemoteClassifier("k", srv.URL, "m", observability.NewNoopLogger())
	out := c.Classify(context.Background(), "trace this data race across three packages", nil)
	assert.Equal(t, models.TierCheap, out.Tier)
	assert.InDelta(t, 0.3, out.Confidence, 1e-9)
	assert.Contains(t, out.Reason, "Classification error")
}

func TestRemoteClassifierQuickPathSkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewRemoteClassifier("k", srv.URL, "m", observability.NewNoopLogger())
	out := c.Classify(context.Background(), "refactor this class", nil)
	require.Equal(t, models.TierPremium, out.Tier)
	assert.False(t, called)
}

func TestRemoteClassifierEmptyQuerySkipsNetwork(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	c := NewRemoteClassifier("k", srv.URL, "m", observability.NewNoopLogger())
	out := c.Classify(context.Background(), "", nil)
	require.Equal(t, models.TierCacheOnly, out.Tier)
	assert.InDelta(t, 0.3, out.Confidence, 1e-9)
	assert.False(t, called)
}
