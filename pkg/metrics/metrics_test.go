package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentile(t *testing.T) {
	sorted := []float64{10, 20, 30, 40, 50}
	tests := []struct {
		p    float64
		want float64
	}{
		{0, 10},
		{50, 30},
		{100, 50},
		{25, 20},
		{90, 46}, // interpolated between 40 and 50
	}
	for _, tt := range tests {
		assert.InDelta(t, tt.want, percentile(sorted, tt.p), 1e-9)
	}
	assert.Zero(t, percentile(nil, 50))
	assert.Equal(t, 42.0, percentile([]float64{42}, 99))
}

func TestCollectorSummary(t *testing.T) {
	c := NewCollector()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.windowFrom = now

	c.RecordRequest(100, "CHEAP", "success")
	c.RecordRequest(200, "PREMIUM", "success")
	c.RecordRequest(300, "CHEAP", "error")
	c.RecordCost(0.5, "CHEAP")
	c.RecordCost(1.5, "PREMIUM")
	c.RecordCacheHit("exact")
	c.RecordCacheHit("semantic")
	c.RecordCacheMiss("exact")
	c.RecordCacheMiss("exact")
	c.RecordRouting("CHEAP")
	c.RecordBlocked("policy_violation")
	c.RecordError("upstream")

	s := c.GetSummary()
	assert.Equal(t, int64(3), s.Window.Requests)
	assert.InDelta(t, 2.0, s.Window.Cost, 1e-9)
	assert.InDelta(t, 200, s.Window.LatencyMS.P50, 1e-9)
	assert.InDelta(t, 200, s.Window.LatencyMS.Avg, 1e-9)
	assert.Equal(t, int64(3), s.Totals.Requests)
	assert.InDelta(t, 1.5, s.Totals.CostByTier["PREMIUM"], 1e-9)
	assert.InDelta(t, 0.5, s.Cache.HitRate, 1e-9)
	assert.Equal(t, int64(2), s.Cache.MissesByType["exact"])
	assert.Equal(t, int64(1), s.Routing["CHEAP"])
	assert.Equal(t, int64(1), s.Blocked["policy_violation"])
	assert.Equal(t, int64(1), s.Errors["upstream"])
}

func TestCollectorWindowResetKeepsTotals(t *testing.T) {
	c := NewCollector()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	c.windowFrom = now

	c.RecordRequest(100, "CHEAP", "success")
	c.RecordCost(1.0, "CHEAP")

	now = now.Add(2 * time.Minute)
	s := c.GetSummary()
	assert.Zero(t, s.Window.Requests)
	assert.Zero(t, s.Window.Cost)
	assert.Zero(t, s.Window.LatencyMS.P50)
	assert.Equal(t, int64(1), s.Totals.Requests)
	assert.InDelta(t, 1.0, s.Totals.Cost, 1e-9)
}

func TestCollectorPrometheusEndpoint(t *testing.T) {
	c := NewCollector()
	c.RecordRequest(42, "CHEAP", "success")
	c.RecordCost(0.25, "CHEAP")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `gateway_requests_total{status="success",tier="CHEAP"} 1`), body)
	assert.Contains(t, body, "gateway_latency_ms_bucket")
	assert.Contains(t, body, "gateway_cost_total 0.25")
}

func TestCollectorGauges(t *testing.T) {
	c := NewCollector()
	c.SetBudgetSpent(12.5)
	c.SetKillSwitchActive(true)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_budget_spent_dollars 12.5")
	assert.Contains(t, rec.Body.String(), "gateway_kill_switch_active 1")

	c.SetKillSwitchActive(false)
	rec = httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Contains(t, rec.Body.String(), "gateway_kill_switch_active 0")
}
