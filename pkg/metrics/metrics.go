// Package metrics collects gateway counters and latency distributions.
// Everything is exported twice: as Prometheus metrics on /metrics and as
// a JSON summary with rolling-window percentiles on /api/metrics.
package metrics

import (
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var latencyBuckets = []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// Collector tracks request, cache, routing, cost, and error metrics.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal *prometheus.CounterVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	routingTotal  *prometheus.CounterVec
	blockedTotal  *prometheus.CounterVec
	errorsTotal   *prometheus.CounterVec
	costTotal     prometheus.Counter
	costByTier    *prometheus.CounterVec
	latencyMS     prometheus.Histogram

	budgetSpent      prometheus.Gauge
	killSwitchActive prometheus.Gauge

	mu         sync.Mutex
	window     time.Duration
	windowFrom time.Time
	latencies  []float64
	windowCost float64
	windowReqs int64

	totalRequests int64
	totalCost     float64
	costTiers     map[string]float64
	hitsByType    map[string]int64
	missesByType  map[string]int64
	routing       map[string]int64
	blocked       map[string]int64
	errors        map[string]int64

	now func() time.Time
}

// NewCollector builds a collector with its own Prometheus registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Total requests",
		}, []string{"tier", "status"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_hits_total",
			Help: "Cache hits by cache type",
		}, []string{"type"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_misses_total",
			Help: "Cache misses by cache type",
		}, []string{"type"}),
		routingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_routing_total",
			Help: "Routing decisions by tier",
		}, []string{"tier"}),
		blockedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_blocked_total",
			Help: "Blocked requests by reason",
		}, []string{"reason"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_errors_total",
			Help: "Errors by type",
		}, []string{"type"}),
		costTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_cost_total",
			Help: "Total cost in USD",
		}),
		costByTier: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cost_by_tier",
			Help: "Cost in USD by tier",
		}, []string{"tier"}),
		latencyMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_latency_ms",
			Help:    "Request latency in ms",
			Buckets: latencyBuckets,
		}),
		budgetSpent: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_budget_spent_dollars",
			Help: "Spend so far today in USD",
		}),
		killSwitchActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_kill_switch_active",
			Help: "1 while the kill switch is engaged in any mode",
		}),

		window:       time.Minute,
		costTiers:    make(map[string]float64),
		hitsByType:   make(map[string]int64),
		missesByType: make(map[string]int64),
		routing:      make(map[string]int64),
		blocked:      make(map[string]int64),
		errors:       make(map[string]int64),
		now:          time.Now,
	}
	c.windowFrom = c.now()

	registry.MustRegister(
		c.requestsTotal, c.cacheHits, c.cacheMisses, c.routingTotal,
		c.blockedTotal, c.errorsTotal, c.costTotal, c.costByTier, c.latencyMS,
		c.budgetSpent, c.killSwitchActive,
	)
	return c
}

// Handler serves the Prometheus exposition endpoint.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// caller holds c.mu
func (c *Collector) maybeResetLocked() {
	if c.now().Sub(c.windowFrom) > c.window {
		c.latencies = c.latencies[:0]
		c.windowCost = 0
		c.windowReqs = 0
		c.windowFrom = c.now()
	}
}

// RecordRequest records a completed request with its latency.
func (c *Collector) RecordRequest(latencyMS float64, tier, status string) {
	c.requestsTotal.WithLabelValues(tier, status).Inc()
	c.latencyMS.Observe(latencyMS)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked()
	c.totalRequests++
	c.windowReqs++
	c.latencies = append(c.latencies, latencyMS)
}

// RecordCacheHit records a hit on one of the caches (exact, semantic,
// idempotency, bm25).
func (c *Collector) RecordCacheHit(cacheType string) {
	c.cacheHits.WithLabelValues(cacheType).Inc()
	c.mu.Lock()
	c.hitsByType[cacheType]++
	c.mu.Unlock()
}

// RecordCacheMiss records a miss on one of the caches.
func (c *Collector) RecordCacheMiss(cacheType string) {
	c.cacheMisses.WithLabelValues(cacheType).Inc()
	c.mu.Lock()
	c.missesByType[cacheType]++
	c.mu.Unlock()
}

// RecordRouting records a routing decision.
func (c *Collector) RecordRouting(tier string) {
	c.routingTotal.WithLabelValues(tier).Inc()
	c.mu.Lock()
	c.routing[tier]++
	c.mu.Unlock()
}

// RecordBlocked records a request rejected by a guard.
func (c *Collector) RecordBlocked(reason string) {
	c.blockedTotal.WithLabelValues(reason).Inc()
	c.mu.Lock()
	c.blocked[reason]++
	c.mu.Unlock()
}

// RecordError records a failed request by error type.
func (c *Collector) RecordError(errType string) {
	c.errorsTotal.WithLabelValues(errType).Inc()
	c.mu.Lock()
	c.errors[errType]++
	c.mu.Unlock()
}

// RecordCost records spend attributed to a tier.
func (c *Collector) RecordCost(cost float64, tier string) {
	c.costTotal.Add(cost)
	c.costByTier.WithLabelValues(tier).Add(cost)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked()
	c.totalCost += cost
	c.costTiers[tier] += cost
	c.windowCost += cost
}

// SetBudgetSpent updates the daily spend gauge.
func (c *Collector) SetBudgetSpent(dollars float64) {
	c.budgetSpent.Set(dollars)
}

// SetKillSwitchActive flips the kill switch gauge.
func (c *Collector) SetKillSwitchActive(active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.killSwitchActive.Set(v)
}

// LatencySummary holds rolling-window latency percentiles.
type LatencySummary struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
	Avg float64 `json:"avg"`
}

// Summary is the JSON metrics snapshot.
type Summary struct {
	Window struct {
		Seconds   int64          `json:"seconds"`
		Requests  int64          `json:"requests"`
		LatencyMS LatencySummary `json:"latency_ms"`
		Cost      float64        `json:"cost"`
	} `json:"window"`
	Totals struct {
		Requests   int64              `json:"requests"`
		Cost       float64            `json:"cost"`
		CostByTier map[string]float64 `json:"cost_by_tier"`
	} `json:"totals"`
	Cache struct {
		HitRate      float64          `json:"hit_rate"`
		HitsByType   map[string]int64 `json:"hits_by_type"`
		MissesByType map[string]int64 `json:"misses_by_type"`
	} `json:"cache"`
	Routing map[string]int64 `json:"routing"`
	Blocked map[string]int64 `json:"blocked"`
	Errors  map[string]int64 `json:"errors"`
}

// GetSummary builds the JSON snapshot with rolling-window percentiles.
func (c *Collector) GetSummary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked()

	var s Summary
	s.Window.Seconds = int64(c.window.Seconds())
	s.Window.Requests = c.windowReqs
	s.Window.Cost = c.windowCost

	if len(c.latencies) > 0 {
		sorted := append([]float64(nil), c.latencies...)
		sort.Float64s(sorted)
		s.Window.LatencyMS = LatencySummary{
			P50: percentile(sorted, 50),
			P95: percentile(sorted, 95),
			P99: percentile(sorted, 99),
			Avg: mean(sorted),
		}
	}

	s.Totals.Requests = c.totalRequests
	s.Totals.Cost = c.totalCost
	s.Totals.CostByTier = copyFloatMap(c.costTiers)

	var hits, misses int64
	for _, v := range c.hitsByType {
		hits += v
	}
	for _, v := range c.missesByType {
		misses += v
	}
	if total := hits + misses; total > 0 {
		s.Cache.HitRate = float64(hits) / float64(total)
	}
	s.Cache.HitsByType = copyIntMap(c.hitsByType)
	s.Cache.MissesByType = copyIntMap(c.missesByType)

	s.Routing = copyIntMap(c.routing)
	s.Blocked = copyIntMap(c.blocked)
	s.Errors = copyIntMap(c.errors)
	return s
}

// percentile interpolates linearly over sorted data.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	k := float64(len(sorted)-1) * p / 100
	f := int(k)
	cIdx := f + 1
	if cIdx >= len(sorted) {
		cIdx = f
	}
	if f == cIdx {
		return sorted[f]
	}
	return sorted[f] + (sorted[cIdx]-sorted[f])*(k-float64(f))
}

func mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

func copyIntMap(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyFloatMap(m map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
