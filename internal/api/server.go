package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/pkg/cache"
	"github.com/openclaw/gateway/pkg/metrics"
	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
	"github.com/openclaw/gateway/pkg/providers"
	"github.com/openclaw/gateway/pkg/resilience"
	"github.com/openclaw/gateway/pkg/retrieval"
	"github.com/openclaw/gateway/pkg/router"
	"github.com/openclaw/gateway/pkg/security"
)

// Version is reported on /health.
const Version = "2.0.0"

// LocalBackend is the local provider surface the server needs beyond
// plain generation.
type LocalBackend interface {
	providers.Provider
	ListModels(ctx context.Context) ([]string, error)
	Health(ctx context.Context) providers.HealthStatus
}

// Router routes a request to a tier.
type Router interface {
	Route(ctx context.Context, query string, messages []models.Message, reqCtx models.RequestContext, forceTier models.Tier) router.Decision
}

// Deps carries the assembled components into the server. Provider fields
// may be nil when unconfigured; the pipeline degrades accordingly.
type Deps struct {
	Secret string

	PolicyGate    *security.PolicyGate
	RateLimiter   *security.RateLimiter
	BudgetGuard   *security.BudgetGuard
	KillSwitch    *security.KillSwitch
	ExactCache    *cache.ExactCache
	SemanticCache *cache.SemanticCache
	BM25          *retrieval.BM25Index
	Router        Router

	Anthropic providers.Provider
	Groq      providers.Provider
	Local     LocalBackend

	Metrics *metrics.Collector
	Logger  observability.Logger

	// EmbeddingCacheStats reports (entries, bytes) of the embedding
	// disk cache for /api/cache/stats. Optional.
	EmbeddingCacheStats func() (int, int64)
	// EmbeddingCacheClear drops the embedding disk cache. Optional.
	EmbeddingCacheClear func() error
}

// Server wires the pipeline components behind the HTTP surface.
type Server struct {
	deps     Deps
	breakers map[string]*resilience.CircuitBreaker
	logger   observability.Logger
}

// NewServer builds the server and its per-backend circuit breakers.
func NewServer(deps Deps) *Server {
	breakers := make(map[string]*resilience.CircuitBreaker)
	for _, name := range []string{"anthropic", "groq", "local"} {
		breakers[name] = resilience.NewCircuitBreaker(name, deps.Logger)
	}
	return &Server{
		deps:     deps,
		breakers: breakers,
		logger:   deps.Logger.WithPrefix("api"),
	}
}

// Engine assembles the gin engine with all routes.
func (s *Server) Engine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery())

	engine.GET("/health", s.handleHealth)
	engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))

	auth := engine.Group("/", RequireAuth(s.deps.Secret))
	{
		auth.POST("/v1/chat/completions", s.handleChatCompletions)

		auth.GET("/api/metrics", s.handleMetricsSummary)
		auth.GET("/api/budget", s.handleBudgetStatus)
		auth.GET("/api/budget/history", s.handleBudgetHistory)
		auth.GET("/api/rate-limits", s.handleRateLimits)
		auth.GET("/api/cache/stats", s.handleCacheStats)
		auth.GET("/api/local/models", s.handleLocalModels)
		auth.POST("/api/semantic/verify", s.handleSemanticVerify)

		auth.POST("/admin/kill-switch", s.handleKillSwitch)
		auth.POST("/admin/cache/embeddings/clear", s.handleEmbeddingCacheClear)
		auth.POST("/admin/budget/limits", s.handleAdjustBudget)
		auth.POST("/admin/rate-limits/reset", s.handleRateLimitReset)
	}
	return engine
}

func (s *Server) handleHealth(c *gin.Context) {
	components := gin.H{
		"policy_gate": s.deps.PolicyGate.Stats(),
		"cache":       s.deps.ExactCache != nil,
		"router":      s.deps.Router != nil,
		"anthropic":   s.deps.Anthropic != nil,
		"groq":        s.deps.Groq != nil,
	}
	if s.deps.Local != nil {
		components["local_llm"] = s.deps.Local.Health(c.Request.Context())
	} else {
		components["local_llm"] = nil
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    Version,
		"components": components,
	})
}
