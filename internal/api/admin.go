package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/gateway/pkg/security"
)

func (s *Server) handleMetricsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Metrics.GetSummary())
}

func (s *Server) handleBudgetStatus(c *gin.Context) {
	status, err := s.deps.BudgetGuard.GetStatus(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeInternal, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleBudgetHistory(c *gin.Context) {
	var query struct {
		Days int `form:"days,default=7" binding:"omitempty,gte=1,lte=365"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, gin.H{"message": err.Error()})
		return
	}
	history, err := s.deps.BudgetGuard.GetHistory(c.Request.Context(), query.Days)
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeInternal, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"days": query.Days, "history": history})
}

type adjustBudgetRequest struct {
	Soft   *float64 `json:"soft" binding:"omitempty,gte=0"`
	Medium *float64 `json:"medium" binding:"omitempty,gte=0"`
	Hard   *float64 `json:"hard" binding:"omitempty,gte=0"`
}

func (s *Server) handleAdjustBudget(c *gin.Context) {
	var req adjustBudgetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.deps.BudgetGuard.AdjustLimits(req.Soft, req.Medium, req.Hard); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, gin.H{"message": err.Error()})
		return
	}
	status, err := s.deps.BudgetGuard.GetStatus(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeInternal, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleRateLimits(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.RateLimiter.Status())
}

func (s *Server) handleRateLimitReset(c *gin.Context) {
	tier := c.Query("tier")
	s.deps.RateLimiter.Reset(tier)
	c.JSON(http.StatusOK, s.deps.RateLimiter.Status())
}

func (s *Server) handleKillSwitch(c *gin.Context) {
	switch c.Query("action") {
	case "enable":
		mode := security.ParseKillSwitchMode(c.DefaultQuery("mode", "kill"))
		s.deps.KillSwitch.Enable(mode, c.Query("reason"))
		c.JSON(http.StatusOK, gin.H{"status": "enabled", "mode": string(mode)})
	case "disable":
		s.deps.KillSwitch.Disable()
		c.JSON(http.StatusOK, gin.H{"status": "disabled"})
	case "status":
		c.JSON(http.StatusOK, s.deps.KillSwitch.Status())
	default:
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, gin.H{
			"message": "action must be enable, disable, or status",
		})
	}
}

func (s *Server) handleCacheStats(c *gin.Context) {
	ctx := c.Request.Context()
	out := gin.H{}

	if stats, err := s.deps.ExactCache.Stats(ctx); err == nil {
		out["exact"] = stats
	}
	if s.deps.SemanticCache != nil {
		if stats, err := s.deps.SemanticCache.Stats(ctx); err == nil {
			out["semantic"] = stats
		}
	}
	if s.deps.BM25 != nil {
		if stats, err := s.deps.BM25.Stats(ctx); err == nil {
			out["bm25"] = stats
		}
	}
	if s.deps.EmbeddingCacheStats != nil {
		entries, bytes := s.deps.EmbeddingCacheStats()
		out["embeddings"] = gin.H{"entries": entries, "bytes": bytes}
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleEmbeddingCacheClear(c *gin.Context) {
	if s.deps.EmbeddingCacheClear == nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, gin.H{
			"message": "embedding cache not configured",
		})
		return
	}
	if err := s.deps.EmbeddingCacheClear(); err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeInternal, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cleared"})
}

type semanticVerifyRequest struct {
	ID    int64 `json:"id" binding:"required,gte=1"`
	Valid *bool `json:"valid" binding:"required"`
}

func (s *Server) handleSemanticVerify(c *gin.Context) {
	if s.deps.SemanticCache == nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, gin.H{
			"message": "semantic cache not configured",
		})
		return
	}
	var req semanticVerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, gin.H{"message": err.Error()})
		return
	}
	if err := s.deps.SemanticCache.RecordVerification(c.Request.Context(), req.ID, *req.Valid); err != nil {
		abortWithError(c, http.StatusInternalServerError, ErrCodeInternal, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

func (s *Server) handleLocalModels(c *gin.Context) {
	if s.deps.Local == nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, gin.H{
			"message": "local LLM not configured",
		})
		return
	}
	models, err := s.deps.Local.ListModels(c.Request.Context())
	if err != nil {
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeUpstreamUnavailable, gin.H{"message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
