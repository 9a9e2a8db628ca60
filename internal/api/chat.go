package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/openclaw/gateway/pkg/cache"
	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/providers"
	"github.com/openclaw/gateway/pkg/router"
	"github.com/openclaw/gateway/pkg/tokenizer"
)

const clarificationPrompt = "Your request is too vague to answer usefully. " +
	"Please describe what you want to achieve, including relevant code, file names, or error messages."

// handleChatCompletions runs the request pipeline: policy gate, kill
// switch, rate limiting, exact cache, routing, dispatch, accounting,
// cache write-back.
func (s *Server) handleChatCompletions(c *gin.Context) {
	start := time.Now()
	requestID := "req_" + uuid.NewString()

	var req models.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, ErrCodeInvalidRequest, gin.H{"message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	query := req.LastUserMessage()

	// Stage 2: policy gate
	if v := s.deps.PolicyGate.Check(query); v != nil {
		s.deps.Metrics.RecordBlocked("policy_violation")
		abortWithError(c, http.StatusForbidden, ErrCodePolicyViolation, gin.H{
			"category": string(v.Category),
			"message":  v.Message,
		})
		return
	}

	// Stage 3: kill switch
	kill := s.deps.KillSwitch.Check(ctx)
	s.deps.Metrics.SetKillSwitchActive(kill.Blocked || kill.ThrottleDelay > 0 || kill.ForceTier != "")
	if kill.Blocked {
		s.deps.Metrics.RecordBlocked("kill_switch")
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, gin.H{
			"reason":      kill.Reason,
			"retry_after": kill.RetryAfter,
		})
		return
	}
	if kill.ThrottleDelay > 0 {
		select {
		case <-time.After(kill.ThrottleDelay):
		case <-ctx.Done():
			return
		}
	}

	// Stage 4: rate limit against the global bucket
	estimatedTokens := tokenizer.EstimateRequest(req.Messages)
	if ok, msg := s.deps.RateLimiter.Check(estimatedTokens, "global"); !ok {
		s.deps.Metrics.RecordBlocked("rate_limit")
		abortWithError(c, http.StatusTooManyRequests, ErrCodeRateLimit, gin.H{"message": msg})
		return
	}

	// Stage 5: exact cache, idempotency key first
	if req.IdempotencyKey != "" {
		if entry, err := s.deps.ExactCache.GetByIdempotencyKey(ctx, req.IdempotencyKey); err == nil && entry != nil {
			s.recordCacheHit(ctx, "idempotency")
			c.JSON(http.StatusOK, s.envelope(entry.Response, requestID, "idempotency_cache", start, entry.Usage, nil))
			return
		}
	}
	cacheKey := cache.ComputeKey(req.Messages, req.Context)
	if entry, err := s.deps.ExactCache.Get(ctx, cacheKey); err == nil && entry != nil {
		s.recordCacheHit(ctx, "exact")
		c.JSON(http.StatusOK, s.envelope(entry.Response, requestID, "exact_cache", start, entry.Usage, nil))
		return
	} else if err != nil {
		// cache read errors degrade to a miss
		s.logger.Warn("exact cache read failed", map[string]interface{}{"error": err})
	}
	s.deps.Metrics.RecordCacheMiss("exact")

	// Stage 6: route
	decision := s.deps.Router.Route(ctx, query, req.Messages, req.Context, models.ParseTier(req.ForceTier))
	s.deps.Metrics.RecordRouting(string(decision.Tier))

	// Cache-only tiers never reach a paid backend.
	switch decision.Tier {
	case models.TierCacheCandidate:
		if served := s.serveCacheCandidate(c, query, req, requestID, start, &decision); served {
			return
		}
		decision.Tier = models.TierCheap
	case models.TierCacheOnly:
		c.JSON(http.StatusOK, s.envelope(clarificationPrompt, requestID, "clarification", start, nil, &decision))
		return
	}

	// Kill-switch degrade forces the cheap tier.
	if kill.ForceTier != "" && decision.Tier == models.TierPremium {
		decision.Tier = models.TierCheap
		decision.Reason = kill.Reason
	}

	// Budget gate: a medium-level rejection downgrades premium to cheap,
	// a hard rejection blocks.
	estimatedCost := float64(estimatedTokens) / 1e6 * 3.0
	if budgetDecision, err := s.deps.BudgetGuard.Check(ctx, estimatedCost, decision.Tier.CostBucket()); err == nil {
		s.deps.Metrics.SetBudgetSpent(budgetDecision.DailySpent)
		if !budgetDecision.Allowed {
			if budgetDecision.SuggestTier == "cheap" && decision.Tier == models.TierPremium {
				decision.Tier = models.TierCheap
				decision.Reason = budgetDecision.Reason
			} else {
				s.deps.Metrics.RecordBlocked("budget")
				abortWithError(c, http.StatusServiceUnavailable, ErrCodeServiceUnavailable, gin.H{
					"reason": budgetDecision.Reason,
				})
				return
			}
		}
	}

	// Stage 7: dispatch
	result, err := s.dispatch(c, &req, &decision)
	if err != nil {
		s.deps.KillSwitch.RecordRequest(false)
		s.deps.Metrics.RecordError("upstream")
		s.deps.Metrics.RecordRequest(float64(time.Since(start).Milliseconds()), string(decision.Tier), "error")
		abortWithError(c, http.StatusServiceUnavailable, ErrCodeUpstreamUnavailable, gin.H{"message": err.Error()})
		return
	}
	s.deps.KillSwitch.RecordRequest(true)

	// Stage 8: cost accounting
	cost := providers.CalculateCost(result.Usage, result.Model)
	if err := s.deps.BudgetGuard.RecordSpend(ctx, cost, decision.Tier.CostBucket(), result.Model,
		result.Usage.PromptTokens, result.Usage.CompletionTokens); err != nil {
		s.logger.Warn("budget record failed", map[string]interface{}{"error": err})
	}
	s.deps.Metrics.RecordCost(cost, string(decision.Tier))

	// Rate accounting happens only after a successful upstream call so
	// cache hits and failures never consume quota.
	s.deps.RateLimiter.Record(result.Usage.TotalTokens, decision.Tier.RateBucketName())

	// Stages 9-10: cache write-back
	if err := s.deps.ExactCache.Set(ctx, cacheKey, result.Content, &result.Usage,
		&cache.SetOptions{IdempotencyKey: req.IdempotencyKey}); err != nil {
		s.logger.Warn("exact cache write failed", map[string]interface{}{"error": err})
	}
	if s.deps.SemanticCache != nil {
		if err := s.deps.SemanticCache.Store(ctx, query, result.Content, req.Context, decision.RiskScore); err != nil {
			s.logger.Warn("semantic cache store failed", map[string]interface{}{"error": err})
		}
	}
	if s.deps.BM25 != nil {
		if err := s.deps.BM25.Index(ctx, query, result.Content, flattenContext(req.Context)); err != nil {
			s.logger.Warn("bm25 index failed", map[string]interface{}{"error": err})
		}
	}

	s.deps.Metrics.RecordRequest(float64(time.Since(start).Milliseconds()), string(decision.Tier), "success")
	c.JSON(http.StatusOK, s.envelope(result.Content, requestID, result.Model, start, &result.Usage, &decision))
}

// serveCacheCandidate resolves a BM25 fast-path decision: a semantic
// match wins, otherwise the indexed response is returned directly.
// Returns false when neither source can serve, sending the request back
// through the cheap tier.
func (s *Server) serveCacheCandidate(c *gin.Context, query string, req models.ChatRequest, requestID string, start time.Time, decision *router.Decision) bool {
	ctx := c.Request.Context()
	if s.deps.SemanticCache != nil {
		if match, err := s.deps.SemanticCache.Search(ctx, query, req.Context); err == nil && match != nil {
			s.recordCacheHit(ctx, "semantic")
			c.JSON(http.StatusOK, s.envelope(match.Response, requestID, "semantic_cache", start, nil, decision))
			return true
		}
	}
	if decision.CachedResponse != "" {
		s.recordCacheHit(ctx, "bm25")
		c.JSON(http.StatusOK, s.envelope(decision.CachedResponse, requestID, "bm25_cache", start, nil, decision))
		return true
	}
	return false
}

// dispatch calls the chosen tier's backend through its circuit breaker.
func (s *Server) dispatch(c *gin.Context, req *models.ChatRequest, decision *router.Decision) (*providers.Result, error) {
	messages := decision.CompressedMessages
	if len(messages) == 0 {
		messages = req.Messages
	}
	opts := providers.GenerateOptions{
		Model:       req.Model,
		MaxTokens:   req.MaxTokensOrDefault(),
		Temperature: req.TemperatureOrDefault(),
	}

	var name string
	var backend providers.Provider
	switch decision.Tier {
	case models.TierLocal:
		if s.deps.Local != nil {
			name, backend = "local", s.deps.Local
			break
		}
		// no local backend: fall through to the cheap tier
		fallthrough
	case models.TierCheap, models.TierCacheOnly, models.TierCacheCandidate:
		if s.deps.Local != nil {
			name, backend = "local", s.deps.Local
		} else if s.deps.Groq != nil {
			name, backend = "groq", s.deps.Groq
		}
	case models.TierPremium:
		if s.deps.Anthropic != nil {
			name, backend = "anthropic", s.deps.Anthropic
		}
	}
	if backend == nil {
		return nil, fmt.Errorf("no provider configured for tier %s", decision.Tier)
	}

	out, err := s.breakers[name].Execute(func() (interface{}, error) {
		return backend.Generate(c.Request.Context(), messages, opts)
	})
	if err != nil {
		return nil, fmt.Errorf("%s backend: %w", name, err)
	}
	return out.(*providers.Result), nil
}

func (s *Server) recordCacheHit(ctx context.Context, cacheType string) {
	s.deps.Metrics.RecordCacheHit(cacheType)
	if err := s.deps.BudgetGuard.RecordCacheHit(ctx); err != nil {
		s.logger.Debug("cache hit record failed", map[string]interface{}{"error": err})
	}
}

// envelope builds the unified ChatResponse shape.
func (s *Server) envelope(content, requestID, source string, start time.Time, usage *models.Usage, decision *router.Decision) models.ChatResponse {
	u := models.Usage{}
	if usage != nil {
		u = *usage
	}
	meta := &models.GatewayMeta{
		LatencyMS: time.Since(start).Milliseconds(),
		Source:    source,
	}
	if decision != nil {
		meta.Routing = &models.RoutingInfo{
			Tier:          string(decision.Tier),
			Confidence:    decision.Confidence,
			Reason:        decision.Reason,
			RiskScore:     decision.RiskScore,
			ContextTokens: decision.ContextTokens,
		}
	}
	return models.ChatResponse{
		ID:          requestID,
		Object:      "chat.completion",
		Created:     time.Now().Unix(),
		Model:       source,
		Choices: []models.Choice{{
			Index:        0,
			Message:      models.Message{Role: models.RoleAssistant, Content: content},
			FinishReason: "stop",
		}},
		Usage:       u,
		GatewayMeta: meta,
	}
}

func flattenContext(reqCtx models.RequestContext) string {
	if len(reqCtx) == 0 {
		return ""
	}
	out := ""
	for k, v := range reqCtx {
		if out != "" {
			out += " "
		}
		out += k + "=" + v
	}
	return out
}
