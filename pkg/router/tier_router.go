package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
	"github.com/openclaw/gateway/pkg/retrieval"
	"github.com/openclaw/gateway/pkg/tokenizer"
)

// Decision is a routing verdict plus the messages as they should be sent
// to the chosen backend.
type Decision struct {
	Tier               models.Tier
	Confidence         float64
	Reason             string
	RiskScore          float64
	CompressedMessages []models.Message
	ContextTokens      int

	// CachedResponse is set only for CACHE_CANDIDATE decisions.
	CachedResponse string
}

const truncationSentinel = "\n\n[... truncated for context budget ...]"

// Budget is the per-tier context token allowance.
type Budget struct {
	Cheap   int
	Premium int
}

// TierRouter picks a tier per request: forced tier first, then the BM25
// fast path, then intent classification with risk scoring. The winning
// tier's context budget drives message compression.
type TierRouter struct {
	classifier Classifier
	index      *retrieval.BM25Index
	budget     Budget
	logger     observability.Logger
}

// NewTierRouter builds the router. index may be nil, disabling the fast
// path.
func NewTierRouter(classifier Classifier, index *retrieval.BM25Index, budget Budget, logger observability.Logger) *TierRouter {
	if budget.Cheap <= 0 {
		budget.Cheap = 4000
	}
	if budget.Premium <= 0 {
		budget.Premium = 16000
	}
	return &TierRouter{
		classifier: classifier,
		index:      index,
		budget:     budget,
		logger:     logger.WithPrefix("router"),
	}
}

// Route decides the tier for query given the full conversation.
func (r *TierRouter) Route(ctx context.Context, query string, messages []models.Message, reqCtx models.RequestContext, forceTier models.Tier) Decision {
	if forceTier != "" {
		risk := 0.2
		if forceTier == models.TierPremium {
			risk = 0.5
		}
		return Decision{
			Tier:               forceTier,
			Confidence:         1.0,
			Reason:             fmt.Sprintf("Forced tier: %s", forceTier),
			RiskScore:          risk,
			CompressedMessages: r.compressMessages(messages, forceTier),
			ContextTokens:      tokenizer.EstimateMessages(messages),
		}
	}

	if r.index != nil {
		if hits := r.index.Search(ctx, query, 1, retrieval.DefaultMinScore); len(hits) > 0 && hits[0].Score > retrieval.FastPathThreshold {
			r.logger.Info("fast-path hit", map[string]interface{}{
				"score": fmt.Sprintf("%.2f", hits[0].Score),
			})
			return Decision{
				Tier:               models.TierCacheCandidate,
				Confidence:         hits[0].Score,
				Reason:             "BM25 found highly similar query",
				RiskScore:          0.1,
				CompressedMessages: messages,
				ContextTokens:      tokenizer.EstimateMessages(messages),
				CachedResponse:     hits[0].Response,
			}
		}
	}

	classification := r.classifier.Classify(ctx, query, reqCtx)
	risk := calculateRiskScore(classification, reqCtx)
	compressed := r.compressMessages(messages, classification.Tier)

	return Decision{
		Tier:               classification.Tier,
		Confidence:         classification.Confidence,
		Reason:             classification.Reason,
		RiskScore:          risk,
		CompressedMessages: compressed,
		ContextTokens:      tokenizer.EstimateMessages(compressed),
	}
}

var riskyPathFragments = []string{
	"config", "secret", "key", "password", "auth",
	".env", "credentials", "main.py", "index",
}

// calculateRiskScore combines classifier signals and context factors
// into [0, 1]. Low scores skip verification; high scores demand it.
func calculateRiskScore(c Classification, reqCtx models.RequestContext) float64 {
	score := 0.5
	score += c.ComplexityScore * 0.2
	if c.RequiresCode {
		score += 0.15
	}
	if c.RequiresAnalysis {
		score += 0.1
	}
	if c.Confidence < 0.7 {
		score += 0.15
	}
	if len(reqCtx) > 0 {
		if reqCtx["action"] == "modify" {
			score += 0.2
		}
		if path := reqCtx["file_path"]; path != "" {
			for _, frag := range riskyPathFragments {
				if strings.Contains(path, frag) {
					score += 0.15
					break
				}
			}
		}
	}
	if score > 1.0 {
		return 1.0
	}
	if score < 0.0 {
		return 0.0
	}
	return score
}

// compressMessages fits the conversation into the tier's token budget.
// System messages always survive; the newest non-system messages fill
// the rest, with the oldest surviving message truncated when it would
// overflow.
func (r *TierRouter) compressMessages(messages []models.Message, tier models.Tier) []models.Message {
	budget := r.budget.Cheap
	if tier == models.TierPremium {
		budget = r.budget.Premium
	}

	current := tokenizer.EstimateMessages(messages)
	if current <= budget {
		return messages
	}

	var system, nonSystem []models.Message
	for _, m := range messages {
		if m.Role == models.RoleSystem {
			system = append(system, m)
		} else {
			nonSystem = append(nonSystem, m)
		}
	}

	compressed := append([]models.Message{}, system...)
	remaining := budget - tokenizer.EstimateMessages(system)

	var kept []models.Message
	for i := len(nonSystem) - 1; i >= 0; i-- {
		msg := nonSystem[i]
		msgTokens := tokenizer.EstimateMessages([]models.Message{msg})
		if msgTokens <= remaining {
			kept = append([]models.Message{msg}, kept...)
			remaining -= msgTokens
			continue
		}
		if truncated, ok := truncateMessage(msg, remaining); ok {
			kept = append([]models.Message{truncated}, kept...)
		}
		break
	}
	compressed = append(compressed, kept...)

	r.logger.Info("compressed context", map[string]interface{}{
		"before_tokens": current,
		"after_tokens":  tokenizer.EstimateMessages(compressed),
		"tier":          string(tier),
	})
	return compressed
}

// truncateMessage cuts a message's content to roughly maxTokens. The
// truncation sentinel marks the cut so the model knows context is
// missing.
func truncateMessage(msg models.Message, maxTokens int) (models.Message, bool) {
	maxChars := maxTokens * 4
	if len(msg.Content) <= maxChars {
		return msg, true
	}
	if maxChars <= len(truncationSentinel) {
		return models.Message{}, false
	}
	return models.Message{
		Role:    msg.Role,
		Content: msg.Content[:maxChars-len(truncationSentinel)] + truncationSentinel,
	}, true
}
