package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/openclaw/gateway/internal/api"
	"github.com/openclaw/gateway/pkg/cache"
	"github.com/openclaw/gateway/pkg/common/config"
	"github.com/openclaw/gateway/pkg/embedding"
	"github.com/openclaw/gateway/pkg/metrics"
	"github.com/openclaw/gateway/pkg/observability"
	"github.com/openclaw/gateway/pkg/providers"
	"github.com/openclaw/gateway/pkg/retrieval"
	"github.com/openclaw/gateway/pkg/router"
	"github.com/openclaw/gateway/pkg/security"
)

const embeddingHotCacheSize = 256

func main() {
	configPath := flag.String("config", "", "optional config.yaml path")
	flag.Parse()

	// .env is optional; real environments set variables directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(os.Getenv("ENVIRONMENT")); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, closeLogger, err := observability.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	if err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer closeLogger()

	if err := os.MkdirAll(cfg.Cache.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %s: %v", cfg.Cache.DataDir, err)
	}

	// Persistent stores, all SQLite under the data directory.
	exactCache, err := cache.NewExactCache(filepath.Join(cfg.Cache.DataDir, "exact_cache.db"), logger)
	if err != nil {
		log.Fatalf("Failed to open exact cache: %v", err)
	}
	defer exactCache.Close()

	bm25, err := retrieval.NewBM25Index(filepath.Join(cfg.Cache.DataDir, "bm25_index.db"), logger)
	if err != nil {
		log.Fatalf("Failed to open bm25 index: %v", err)
	}
	defer bm25.Close()

	budget, err := security.NewBudgetGuard(filepath.Join(cfg.Cache.DataDir, "budget.db"),
		cfg.Budget.Soft, cfg.Budget.Medium, cfg.Budget.Hard, logger)
	if err != nil {
		log.Fatalf("Failed to open budget ledger: %v", err)
	}
	defer budget.Close()

	embedService := buildEmbeddingService(cfg, logger)

	semanticCache, err := cache.NewSemanticCache(filepath.Join(cfg.Cache.DataDir, "semantic_cache.db"),
		embedService, cfg.Cache.SemanticThreshold, logger)
	if err != nil {
		log.Fatalf("Failed to open semantic cache: %v", err)
	}
	defer semanticCache.Close()

	policyGate := security.NewPolicyGate(logger)
	rateLimiter := security.NewRateLimiter(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.TokensPerMinute, logger)
	killSwitch := security.NewKillSwitch(budget, logger)

	// Upstream providers stay nil when unconfigured; the pipeline degrades
	// per tier.
	var anthropic, groq providers.Provider
	if cfg.Providers.AnthropicAPIKey != "" {
		anthropic = providers.NewAnthropicProvider(cfg.Providers.AnthropicAPIKey, logger)
	}
	if cfg.Providers.GroqAPIKey != "" {
		groq = providers.NewGroqProvider(cfg.Providers.GroqAPIKey, logger)
	}
	var local api.LocalBackend
	if cfg.Providers.LocalEnabled {
		local = providers.NewLocalOpenAIProvider(cfg.Providers.LocalURL, "local", cfg.Providers.LocalModel, logger)
	}

	classifier := buildClassifier(cfg, logger)
	tierRouter := router.NewTierRouter(classifier, bm25, router.Budget{
		Cheap:   cfg.Routing.ContextBudgetCheap,
		Premium: cfg.Routing.ContextBudgetPremium,
	}, logger)

	collector := metrics.NewCollector()

	// Warm the embedding cache with the queries most likely to recur.
	go warmEmbeddingCache(bm25, embedService, logger)

	server := api.NewServer(api.Deps{
		Secret:              cfg.Server.GatewaySecret,
		PolicyGate:          policyGate,
		RateLimiter:         rateLimiter,
		BudgetGuard:         budget,
		KillSwitch:          killSwitch,
		ExactCache:          exactCache,
		SemanticCache:       semanticCache,
		BM25:                bm25,
		Router:              tierRouter,
		Anthropic:           anthropic,
		Groq:                groq,
		Local:               local,
		Metrics:             collector,
		Logger:              logger,
		EmbeddingCacheStats: embedService.CacheStats,
		EmbeddingCacheClear: embedService.ClearCache,
	})

	httpServer := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      server.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("gateway listening", map[string]interface{}{
			"addr":      cfg.Addr(),
			"anthropic": anthropic != nil,
			"groq":      groq != nil,
			"local":     local != nil,
		})
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", map[string]interface{}{"error": err})
	}
}

// buildEmbeddingService assembles the provider chain: Voyage first when a
// key is present, then OpenAI, backed by the on-disk vector cache.
func buildEmbeddingService(cfg *config.Config, logger observability.Logger) *embedding.Service {
	var chain []embedding.Provider
	if key := os.Getenv("VOYAGE_API_KEY"); key != "" {
		chain = append(chain, embedding.NewVoyageProvider(key))
	}
	if cfg.Providers.OpenAIAPIKey != "" {
		chain = append(chain, embedding.NewOpenAIProvider(cfg.Providers.OpenAIAPIKey))
	}

	diskCache, err := embedding.NewDiskCache(filepath.Join(cfg.Cache.DataDir, "embeddings"), embeddingHotCacheSize)
	if err != nil {
		log.Fatalf("Failed to open embedding cache: %v", err)
	}
	return embedding.NewService(chain, diskCache, logger)
}

// warmEmbeddingCache pre-embeds the most frequently hit indexed queries
// so semantic lookups for them skip the remote embedding call.
func warmEmbeddingCache(bm25 *retrieval.BM25Index, embedService *embedding.Service, logger observability.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	frequent, err := bm25.FrequentQueries(ctx, 50)
	if err != nil || len(frequent) == 0 {
		return
	}
	texts := make([]string, 0, len(frequent))
	for _, fq := range frequent {
		texts = append(texts, fq.Query)
	}
	warmed := embedService.WarmCache(ctx, texts)
	logger.Info("embedding cache warmed", map[string]interface{}{
		"queries": len(texts),
		"warmed":  warmed,
	})
}

// buildClassifier picks the routing classifier backend. "local" points at
// the local OpenAI-compatible endpoint; anything else uses Groq.
func buildClassifier(cfg *config.Config, logger observability.Logger) router.Classifier {
	if cfg.Routing.RouterProvider == "local" && cfg.Providers.LocalEnabled {
		return router.NewRemoteClassifier("local", cfg.Providers.LocalURL, cfg.Providers.LocalModel, logger)
	}
	return router.NewRemoteClassifier(cfg.Providers.GroqAPIKey, "", "", logger)
}
