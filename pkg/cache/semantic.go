package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/openclaw/gateway/pkg/embedding"
	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
)

const (
	// DefaultSimilarityThreshold gates semantic matches.
	DefaultSimilarityThreshold = 0.92
	// DefaultSemanticMaxEntries bounds the semantic row count.
	DefaultSemanticMaxEntries = 5000

	// only the most recent rows are scanned per search
	searchCandidateLimit = 1000

	// weights for folding context similarity into the base score
	similarityWeight   = 0.8
	contextBonusWeight = 0.2
)

const semanticSchema = `
CREATE TABLE IF NOT EXISTS semantic_cache (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	query TEXT NOT NULL,
	query_hash TEXT NOT NULL,
	embedding BLOB NOT NULL,
	response TEXT NOT NULL,
	context_json TEXT,
	risk_score REAL DEFAULT 0.5,
	created_at INTEGER NOT NULL,
	hit_count INTEGER DEFAULT 0,
	last_hit_at INTEGER,
	verified_count INTEGER DEFAULT 0,
	invalid_count INTEGER DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_query_hash ON semantic_cache(query_hash);
`

// Embedder is the slice of the embedding service the semantic cache needs.
type Embedder interface {
	Embed(ctx context.Context, text string) (embedding.Vector, error)
}

// SemanticCache looks up prior responses by embedding similarity with
// context and trust adjustment.
type SemanticCache struct {
	db         *sqlx.DB
	mu         sync.Mutex
	embedder   Embedder
	threshold  float64
	maxEntries int
	logger     observability.Logger
	now        func() time.Time
}

// NewSemanticCache opens (and initialises) the store at dbPath.
func NewSemanticCache(dbPath string, embedder Embedder, threshold float64, logger observability.Logger) (*SemanticCache, error) {
	if threshold <= 0 {
		threshold = DefaultSimilarityThreshold
	}
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open semantic cache: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(semanticSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init semantic cache schema: %w", err)
	}
	return &SemanticCache{
		db:         db,
		embedder:   embedder,
		threshold:  threshold,
		maxEntries: DefaultSemanticMaxEntries,
		logger:     logger.WithPrefix("semantic_cache"),
		now:        time.Now,
	}, nil
}

// Match is a semantic cache hit.
type Match struct {
	ID        int64
	Query     string
	Response  string
	Score     float64
	RiskScore float64
	Context   models.RequestContext
}

type semanticRow struct {
	ID            int64          `db:"id"`
	Query         string         `db:"query"`
	Embedding     []byte         `db:"embedding"`
	Response      string         `db:"response"`
	ContextJSON   sql.NullString `db:"context_json"`
	RiskScore     float64        `db:"risk_score"`
	VerifiedCount int64          `db:"verified_count"`
	InvalidCount  int64          `db:"invalid_count"`
}

// Search embeds the query and scans the most recent rows for the best
// adjusted cosine match. It returns nil without error when no candidate
// reaches the threshold, and aborts (nil, nil) when the query cannot be
// embedded: retrieval never falls back to pseudo-embeddings.
func (c *SemanticCache) Search(ctx context.Context, query string, reqCtx models.RequestContext) (*Match, error) {
	queryVec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.logger.Debug("search skipped, embedding unavailable", map[string]interface{}{"error": err})
		return nil, nil
	}

	c.mu.Lock()
	var rows []semanticRow
	err = c.db.SelectContext(ctx, &rows,
		`SELECT id, query, embedding, response, context_json, risk_score, verified_count, invalid_count
		 FROM semantic_cache ORDER BY created_at DESC LIMIT ?`, searchCandidateLimit)
	c.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("semantic cache scan: %w", err)
	}

	var best *Match
	bestScore := 0.0
	for _, row := range rows {
		vec, err := embedding.VectorFromBytes(row.Embedding)
		if err != nil {
			continue
		}
		score := embedding.CosineSimilarity(queryVec, vec)

		var cachedCtx models.RequestContext
		if row.ContextJSON.Valid && row.ContextJSON.String != "" {
			if err := json.Unmarshal([]byte(row.ContextJSON.String), &cachedCtx); err != nil {
				cachedCtx = nil
			}
		}
		if len(reqCtx) > 0 && len(cachedCtx) > 0 {
			bonus := contextSimilarity(reqCtx, cachedCtx)
			score = score*similarityWeight + bonus*contextBonusWeight
		}

		if total := row.VerifiedCount + row.InvalidCount; total > 0 {
			validityRatio := float64(row.VerifiedCount) / float64(total)
			score *= 0.8 + 0.2*validityRatio
		}

		if score > bestScore {
			bestScore = score
			best = &Match{
				ID:        row.ID,
				Query:     row.Query,
				Response:  row.Response,
				Score:     score,
				RiskScore: row.RiskScore,
				Context:   cachedCtx,
			}
		}
	}

	if best == nil || bestScore < c.threshold {
		return nil, nil
	}

	c.mu.Lock()
	_, err = c.db.ExecContext(ctx,
		`UPDATE semantic_cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE id = ?`,
		c.now().Unix(), best.ID)
	c.mu.Unlock()
	if err != nil {
		c.logger.Warn("hit count update failed", map[string]interface{}{"error": err})
	}

	c.logger.Info("semantic cache hit", map[string]interface{}{
		"score": fmt.Sprintf("%.3f", best.Score),
		"risk":  fmt.Sprintf("%.2f", best.RiskScore),
	})
	return best, nil
}

// Store embeds query and inserts the pair. When embedding fails the store
// is skipped: a pseudo-vector would poison later retrieval.
func (c *SemanticCache) Store(ctx context.Context, query, response string, reqCtx models.RequestContext, riskScore float64) error {
	vec, err := c.embedder.Embed(ctx, query)
	if err != nil {
		c.logger.Warn("embedding failed, skipping semantic cache store", map[string]interface{}{"error": err})
		return nil
	}

	ctxJSON := sql.NullString{}
	if len(reqCtx) > 0 {
		b, err := json.Marshal(reqCtx)
		if err == nil {
			ctxJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	sum := sha256.Sum256([]byte(query))
	queryHash := hex.EncodeToString(sum[:8])

	c.mu.Lock()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO semantic_cache (query, query_hash, embedding, response, context_json, risk_score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		query, queryHash, vec.Bytes(), response, ctxJSON, riskScore, c.now().Unix())
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("semantic cache store: %w", err)
	}

	c.maybeCleanup(ctx)
	return nil
}

// RecordVerification labels a returned entry as valid or invalid.
func (c *SemanticCache) RecordVerification(ctx context.Context, id int64, valid bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	column := "invalid_count"
	if valid {
		column = "verified_count"
	}
	_, err := c.db.ExecContext(ctx,
		fmt.Sprintf(`UPDATE semantic_cache SET %s = %s + 1 WHERE id = ?`, column, column), id)
	return err
}

// maybeCleanup enforces the entry cap, evicting rows with more invalid
// than verified labels first, then by ascending hit count and age.
func (c *SemanticCache) maybeCleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var count int
	if err := c.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM semantic_cache`); err != nil {
		return
	}
	if count <= c.maxEntries {
		return
	}

	toRemove := count - c.maxEntries + cleanupSlack
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM semantic_cache WHERE id IN (
			SELECT id FROM semantic_cache
			ORDER BY
				(CASE WHEN invalid_count > verified_count THEN 0 ELSE 1 END),
				hit_count ASC,
				created_at ASC
			LIMIT ?
		)`, toRemove)
	if err != nil {
		c.logger.Warn("capacity cleanup failed", map[string]interface{}{"error": err})
	}
}

// contextSimilarity blends Jaccard key overlap with the exact-value match
// ratio on the shared keys, each weighted one half.
func contextSimilarity(a, b models.RequestContext) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}

	intersection := 0
	valueMatches := 0
	for k, av := range a {
		if bv, ok := b[k]; ok {
			intersection++
			if av == bv {
				valueMatches++
			}
		}
	}
	union := len(a) + len(b) - intersection
	keySim := 0.0
	if union > 0 {
		keySim = float64(intersection) / float64(union)
	}
	if intersection == 0 {
		return keySim
	}
	valueSim := float64(valueMatches) / float64(intersection)
	return 0.5*keySim + 0.5*valueSim
}

// Stats reports entry, hit, and risk aggregates.
func (c *SemanticCache) Stats(ctx context.Context) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total, hits int64
	var avgRisk sql.NullFloat64
	if err := c.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM semantic_cache`); err != nil {
		return nil, err
	}
	if err := c.db.GetContext(ctx, &hits, `SELECT COALESCE(SUM(hit_count), 0) FROM semantic_cache`); err != nil {
		return nil, err
	}
	if err := c.db.GetContext(ctx, &avgRisk, `SELECT AVG(risk_score) FROM semantic_cache`); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"total_entries":        total,
		"total_hits":           hits,
		"average_risk_score":   avgRisk.Float64,
		"similarity_threshold": c.threshold,
	}, nil
}

// Close releases the store's connection.
func (c *SemanticCache) Close() error {
	return c.db.Close()
}
