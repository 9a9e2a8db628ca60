// Package cache implements the gateway's persistent response caches: an
// exact-match store keyed by canonical request digests and a semantic
// store searched by embedding similarity. Each store owns a single SQLite
// file and serialises access through one connection.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/gateway/pkg/models"
	"github.com/openclaw/gateway/pkg/observability"
)

const (
	// DefaultTTL is the exact-cache entry lifetime.
	DefaultTTL = 24 * time.Hour
	// DefaultMaxEntries bounds the exact cache row count.
	DefaultMaxEntries = 10000

	// cleanup deletes enough rows to land this many below the cap
	cleanupSlack = 100
)

const exactSchema = `
CREATE TABLE IF NOT EXISTS cache (
	cache_key TEXT PRIMARY KEY,
	response TEXT NOT NULL,
	usage_json TEXT,
	idempotency_key TEXT,
	created_at INTEGER NOT NULL,
	expires_at INTEGER NOT NULL,
	hit_count INTEGER DEFAULT 0,
	last_hit_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_idempotency ON cache(idempotency_key) WHERE idempotency_key IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_expires ON cache(expires_at);
`

// ExactCache is the exact-match response store.
type ExactCache struct {
	db         *sqlx.DB
	mu         sync.Mutex
	defaultTTL time.Duration
	maxEntries int
	logger     observability.Logger
	now        func() time.Time
}

// NewExactCache opens (and initialises) the store at dbPath.
func NewExactCache(dbPath string, logger observability.Logger) (*ExactCache, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open exact cache: %w", err)
	}
	// one connection: the store serialises all access itself
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(exactSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init exact cache schema: %w", err)
	}
	return &ExactCache{
		db:         db,
		defaultTTL: DefaultTTL,
		maxEntries: DefaultMaxEntries,
		logger:     logger.WithPrefix("exact_cache"),
		now:        time.Now,
	}, nil
}

// ComputeKey derives the cache key: SHA-256 over the canonical JSON of
// (messages, context). Message objects reduce to {role, content}; map keys
// are marshalled sorted, so insertion order never perturbs the key.
func ComputeKey(messages []models.Message, ctx models.RequestContext) string {
	var parts []string
	for _, m := range messages {
		// map marshalling sorts keys, which is the canonical form
		b, _ := json.Marshal(map[string]string{"role": m.Role, "content": m.Content})
		parts = append(parts, string(b))
	}
	if len(ctx) > 0 {
		b, _ := json.Marshal(ctx)
		parts = append(parts, string(b))
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// Entry is a cached response with its recorded usage.
type Entry struct {
	Response string
	Usage    *models.Usage
}

// Get returns the cached response for key, or nil when absent or expired.
// Hit counters are bumped asynchronously.
func (c *ExactCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	var row struct {
		Response  string         `db:"response"`
		UsageJSON sql.NullString `db:"usage_json"`
	}
	err := c.db.GetContext(ctx, &row,
		`SELECT response, usage_json FROM cache WHERE cache_key = ? AND expires_at > ?`, key, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("exact cache get: %w", err)
	}

	go c.bumpHit(key, now)

	entry := &Entry{Response: row.Response}
	if row.UsageJSON.Valid {
		var u models.Usage
		if err := json.Unmarshal([]byte(row.UsageJSON.String), &u); err == nil {
			entry.Usage = &u
		}
	}
	return entry, nil
}

func (c *ExactCache) bumpHit(key string, now int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.Exec(
		`UPDATE cache SET hit_count = hit_count + 1, last_hit_at = ? WHERE cache_key = ?`, now, key)
	if err != nil {
		c.logger.Warn("hit count update failed", map[string]interface{}{"error": err})
	}
}

// GetByIdempotencyKey returns the newest unexpired response stored under
// the given idempotency key.
func (c *ExactCache) GetByIdempotencyKey(ctx context.Context, idem string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	var row struct {
		Response  string         `db:"response"`
		UsageJSON sql.NullString `db:"usage_json"`
	}
	err := c.db.GetContext(ctx, &row,
		`SELECT response, usage_json FROM cache
		 WHERE idempotency_key = ? AND expires_at > ?
		 ORDER BY created_at DESC LIMIT 1`, idem, now)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("exact cache idempotency get: %w", err)
	}

	entry := &Entry{Response: row.Response}
	if row.UsageJSON.Valid {
		var u models.Usage
		if err := json.Unmarshal([]byte(row.UsageJSON.String), &u); err == nil {
			entry.Usage = &u
		}
	}
	return entry, nil
}

// SetOptions tunes a single Set call.
type SetOptions struct {
	TTL            time.Duration
	IdempotencyKey string
}

// Set upserts a response under key. Hit count resets to zero on replace.
func (c *ExactCache) Set(ctx context.Context, key, response string, usage *models.Usage, opts *SetOptions) error {
	c.mu.Lock()

	now := c.now().Unix()
	ttl := c.defaultTTL
	idem := sql.NullString{}
	if opts != nil {
		if opts.TTL > 0 {
			ttl = opts.TTL
		}
		if opts.IdempotencyKey != "" {
			idem = sql.NullString{String: opts.IdempotencyKey, Valid: true}
		}
	}

	usageJSON := sql.NullString{}
	if usage != nil {
		b, err := json.Marshal(usage)
		if err == nil {
			usageJSON = sql.NullString{String: string(b), Valid: true}
		}
	}

	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO cache
		 (cache_key, response, usage_json, idempotency_key, created_at, expires_at, hit_count, last_hit_at)
		 VALUES (?, ?, ?, ?, ?, ?, 0, NULL)`,
		key, response, usageJSON, idem, now, now+int64(ttl.Seconds()))
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("exact cache set: %w", err)
	}

	c.maybeCleanup(ctx)
	return nil
}

// Invalidate hard-deletes an entry.
func (c *ExactCache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE cache_key = ?`, key)
	return err
}

// maybeCleanup drops expired rows and enforces the entry cap. Best effort:
// failures are logged, never surfaced.
func (c *ExactCache) maybeCleanup(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	if _, err := c.db.ExecContext(ctx, `DELETE FROM cache WHERE expires_at < ?`, now); err != nil {
		c.logger.Warn("expired-row cleanup failed", map[string]interface{}{"error": err})
		return
	}

	var count int
	if err := c.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM cache`); err != nil {
		return
	}
	if count <= c.maxEntries {
		return
	}

	toRemove := count - c.maxEntries + cleanupSlack
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM cache WHERE cache_key IN (
			SELECT cache_key FROM cache
			ORDER BY last_hit_at ASC NULLS FIRST, created_at ASC
			LIMIT ?
		)`, toRemove)
	if err != nil {
		c.logger.Warn("capacity cleanup failed", map[string]interface{}{"error": err})
	}
}

// Stats reports entry and hit totals.
func (c *ExactCache) Stats(ctx context.Context) (map[string]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now().Unix()
	var total, active, hits int64
	if err := c.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM cache`); err != nil {
		return nil, err
	}
	if err := c.db.GetContext(ctx, &active, `SELECT COUNT(*) FROM cache WHERE expires_at > ?`, now); err != nil {
		return nil, err
	}
	if err := c.db.GetContext(ctx, &hits, `SELECT COALESCE(SUM(hit_count), 0) FROM cache`); err != nil {
		return nil, err
	}
	return map[string]int64{
		"total_entries":   total,
		"active_entries":  active,
		"expired_entries": total - active,
		"total_hits":      hits,
	}, nil
}

// Close releases the store's connection.
func (c *ExactCache) Close() error {
	return c.db.Close()
}
