// Package retrieval provides the BM25 keyword index used for the router's
// cache fast path: a SQLite FTS5 table over past query/response pairs.
package retrieval

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/gateway/pkg/observability"
)

const (
	// DefaultMinScore filters weak keyword matches.
	DefaultMinScore = 0.5
	// FastPathThreshold is the score above which the router treats a
	// match as a cache candidate.
	FastPathThreshold = 0.9

	// an index hit above this score counts as a duplicate on insert
	duplicateThreshold = 0.98

	// stored responses are truncated to keep the index light
	maxIndexedResponse = 2000

	maxSearchTerms = 10
)

const bm25Schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS query_index USING fts5(
	query,
	response,
	context,
	tokenize='porter unicode61'
);
CREATE TABLE IF NOT EXISTS query_meta (
	rowid INTEGER PRIMARY KEY,
	created_at INTEGER,
	hit_count INTEGER DEFAULT 0,
	last_hit_at INTEGER
);
`

// BM25Index is a keyword search index over past query/response pairs.
type BM25Index struct {
	db     *sqlx.DB
	mu     sync.Mutex
	logger observability.Logger
	now    func() time.Time
}

// NewBM25Index opens (and initialises) the index at dbPath. Requires a
// SQLite build with FTS5.
func NewBM25Index(dbPath string, logger observability.Logger) (*BM25Index, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open bm25 index: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(bm25Schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bm25 schema: %w", err)
	}
	return &BM25Index{
		db:     db,
		logger: logger.WithPrefix("bm25"),
		now:    time.Now,
	}, nil
}

// Result is a single BM25 match. Score is normalised to [0, 1].
type Result struct {
	RowID    int64
	Query    string
	Response string
	Score    float64
}

// Search runs a BM25 ranked keyword search. Scores are the absolute FTS5
// rank divided by 10 and clamped to 1; results below minScore are
// dropped. Search errors degrade to an empty result, never an error: the
// fast path is an optimisation, not a dependency.
func (b *BM25Index) Search(ctx context.Context, query string, topK int, minScore float64) []Result {
	escaped := escapeFTSQuery(query)

	b.mu.Lock()
	rows, err := b.db.QueryContext(ctx,
		`SELECT rowid, query, response, bm25(query_index) AS score
		 FROM query_index
		 WHERE query_index MATCH ?
		 ORDER BY score
		 LIMIT ?`, escaped, topK)
	b.mu.Unlock()
	if err != nil {
		b.logger.Warn("search failed", map[string]interface{}{"error": err})
		return nil
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var r Result
		var raw float64
		if err := rows.Scan(&r.RowID, &r.Query, &r.Response, &raw); err != nil {
			continue
		}
		// FTS5 bm25() ranks are negative, lower is better
		if raw < 0 {
			raw = -raw
		}
		r.Score = raw / 10.0
		if r.Score > 1.0 {
			r.Score = 1.0
		}
		if r.Score >= minScore {
			results = append(results, r)
		}
	}
	return results
}

// Index stores a query/response pair. Re-indexing a known query bumps
// its hit count instead of inserting a new row, as does a near-duplicate
// scoring above the threshold.
func (b *BM25Index) Index(ctx context.Context, query, response, contextText string) error {
	now := b.now().Unix()

	// The BM25 score of an identical query stays low on a small corpus,
	// so exact re-index is checked by text before the score-based path.
	b.mu.Lock()
	var rowid int64
	err := b.db.GetContext(ctx, &rowid,
		`SELECT rowid FROM query_index WHERE query = ? LIMIT 1`, query)
	if err == nil {
		_, err = b.db.ExecContext(ctx,
			`UPDATE query_meta SET hit_count = hit_count + 1, last_hit_at = ? WHERE rowid = ?`,
			now, rowid)
		b.mu.Unlock()
		return err
	}
	b.mu.Unlock()
	if err != sql.ErrNoRows {
		b.logger.Warn("duplicate lookup failed", map[string]interface{}{"error": err})
	}

	if existing := b.Search(ctx, query, 1, 0.95); len(existing) > 0 && existing[0].Score > duplicateThreshold {
		b.mu.Lock()
		defer b.mu.Unlock()
		_, err := b.db.ExecContext(ctx,
			`UPDATE query_meta SET hit_count = hit_count + 1, last_hit_at = ? WHERE rowid = ?`,
			now, existing[0].RowID)
		return err
	}

	if len(response) > maxIndexedResponse {
		response = response[:maxIndexedResponse]
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	res, err := b.db.ExecContext(ctx,
		`INSERT INTO query_index (query, response, context) VALUES (?, ?, ?)`,
		query, response, contextText)
	if err != nil {
		return fmt.Errorf("bm25 index insert: %w", err)
	}
	rowid, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("bm25 index rowid: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`INSERT INTO query_meta (rowid, created_at) VALUES (?, ?)`, rowid, now)
	if err != nil {
		return fmt.Errorf("bm25 meta insert: %w", err)
	}
	return nil
}

// FrequentQuery is a query ranked by index hit count.
type FrequentQuery struct {
	Query     string `json:"query"`
	Response  string `json:"response"`
	HitCount  int64  `json:"hit_count"`
	LastHitAt int64  `json:"last_hit_at"`
}

// FrequentQueries returns the most frequently hit entries. Responses are
// truncated to 200 characters for display.
func (b *BM25Index) FrequentQueries(ctx context.Context, limit int) ([]FrequentQuery, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	rows, err := b.db.QueryContext(ctx,
		`SELECT qi.query, qi.response, qm.hit_count, COALESCE(qm.last_hit_at, 0)
		 FROM query_index qi
		 JOIN query_meta qm ON qi.rowid = qm.rowid
		 ORDER BY qm.hit_count DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []FrequentQuery
	for rows.Next() {
		var fq FrequentQuery
		if err := rows.Scan(&fq.Query, &fq.Response, &fq.HitCount, &fq.LastHitAt); err != nil {
			return nil, err
		}
		if len(fq.Response) > 200 {
			fq.Response = fq.Response[:200] + "..."
		}
		out = append(out, fq)
	}
	return out, rows.Err()
}

// Stats reports entry and hit totals.
func (b *BM25Index) Stats(ctx context.Context) (map[string]int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var total int64
	if err := b.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM query_index`); err != nil {
		return nil, err
	}
	var hits sql.NullInt64
	if err := b.db.GetContext(ctx, &hits, `SELECT SUM(hit_count) FROM query_meta`); err != nil {
		return nil, err
	}
	return map[string]int64{
		"indexed_queries": total,
		"total_hits":      hits.Int64,
	}, nil
}

// Cleanup evicts stale or never-hit entries once the index exceeds
// maxEntries, preferring low hit counts and age, then drops orphaned
// metadata rows.
func (b *BM25Index) Cleanup(ctx context.Context, maxEntries int, maxAge time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var count int
	if err := b.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM query_index`); err != nil {
		return err
	}
	if count <= maxEntries {
		return nil
	}

	toRemove := count - maxEntries + 100
	cutoff := b.now().Add(-maxAge).Unix()

	_, err := b.db.ExecContext(ctx,
		`DELETE FROM query_index WHERE rowid IN (
			SELECT qi.rowid FROM query_index qi
			JOIN query_meta qm ON qi.rowid = qm.rowid
			WHERE qm.created_at < ? OR qm.hit_count = 0
			ORDER BY qm.hit_count ASC, qm.created_at ASC
			LIMIT ?
		)`, cutoff, toRemove)
	if err != nil {
		return fmt.Errorf("bm25 cleanup: %w", err)
	}
	_, err = b.db.ExecContext(ctx,
		`DELETE FROM query_meta WHERE rowid NOT IN (SELECT rowid FROM query_index)`)
	return err
}

// Close releases the index's connection.
func (b *BM25Index) Close() error {
	return b.db.Close()
}

// escapeFTSQuery strips FTS5 operator characters and rebuilds the query
// as an OR of quoted terms. Terms of one or two characters and the
// AND/OR/NOT keywords are dropped; the term list is capped at ten.
func escapeFTSQuery(query string) string {
	replacer := strings.NewReplacer(
		`"`, " ", "*", " ", "^", " ", ":", " ",
		"(", " ", ")", " ", "[", " ", "]", " ",
		"{", " ", "}", " ", "|", " ", `\`, " ", "/", " ",
	)
	cleaned := replacer.Replace(query)

	var terms []string
	for _, w := range strings.Fields(cleaned) {
		if len(w) <= 2 {
			continue
		}
		switch strings.ToUpper(w) {
		case "AND", "OR", "NOT":
			continue
		}
		terms = append(terms, `"`+w+`"`)
		if len(terms) == maxSearchTerms {
			break
		}
	}
	if len(terms) == 0 {
		return `""`
	}
	return strings.Join(terms, " OR ")
}
