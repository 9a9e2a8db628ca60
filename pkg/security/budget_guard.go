package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/openclaw/gateway/pkg/observability"
)

// BudgetLevel is the progressive budget state.
type BudgetLevel string

const (
	BudgetNormal BudgetLevel = "normal"
	BudgetSoft   BudgetLevel = "soft"
	BudgetMedium BudgetLevel = "medium"
	BudgetHard   BudgetLevel = "hard"
)

const budgetSchema = `
CREATE TABLE IF NOT EXISTS spending (
	date TEXT PRIMARY KEY,
	total_cost REAL DEFAULT 0,
	request_count INTEGER DEFAULT 0,
	cheap_cost REAL DEFAULT 0,
	premium_cost REAL DEFAULT 0,
	cache_hits INTEGER DEFAULT 0
);
CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp TEXT NOT NULL,
	date TEXT NOT NULL,
	cost REAL NOT NULL,
	tier TEXT,
	model TEXT,
	tokens_in INTEGER,
	tokens_out INTEGER
);
`

// BudgetGuard tracks daily spend in SQLite and enforces progressive
// limits: soft warns, medium blocks premium, hard blocks everything.
type BudgetGuard struct {
	db *sqlx.DB
	mu sync.Mutex

	softLimit   float64
	mediumLimit float64
	hardLimit   float64

	logger observability.Logger
	now    func() time.Time
}

// NewBudgetGuard opens (and initialises) the spend store at dbPath.
func NewBudgetGuard(dbPath string, soft, medium, hard float64, logger observability.Logger) (*BudgetGuard, error) {
	db, err := sqlx.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open budget store: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(budgetSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init budget schema: %w", err)
	}
	return &BudgetGuard{
		db:          db,
		softLimit:   soft,
		mediumLimit: medium,
		hardLimit:   hard,
		logger:      logger.WithPrefix("budget_guard"),
		now:         time.Now,
	}, nil
}

func (g *BudgetGuard) today() string {
	return g.now().UTC().Format("2006-01-02")
}

// caller holds g.mu
func (g *BudgetGuard) ensureTodayLocked(ctx context.Context) (string, error) {
	today := g.today()
	_, err := g.db.ExecContext(ctx, `INSERT OR IGNORE INTO spending (date) VALUES (?)`, today)
	return today, err
}

// caller holds g.mu
func (g *BudgetGuard) dailySpentLocked(ctx context.Context) (float64, error) {
	today, err := g.ensureTodayLocked(ctx)
	if err != nil {
		return 0, err
	}
	var spent float64
	if err := g.db.GetContext(ctx, &spent,
		`SELECT total_cost FROM spending WHERE date = ?`, today); err != nil {
		return 0, err
	}
	return spent, nil
}

// BudgetDecision is the outcome of a budget check.
type BudgetDecision struct {
	Allowed     bool        `json:"allowed"`
	Level       BudgetLevel `json:"level"`
	Reason      string      `json:"reason"`
	DailySpent  float64     `json:"daily_spent"`
	Limit       float64     `json:"limit"`
	SuggestTier string      `json:"suggest_tier,omitempty"`
}

// Check decides whether a request with estimatedCost may proceed.
// Limits trip when the projected total strictly exceeds them; a request
// landing exactly on a limit still passes.
func (g *BudgetGuard) Check(ctx context.Context, estimatedCost float64, tier string) (BudgetDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	spent, err := g.dailySpentLocked(ctx)
	if err != nil {
		return BudgetDecision{}, fmt.Errorf("budget check: %w", err)
	}
	projected := spent + estimatedCost

	if projected > g.hardLimit {
		g.logger.Error("budget hard limit reached", map[string]interface{}{
			"spent": spent, "limit": g.hardLimit,
		})
		return BudgetDecision{
			Allowed:    false,
			Level:      BudgetHard,
			Reason:     fmt.Sprintf("Daily budget exceeded ($%.2f/$%.2f)", spent, g.hardLimit),
			DailySpent: spent,
			Limit:      g.hardLimit,
		}, nil
	}

	if projected > g.mediumLimit && tier == "premium" {
		g.logger.Warn("budget medium limit, blocking premium", map[string]interface{}{"spent": spent})
		return BudgetDecision{
			Allowed:     false,
			Level:       BudgetMedium,
			Reason:      fmt.Sprintf("Premium blocked (budget $%.2f/$%.2f)", spent, g.mediumLimit),
			DailySpent:  spent,
			Limit:       g.mediumLimit,
			SuggestTier: "cheap",
		}, nil
	}

	if projected > g.softLimit {
		g.logger.Info("budget soft limit reached", map[string]interface{}{"spent": spent})
		return BudgetDecision{
			Allowed:    true,
			Level:      BudgetSoft,
			Reason:     fmt.Sprintf("Approaching limit ($%.2f/$%.2f)", spent, g.softLimit),
			DailySpent: spent,
			Limit:      g.softLimit,
		}, nil
	}

	return BudgetDecision{
		Allowed:    true,
		Level:      BudgetNormal,
		Reason:     "Within budget",
		DailySpent: spent,
		Limit:      g.hardLimit,
	}, nil
}

// RecordSpend adds a completed request's actual cost to today's totals
// and appends a transaction row.
func (g *BudgetGuard) RecordSpend(ctx context.Context, cost float64, tier, model string, tokensIn, tokensOut int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	today, err := g.ensureTodayLocked(ctx)
	if err != nil {
		return fmt.Errorf("budget record: %w", err)
	}

	column := "premium_cost"
	if tier == "cheap" {
		column = "cheap_cost"
	}
	_, err = g.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE spending
		 SET total_cost = total_cost + ?, request_count = request_count + 1, %s = %s + ?
		 WHERE date = ?`, column, column),
		cost, cost, today)
	if err != nil {
		return fmt.Errorf("budget record: %w", err)
	}

	_, err = g.db.ExecContext(ctx,
		`INSERT INTO transactions (timestamp, date, cost, tier, model, tokens_in, tokens_out)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		g.now().UTC().Format(time.RFC3339), today, cost, tier, model, tokensIn, tokensOut)
	if err != nil {
		return fmt.Errorf("budget record transaction: %w", err)
	}

	g.logger.Debug("recorded spend", map[string]interface{}{
		"cost": fmt.Sprintf("$%.4f", cost),
		"tier": tier,
	})
	return nil
}

// RecordCacheHit bumps today's cache hit counter. Cache hits are free
// but tracked so savings show up in status.
func (g *BudgetGuard) RecordCacheHit(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	today, err := g.ensureTodayLocked(ctx)
	if err != nil {
		return err
	}
	_, err = g.db.ExecContext(ctx,
		`UPDATE spending SET cache_hits = cache_hits + 1 WHERE date = ?`, today)
	return err
}

// Status is the full daily budget snapshot.
type Status struct {
	Date         string             `json:"date"`
	DailySpent   float64            `json:"daily_spent"`
	RequestCount int64              `json:"request_count"`
	CheapCost    float64            `json:"cheap_cost"`
	PremiumCost  float64            `json:"premium_cost"`
	CacheHits    int64              `json:"cache_hits"`
	Level        BudgetLevel        `json:"level"`
	Limits       map[string]float64 `json:"limits"`
	Remaining    float64            `json:"remaining"`
	ResetIn      int64              `json:"reset_in_seconds"`
}

// GetStatus reports today's spend against the limits and the seconds
// until the UTC-midnight reset.
func (g *BudgetGuard) GetStatus(ctx context.Context) (Status, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	today, err := g.ensureTodayLocked(ctx)
	if err != nil {
		return Status{}, err
	}

	var row struct {
		TotalCost    float64 `db:"total_cost"`
		RequestCount int64   `db:"request_count"`
		CheapCost    float64 `db:"cheap_cost"`
		PremiumCost  float64 `db:"premium_cost"`
		CacheHits    int64   `db:"cache_hits"`
	}
	err = g.db.GetContext(ctx, &row,
		`SELECT total_cost, request_count, cheap_cost, premium_cost, cache_hits
		 FROM spending WHERE date = ?`, today)
	if err != nil {
		return Status{}, fmt.Errorf("budget status: %w", err)
	}

	level := BudgetNormal
	switch {
	case row.TotalCost >= g.hardLimit:
		level = BudgetHard
	case row.TotalCost >= g.mediumLimit:
		level = BudgetMedium
	case row.TotalCost >= g.softLimit:
		level = BudgetSoft
	}

	now := g.now().UTC()
	midnight := now.Truncate(24 * time.Hour).Add(24 * time.Hour)

	return Status{
		Date:         today,
		DailySpent:   row.TotalCost,
		RequestCount: row.RequestCount,
		CheapCost:    row.CheapCost,
		PremiumCost:  row.PremiumCost,
		CacheHits:    row.CacheHits,
		Level:        level,
		Limits: map[string]float64{
			"soft":   g.softLimit,
			"medium": g.mediumLimit,
			"hard":   g.hardLimit,
		},
		Remaining: g.hardLimit - row.TotalCost,
		ResetIn:   int64(midnight.Sub(now).Seconds()),
	}, nil
}

// DayRecord is one day of spending history.
type DayRecord struct {
	Date         string  `json:"date" db:"date"`
	TotalCost    float64 `json:"total_cost" db:"total_cost"`
	RequestCount int64   `json:"request_count" db:"request_count"`
	CheapCost    float64 `json:"cheap_cost" db:"cheap_cost"`
	PremiumCost  float64 `json:"premium_cost" db:"premium_cost"`
	CacheHits    int64   `json:"cache_hits" db:"cache_hits"`
}

// GetHistory returns up to days most recent daily records, newest first.
func (g *BudgetGuard) GetHistory(ctx context.Context, days int) ([]DayRecord, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []DayRecord
	err := g.db.SelectContext(ctx, &out,
		`SELECT date, total_cost, request_count, cheap_cost, premium_cost, cache_hits
		 FROM spending ORDER BY date DESC LIMIT ?`, days)
	if err != nil {
		return nil, fmt.Errorf("budget history: %w", err)
	}
	return out, nil
}

// AdjustLimits replaces any non-nil limit. The soft ≤ medium ≤ hard
// ordering must hold on the resulting set.
func (g *BudgetGuard) AdjustLimits(soft, medium, hard *float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	newSoft, newMedium, newHard := g.softLimit, g.mediumLimit, g.hardLimit
	if soft != nil {
		newSoft = *soft
	}
	if medium != nil {
		newMedium = *medium
	}
	if hard != nil {
		newHard = *hard
	}
	if newSoft > newMedium || newMedium > newHard {
		return fmt.Errorf("invalid limits: soft=%.2f medium=%.2f hard=%.2f", newSoft, newMedium, newHard)
	}

	g.softLimit, g.mediumLimit, g.hardLimit = newSoft, newMedium, newHard
	g.logger.Info("budget limits adjusted", map[string]interface{}{
		"soft": newSoft, "medium": newMedium, "hard": newHard,
	})
	return nil
}

// Close releases the store's connection.
func (g *BudgetGuard) Close() error {
	return g.db.Close()
}
