// Copyright 2026 The Healgate Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package journal persists finished heal results. The journal is the
// durable history behind the facade's recent-heals endpoint and the feed
// the external locator-patching workflow consumes; the applied flag
// tracks which healed locators have been folded back into test source.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // postgres driver
	_ "github.com/mattn/go-sqlite3"    // sqlite driver
	log "github.com/sirupsen/logrus"

	"github.com/healgate/healgate/internal/heal/types"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultRetentionDays = 90

// ErrNotFound is returned when an operation references a heal id the
// journal does not hold.
var ErrNotFound = errors.New("journal: heal record not found")

// Config selects and parameterizes the backing database.
type Config struct {
	// Driver is "sqlite" (default, local file) or "postgres"
	// (team-shared journal).
	Driver string

	// Path is the sqlite database file. Ignored for postgres.
	Path string

	// DSN is the postgres connection string. Ignored for sqlite.
	DSN string

	// RetentionDays bounds how long records are kept; Prune deletes
	// older rows. Zero means 90 days.
	RetentionDays int
}

// Entry is one journal row.
type Entry struct {
	ID              string                `json:"id"`
	CreatedAt       time.Time             `json:"created_at"`
	Outcome         string                `json:"outcome"`
	PageURL         string                `json:"page_url,omitempty"`
	OriginalLocator types.Locator         `json:"original_locator"`
	HealedLocator   string                `json:"healed_locator,omitempty"`
	Confidence      float64               `json:"confidence,omitempty"`
	Action          string                `json:"action,omitempty"`
	Provider        string                `json:"provider,omitempty"`
	Model           string                `json:"model,omitempty"`
	CostUSD         float64               `json:"cost_usd,omitempty"`
	DurationMs      int64                 `json:"duration_ms"`
	FailureReason   string                `json:"failure_reason,omitempty"`
	Source          *types.SourceLocation `json:"source,omitempty"`
	CacheHit        bool                  `json:"cache_hit,omitempty"`
	Applied         bool                  `json:"applied"`
}

// Store is a database/sql heal journal. The *sql.DB handle makes it safe
// for concurrent use without additional locking.
type Store struct {
	db            *sql.DB
	driver        string
	retentionDays int
}

// The pgx driver's default query mode rejects multi-statement strings,
// so the schema runs one statement at a time. Column types are chosen to
// carry the same meaning under both sqlite's type affinity and postgres.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS heal_journal (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		outcome TEXT NOT NULL,
		page_url TEXT,
		original_strategy TEXT NOT NULL,
		original_value TEXT NOT NULL,
		healed_locator TEXT,
		confidence DOUBLE PRECISION,
		action TEXT,
		provider TEXT,
		model TEXT,
		cost_usd DOUBLE PRECISION,
		duration_ms BIGINT,
		failure_reason TEXT,
		source_file TEXT,
		source_line INTEGER,
		source_code TEXT,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		applied INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_heal_journal_created_at ON heal_journal(created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_heal_journal_outcome ON heal_journal(outcome)`,
}

// Open connects to the configured database and ensures the schema
// exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver := cfg.Driver
	if driver == "" {
		driver = DriverSQLite
	}
	retention := cfg.RetentionDays
	if retention <= 0 {
		retention = defaultRetentionDays
	}

	var db *sql.DB
	var err error
	switch driver {
	case DriverSQLite:
		if cfg.Path == "" {
			return nil, fmt.Errorf("journal: sqlite path cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
			return nil, fmt.Errorf("journal: failed to create database directory: %w", err)
		}
		db, err = sql.Open("sqlite3", cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("journal: failed to open database: %w", err)
		}
		// SQLite works best with a single connection.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	case DriverPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("journal: postgres DSN cannot be empty")
		}
		db, err = sql.Open("pgx", cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("journal: failed to open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("journal: unknown driver %q", cfg.Driver)
	}

	s := &Store{db: db, driver: driver, retentionDays: retention}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"driver":         driver,
		"retention_days": retention,
	}).Info("Heal journal opened")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("journal: failed to create schema: %w", err)
		}
	}
	return nil
}

// Record inserts a finished heal result. SUGGESTED attempts store their
// withheld candidate in the healed_locator column; the applied flag
// tells the patching workflow the locator never executed.
func (s *Store) Record(ctx context.Context, result *types.HealResult) error {
	if result == nil {
		return fmt.Errorf("journal: result cannot be nil")
	}
	if result.ID == "" {
		return fmt.Errorf("journal: result has no id")
	}

	healed := result.HealedLocator
	if healed == "" {
		healed = result.SuggestedLocator
	}
	var srcFile, srcCode string
	var srcLine int
	if result.Source != nil {
		srcFile = result.Source.File
		srcLine = result.Source.Line
		srcCode = result.Source.Code
	}

	query := s.rebind(`
	INSERT INTO heal_journal (
		id, created_at, outcome, page_url, original_strategy, original_value,
		healed_locator, confidence, action, provider, model, cost_usd,
		duration_ms, failure_reason, source_file, source_line, source_code,
		cache_hit, applied
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)
	`)

	_, err := s.db.ExecContext(ctx, query,
		result.ID,
		result.CreatedAt,
		string(result.Outcome),
		result.PageURL,
		string(result.OriginalLocator.Strategy),
		result.OriginalLocator.Value,
		healed,
		result.Confidence,
		result.Action,
		result.Provider,
		result.Model,
		result.CostUSD,
		result.Duration.Milliseconds(),
		result.FailureReason,
		srcFile,
		srcLine,
		srcCode,
		boolToInt(result.CacheHit),
	)
	if err != nil {
		return fmt.Errorf("journal: failed to insert heal record: %w", err)
	}
	return nil
}

// Recent returns the newest entries, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	query := s.rebind(`
	SELECT id, created_at, outcome, page_url, original_strategy, original_value,
	       healed_locator, confidence, action, provider, model, cost_usd,
	       duration_ms, failure_reason, source_file, source_line, source_code,
	       cache_hit, applied
	FROM heal_journal
	ORDER BY created_at DESC
	LIMIT ?
	`)

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: failed to query heal records: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			log.Warnf("Failed to scan heal journal row: %v", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: error iterating heal records: %w", err)
	}
	return entries, nil
}

// MarkApplied flags a record once its healed locator has been written
// back into the test source. Returns ErrNotFound for unknown ids.
func (s *Store) MarkApplied(ctx context.Context, id string) error {
	query := s.rebind(`UPDATE heal_journal SET applied = 1 WHERE id = ?`)
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("journal: failed to mark record applied: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("journal: failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Prune deletes records older than the retention window and reports how
// many were removed. A non-positive retention falls back to the
// configured default.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = time.Duration(s.retentionDays) * 24 * time.Hour
	}
	cutoff := time.Now().Add(-retention)

	query := s.rebind(`DELETE FROM heal_journal WHERE created_at < ?`)
	result, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("journal: failed to prune heal records: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("journal: failed to read affected rows: %w", err)
	}
	if affected > 0 {
		log.Infof("Pruned %d heal records older than %s", affected, retention)
	}
	return affected, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("journal: failed to close database: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for the postgres driver; sqlite
// uses ? natively.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// scanEntry scans a database row into an Entry.
func scanEntry(rows *sql.Rows) (*Entry, error) {
	var e Entry
	var strategy, value string
	var pageURL, healed, action, provider, model, failureReason sql.NullString
	var srcFile, srcCode sql.NullString
	var srcLine, durationMs sql.NullInt64
	var confidence, cost sql.NullFloat64
	var cacheInt, appliedInt int

	err := rows.Scan(
		&e.ID,
		&e.CreatedAt,
		&e.Outcome,
		&pageURL,
		&strategy,
		&value,
		&healed,
		&confidence,
		&action,
		&provider,
		&model,
		&cost,
		&durationMs,
		&failureReason,
		&srcFile,
		&srcLine,
		&srcCode,
		&cacheInt,
		&appliedInt,
	)
	if err != nil {
		return nil, err
	}

	e.PageURL = pageURL.String
	e.OriginalLocator = types.Locator{Strategy: types.Strategy(strategy), Value: value}
	e.HealedLocator = healed.String
	e.Confidence = confidence.Float64
	e.Action = action.String
	e.Provider = provider.String
	e.Model = model.String
	e.CostUSD = cost.Float64
	e.DurationMs = durationMs.Int64
	e.FailureReason = failureReason.String
	if srcFile.Valid && srcFile.String != "" {
		e.Source = &types.SourceLocation{
			File: srcFile.String,
			Line: int(srcLine.Int64),
			Code: srcCode.String,
		}
	}
	e.CacheHit = cacheInt == 1
	e.Applied = appliedInt == 1
	return &e, nil
}

// boolToInt converts a boolean to an integer (0 or 1).
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
