package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store on a local SQLite file for single-instance
// deployments. Week starts are stored as YYYY-MM-DD text.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens path (":memory:" works for tests) and migrates it.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("db path cannot be empty")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps an in-memory database on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	schema := `
	CREATE TABLE IF NOT EXISTS rag_weekly_telemetry (
		policy_id TEXT NOT NULL,
		week_start TEXT NOT NULL,
		requests INTEGER NOT NULL DEFAULT 0,
		errors INTEGER NOT NULL DEFAULT 0,
		interventions INTEGER NOT NULL DEFAULT 0,
		bypasses INTEGER NOT NULL DEFAULT 0,
		entities_redacted INTEGER NOT NULL DEFAULT 0,
		retries INTEGER NOT NULL DEFAULT 0,
		cache_hits INTEGER NOT NULL DEFAULT 0,
		cache_misses INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (policy_id, week_start)
	);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) UpsertWeekly(ctx context.Context, rows []WeeklyCounters) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
	INSERT INTO rag_weekly_telemetry (policy_id, week_start, requests, errors, interventions, bypasses,
		entities_redacted, retries, cache_hits, cache_misses, degraded, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (policy_id, week_start) DO UPDATE SET
		requests = excluded.requests,
		errors = excluded.errors,
		interventions = excluded.interventions,
		bypasses = excluded.bypasses,
		entities_redacted = excluded.entities_redacted,
		retries = excluded.retries,
		cache_hits = excluded.cache_hits,
		cache_misses = excluded.cache_misses,
		degraded = excluded.degraded,
		updated_at = excluded.updated_at
	`

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	now := time.Now().Unix()
	for _, r := range rows {
		args := append(upsertArgs(r, r.WeekStart.UTC().Format(time.DateOnly)), now)
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert %s/%s: %w", r.PolicyID, r.WeekStart.Format(time.DateOnly), err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) LoadWeekly(ctx context.Context, since time.Time) ([]WeeklyCounters, error) {
	query := `
	SELECT policy_id, week_start, requests, errors, interventions, bypasses,
		entities_redacted, retries, cache_hits, cache_misses, degraded
	FROM rag_weekly_telemetry
	WHERE week_start >= ?
	ORDER BY week_start DESC, policy_id
	`
	rows, err := s.db.QueryContext(ctx, query, since.UTC().Format(time.DateOnly))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeeklyCounters
	for rows.Next() {
		var (
			r    WeeklyCounters
			week string
		)
		if err := rows.Scan(scanTargets(&r, &week)...); err != nil {
			return nil, err
		}
		if r.WeekStart, err = time.Parse(time.DateOnly, week); err != nil {
			return nil, fmt.Errorf("bad week_start %q: %w", week, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM rag_weekly_telemetry WHERE week_start < ?`, cutoff.UTC().Format(time.DateOnly))
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
