package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Store persists weekly rollups so they survive restarts.
type Store interface {
	// UpsertWeekly writes absolute counter values for each row.
	UpsertWeekly(ctx context.Context, rows []WeeklyCounters) error

	// LoadWeekly returns rows whose week starts on or after since.
	LoadWeekly(ctx context.Context, since time.Time) ([]WeeklyCounters, error)

	// DeleteBefore removes rows whose week starts before cutoff.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Close() error
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host         string
	Port         int
	Database     string
	Username     string
	Password     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
	MaxLifetime  time.Duration
}

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens, pings and migrates the database.
func NewPostgresStore(ctx context.Context, config DatabaseConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		config.Host, config.Port, config.Username, config.Password, config.Database, config.SSLMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.MaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store, err := NewPostgresStoreWithDB(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB migrates an already-open database.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB) (*PostgresStore, error) {
	if err := createPostgresTable(ctx, db); err != nil {
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func createPostgresTable(ctx context.Context, db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS rag_weekly_telemetry (
		policy_id VARCHAR(200) NOT NULL,
		week_start DATE NOT NULL,
		requests BIGINT NOT NULL DEFAULT 0,
		errors BIGINT NOT NULL DEFAULT 0,
		interventions BIGINT NOT NULL DEFAULT 0,
		bypasses BIGINT NOT NULL DEFAULT 0,
		entities_redacted BIGINT NOT NULL DEFAULT 0,
		retries BIGINT NOT NULL DEFAULT 0,
		cache_hits BIGINT NOT NULL DEFAULT 0,
		cache_misses BIGINT NOT NULL DEFAULT 0,
		degraded BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
		PRIMARY KEY (policy_id, week_start)
	);

	CREATE INDEX IF NOT EXISTS idx_rag_weekly_telemetry_week_start ON rag_weekly_telemetry(week_start);
	`

	_, err := db.ExecContext(ctx, query)
	return err
}

func (p *PostgresStore) UpsertWeekly(ctx context.Context, rows []WeeklyCounters) error {
	if len(rows) == 0 {
		return nil
	}
	query := `
	INSERT INTO rag_weekly_telemetry (policy_id, week_start, requests, errors, interventions, bypasses,
		entities_redacted, retries, cache_hits, cache_misses, degraded, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
	ON CONFLICT (policy_id, week_start)
	DO UPDATE SET
		requests = EXCLUDED.requests,
		errors = EXCLUDED.errors,
		interventions = EXCLUDED.interventions,
		bypasses = EXCLUDED.bypasses,
		entities_redacted = EXCLUDED.entities_redacted,
		retries = EXCLUDED.retries,
		cache_hits = EXCLUDED.cache_hits,
		cache_misses = EXCLUDED.cache_misses,
		degraded = EXCLUDED.degraded,
		updated_at = NOW()
	`

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	for _, r := range rows {
		if _, err := tx.ExecContext(ctx, query, upsertArgs(r, r.WeekStart)...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to upsert %s/%s: %w", r.PolicyID, r.WeekStart.Format(time.DateOnly), err)
		}
	}
	return tx.Commit()
}

func upsertArgs(r WeeklyCounters, week any) []any {
	return []any{
		r.PolicyID, week, r.Requests, r.Errors, r.Interventions, r.Bypasses,
		r.EntitiesRedacted, r.Retries, r.CacheHits, r.CacheMisses, r.Degraded,
	}
}

func (p *PostgresStore) LoadWeekly(ctx context.Context, since time.Time) ([]WeeklyCounters, error) {
	query := `
	SELECT policy_id, week_start, requests, errors, interventions, bypasses,
		entities_redacted, retries, cache_hits, cache_misses, degraded
	FROM rag_weekly_telemetry
	WHERE week_start >= $1
	ORDER BY week_start DESC, policy_id
	`

	rows, err := p.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WeeklyCounters
	for rows.Next() {
		var r WeeklyCounters
		if err := rows.Scan(scanTargets(&r, &r.WeekStart)...); err != nil {
			return nil, err
		}
		r.WeekStart = r.WeekStart.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanTargets(r *WeeklyCounters, week any) []any {
	return []any{
		&r.PolicyID, week, &r.Requests, &r.Errors, &r.Interventions, &r.Bypasses,
		&r.EntitiesRedacted, &r.Retries, &r.CacheHits, &r.CacheMisses, &r.Degraded,
	}
}

func (p *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := p.db.ExecContext(ctx, `DELETE FROM rag_weekly_telemetry WHERE week_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}
