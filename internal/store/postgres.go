package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/openlift/openlift/internal/api"
)

// PostgresStore implements Store on Postgres. Save uses ON CONFLICT DO
// NOTHING so the first write for a run_id wins under the primary key.
//
// Schema:
//
//	CREATE TABLE scenario_runs (
//	  run_id VARCHAR(255) PRIMARY KEY,
//	  result JSONB NOT NULL,
//	  tags TEXT[] NOT NULL DEFAULT '{}',
//	  submitted_at TIMESTAMP NOT NULL,
//	  expires_at TIMESTAMP NOT NULL,
//	  created_at TIMESTAMP DEFAULT NOW()
//	);
//	CREATE INDEX idx_scenario_runs_expires ON scenario_runs(expires_at);
//	CREATE INDEX idx_scenario_runs_submitted ON scenario_runs(submitted_at DESC);
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a Postgres-backed run store.
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	// Test connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Save(ctx context.Context, result *api.ComparisonResult, ttl time.Duration) error {
	if result.RunID == "" {
		return fmt.Errorf("result has no run_id")
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	query := `
		INSERT INTO scenario_runs (run_id, result, submitted_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (run_id) DO NOTHING
	`
	_, err = p.pool.Exec(ctx, query, result.RunID, resultJSON, result.Timestamp, time.Now().Add(ttl))
	if err != nil {
		return fmt.Errorf("postgres insert failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Load(ctx context.Context, runID string) (*api.ComparisonResult, error) {
	query := `
		SELECT result, tags
		FROM scenario_runs
		WHERE run_id = $1 AND expires_at > NOW()
	`

	var resultJSON []byte
	var tags []string
	err := p.pool.QueryRow(ctx, query, runID).Scan(&resultJSON, &tags)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return nil, nil // not found or expired
		}
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}

	var result api.ComparisonResult
	if err := json.Unmarshal(resultJSON, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	result.Tags = tags
	return &result, nil
}

func (p *PostgresStore) List(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT run_id
		FROM scenario_runs
		WHERE expires_at > NOW()
		ORDER BY submitted_at DESC
		LIMIT $1
	`
	rows, err := p.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres query failed: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres scan failed: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) Tag(ctx context.Context, runID, tag string) error {
	query := `
		UPDATE scenario_runs
		SET tags = array_append(tags, $2)
		WHERE run_id = $1 AND expires_at > NOW() AND NOT ($2 = ANY(tags))
	`
	_, err := p.pool.Exec(ctx, query, runID, tag)
	if err != nil {
		return fmt.Errorf("postgres update failed: %w", err)
	}
	return nil
}

func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// CleanupExpired removes expired runs (for a maintenance cron job).
func (p *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM scenario_runs WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("postgres cleanup failed: %w", err)
	}
	return tag.RowsAffected(), nil
}
