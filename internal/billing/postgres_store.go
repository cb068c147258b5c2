package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const Schema = `
CREATE TABLE IF NOT EXISTS usage_logs (
	id            UUID             PRIMARY KEY,
	request_id    TEXT             NOT NULL,
	scope         TEXT             NOT NULL,
	backend_id    TEXT             NOT NULL,
	model         TEXT             NOT NULL DEFAULT '',
	est_tokens    BIGINT           NOT NULL DEFAULT 0,
	actual_tokens BIGINT           NOT NULL DEFAULT 0,
	cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
	allowed       BOOLEAN          NOT NULL,
	outcome       TEXT             NOT NULL,
	reason        TEXT             NOT NULL DEFAULT '',
	latency_ms    BIGINT           NOT NULL DEFAULT 0,
	created_at    TIMESTAMPTZ      NOT NULL
);
CREATE INDEX IF NOT EXISTS usage_logs_scope_created_at ON usage_logs (scope, created_at)`

type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create usage_logs: %w", err)
	}
	return nil
}

// LogUsage only ever inserts; entries are never updated.
func (s *PostgresStore) LogUsage(ctx context.Context, log *UsageLog) error {
	query := `
		INSERT INTO usage_logs (id, request_id, scope, backend_id, model, est_tokens, actual_tokens,
			cost_usd, allowed, outcome, reason, latency_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err := s.db.Exec(ctx, query,
		log.ID, log.RequestID, log.Scope, log.BackendID, log.Model, log.EstTokens, log.ActualTokens,
		log.CostUSD, log.Allowed, string(log.Outcome), log.Reason, log.LatencyMs, log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to log usage: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUsageByScope(ctx context.Context, scope string, from, to time.Time) ([]*UsageLog, error) {
	query := `
		SELECT id, request_id, scope, backend_id, model, est_tokens, actual_tokens,
			cost_usd, allowed, outcome, reason, latency_ms, created_at
		FROM usage_logs
		WHERE scope = $1 AND created_at BETWEEN $2 AND $3
		ORDER BY created_at DESC
	`
	rows, err := s.db.Query(ctx, query, scope, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage logs: %w", err)
	}
	defer rows.Close()

	var logs []*UsageLog
	for rows.Next() {
		var l UsageLog
		var outcome string
		err := rows.Scan(
			&l.ID, &l.RequestID, &l.Scope, &l.BackendID, &l.Model, &l.EstTokens, &l.ActualTokens,
			&l.CostUSD, &l.Allowed, &outcome, &l.Reason, &l.LatencyMs, &l.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan usage log: %w", err)
		}
		l.Outcome = Outcome(outcome)
		logs = append(logs, &l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating usage logs: %w", err)
	}

	return logs, nil
}

func (s *PostgresStore) GetTotalCostByScope(ctx context.Context, scope string, from, to time.Time) (float64, error) {
	query := `
		SELECT COALESCE(SUM(cost_usd), 0)
		FROM usage_logs
		WHERE scope = $1 AND outcome = 'success' AND created_at BETWEEN $2 AND $3
	`
	var total float64
	err := s.db.QueryRow(ctx, query, scope, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to get total cost: %w", err)
	}

	return total, nil
}
