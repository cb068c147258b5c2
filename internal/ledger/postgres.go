package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const Schema = `
CREATE TABLE IF NOT EXISTS usage_windows (
	scope         TEXT             NOT NULL,
	granularity   TEXT             NOT NULL,
	period_key    TEXT             NOT NULL,
	request_count BIGINT           NOT NULL DEFAULT 0,
	token_count   BIGINT           NOT NULL DEFAULT 0,
	cost_accrued  DOUBLE PRECISION NOT NULL DEFAULT 0,
	last_updated  TIMESTAMPTZ      NOT NULL,
	PRIMARY KEY (scope, granularity, period_key)
)`

// PostgresStore applies every increment as one INSERT ... ON CONFLICT
// statement, which Postgres executes atomically across all listed rows.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create usage_windows: %w", err)
	}
	return nil
}

func buildUpsert(keys []WindowKey, d Delta, at time.Time) (string, []any) {
	var b strings.Builder
	b.WriteString(`INSERT INTO usage_windows
		(scope, granularity, period_key, request_count, token_count, cost_accrued, last_updated)
		VALUES `)

	args := []any{d.Requests, d.Tokens, d.CostUSD, at.UTC()}
	for i, k := range keys {
		if i > 0 {
			b.WriteString(", ")
		}
		n := len(args)
		fmt.Fprintf(&b, "($%d, $%d, $%d, $1, $2, $3, $4)", n+1, n+2, n+3)
		args = append(args, k.Scope, string(k.Granularity), k.PeriodKey)
	}

	b.WriteString(`
		ON CONFLICT (scope, granularity, period_key) DO UPDATE SET
			request_count = usage_windows.request_count + EXCLUDED.request_count,
			token_count   = usage_windows.token_count + EXCLUDED.token_count,
			cost_accrued  = usage_windows.cost_accrued + EXCLUDED.cost_accrued,
			last_updated  = GREATEST(usage_windows.last_updated, EXCLUDED.last_updated)`)
	return b.String(), args
}

func (s *PostgresStore) Increment(ctx context.Context, keys []WindowKey, d Delta, at time.Time) error {
	if len(keys) == 0 {
		return nil
	}
	query, args := buildUpsert(keys, d, at)
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert usage_windows: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, key WindowKey) (Window, bool, error) {
	query := `
		SELECT request_count, token_count, cost_accrued, last_updated
		FROM usage_windows
		WHERE scope = $1 AND granularity = $2 AND period_key = $3`

	w := Window{Key: key}
	err := s.db.QueryRow(ctx, query, key.Scope, string(key.Granularity), key.PeriodKey).Scan(
		&w.Usage.Requests, &w.Usage.Tokens, &w.Usage.CostUSD, &w.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Window{}, false, nil
	}
	if err != nil {
		return Window{}, false, fmt.Errorf("select usage_windows: %w", err)
	}
	return w, true, nil
}
