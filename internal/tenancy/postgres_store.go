package tenancy

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const Schema = `
CREATE TABLE IF NOT EXISTS scopes (
	id         TEXT PRIMARY KEY,
	tier       TEXT        NOT NULL,
	rate_limit BIGINT      NOT NULL DEFAULT 0,
	active     BOOLEAN     NOT NULL DEFAULT true,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

type PostgresDirectory struct {
	db DB
}

var _ Directory = (*PostgresDirectory)(nil)

func NewPostgresDirectory(db DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) EnsureSchema(ctx context.Context) error {
	if _, err := d.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create scopes: %w", err)
	}
	return nil
}

func (d *PostgresDirectory) Lookup(ctx context.Context, id string) (*Scope, error) {
	query := `
		SELECT id, tier, rate_limit, active, created_at
		FROM scopes
		WHERE id = $1 AND active = true
	`
	var s Scope
	var tier string
	err := d.db.QueryRow(ctx, query, id).Scan(&s.ID, &tier, &s.RateLimit, &s.Active, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScopeNotFound
		}
		return nil, fmt.Errorf("lookup scope %s: %w", id, err)
	}
	s.Tier = catalog.Tier(tier)
	return &s, nil
}

// Upsert creates the scope or updates its tier and rate limit.
func (d *PostgresDirectory) Upsert(ctx context.Context, s *Scope) error {
	query := `
		INSERT INTO scopes (id, tier, rate_limit, active)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET tier = EXCLUDED.tier, rate_limit = EXCLUDED.rate_limit, active = EXCLUDED.active
	`
	_, err := d.db.Exec(ctx, query, s.ID, string(s.Tier), s.RateLimit, s.Active)
	return err
}

func (d *PostgresDirectory) Deactivate(ctx context.Context, id string) error {
	tag, err := d.db.Exec(ctx, `UPDATE scopes SET active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrScopeNotFound
	}
	return nil
}
