package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// opened_at is stored as unix nanoseconds so the compare-and-delete in Clear
// matches exactly.
const Schema = `
CREATE TABLE IF NOT EXISTS breaker_states (
	scope            TEXT    NOT NULL,
	trigger          TEXT    NOT NULL,
	opened_at_ns     BIGINT  NOT NULL,
	cooldown_minutes INTEGER NOT NULL,
	reason           TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (scope, trigger)
)`

type PostgresStore struct {
	db DB
}

var _ StateStore = (*PostgresStore)(nil)

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("create breaker_states: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, scope string, trigger Trigger) (*State, error) {
	query := `
		SELECT opened_at_ns, cooldown_minutes, reason
		FROM breaker_states
		WHERE scope = $1 AND trigger = $2`

	var openedAt int64
	st := State{Scope: scope, Trigger: trigger}
	err := s.db.QueryRow(ctx, query, scope, string(trigger)).Scan(&openedAt, &st.CooldownMinutes, &st.Reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st.OpenedAt = time.Unix(0, openedAt).UTC()
	return &st, nil
}

func (s *PostgresStore) Put(ctx context.Context, st State) error {
	query := `
		INSERT INTO breaker_states (scope, trigger, opened_at_ns, cooldown_minutes, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (scope, trigger) DO UPDATE SET
			opened_at_ns = EXCLUDED.opened_at_ns,
			cooldown_minutes = EXCLUDED.cooldown_minutes,
			reason = EXCLUDED.reason`

	_, err := s.db.Exec(ctx, query, st.Scope, string(st.Trigger), st.OpenedAt.UnixNano(), st.CooldownMinutes, st.Reason)
	return err
}

func (s *PostgresStore) Clear(ctx context.Context, scope string, trigger Trigger, openedAt time.Time) error {
	query := `DELETE FROM breaker_states WHERE scope = $1 AND trigger = $2 AND opened_at_ns = $3`
	_, err := s.db.Exec(ctx, query, scope, string(trigger), openedAt.UnixNano())
	return err
}
