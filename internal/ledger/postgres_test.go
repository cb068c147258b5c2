package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.values) {
		return fmt.Errorf("scan: want %d values, got %d", len(r.values), len(dest))
	}
	for i, d := range dest {
		switch p := d.(type) {
		case *int64:
			*p = r.values[i].(int64)
		case *float64:
			*p = r.values[i].(float64)
		case *time.Time:
			*p = r.values[i].(time.Time)
		default:
			return fmt.Errorf("scan: unsupported dest %T", d)
		}
	}
	return nil
}

type fakeDB struct {
	execSQL  []string
	execArgs [][]any
	execErr  error
	row      fakeRow
	queryArg []any
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execSQL = append(db.execSQL, sql)
	db.execArgs = append(db.execArgs, args)
	return pgconn.NewCommandTag("INSERT 0 2"), db.execErr
}

func (db *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	db.queryArg = args
	return db.row
}

func TestPostgresStore_IncrementIsSingleStatement(t *testing.T) {
	db := &fakeDB{}
	s := NewPostgresStore(db)
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	keys := []WindowKey{
		{Scope: "acme", Granularity: Hour, PeriodKey: "2026-05-01T10"},
		{Scope: "acme", Granularity: Day, PeriodKey: "2026-05-01"},
	}

	require.NoError(t, s.Increment(context.Background(), keys, Delta{Requests: 1, Tokens: 42, CostUSD: 0.1}, at))

	require.Len(t, db.execSQL, 1)
	sql := db.execSQL[0]
	assert.Contains(t, sql, "($5, $6, $7, $1, $2, $3, $4), ($8, $9, $10, $1, $2, $3, $4)")
	assert.Contains(t, sql, "ON CONFLICT (scope, granularity, period_key) DO UPDATE")
	assert.Contains(t, sql, "request_count = usage_windows.request_count + EXCLUDED.request_count")
	assert.Equal(t, []any{int64(1), int64(42), 0.1, at, "acme", "hour", "2026-05-01T10", "acme", "day", "2026-05-01"}, db.execArgs[0])
}

func TestPostgresStore_IncrementError(t *testing.T) {
	db := &fakeDB{execErr: errors.New("connection reset")}
	s := NewPostgresStore(db)

	err := s.Increment(context.Background(), []WindowKey{{Scope: "acme", Granularity: Day, PeriodKey: "2026-05-01"}}, Delta{Requests: 1}, time.Now())
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresStore_Get(t *testing.T) {
	updated := time.Date(2026, 5, 1, 10, 5, 0, 0, time.UTC)
	db := &fakeDB{row: fakeRow{values: []any{int64(3), int64(300), 1.5, updated}}}
	s := NewPostgresStore(db)
	key := WindowKey{Scope: "acme", Granularity: Day, PeriodKey: "2026-05-01"}

	w, ok, err := s.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Usage{Requests: 3, Tokens: 300, CostUSD: 1.5}, w.Usage)
	assert.Equal(t, updated, w.LastUpdated)
	assert.Equal(t, []any{"acme", "day", "2026-05-01"}, db.queryArg)
}

func TestPostgresStore_GetMissing(t *testing.T) {
	s := NewPostgresStore(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}})

	_, ok, err := s.Get(context.Background(), WindowKey{Scope: "acme", Granularity: Hour, PeriodKey: "x"})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	db := &fakeDB{}
	require.NoError(t, NewPostgresStore(db).EnsureSchema(context.Background()))
	require.Len(t, db.execSQL, 1)
	assert.True(t, strings.Contains(db.execSQL[0], "PRIMARY KEY (scope, granularity, period_key)"))
}
