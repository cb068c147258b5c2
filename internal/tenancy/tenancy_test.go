package tenancy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

type countingDirectory struct {
	inner Directory
	calls atomic.Int32
}

func (d *countingDirectory) Lookup(ctx context.Context, id string) (*Scope, error) {
	d.calls.Add(1)
	return d.inner.Lookup(ctx, id)
}

func testProfiles(t *testing.T) *catalog.ProfileTable {
	t.Helper()
	table, err := catalog.NewProfileTable(map[catalog.Tier]catalog.QuotaProfile{
		catalog.TierFree: {DailyRequests: 10},
		catalog.TierPro:  {DailyRequests: 1000},
	})
	require.NoError(t, err)
	return table
}

func TestStaticDirectory(t *testing.T) {
	ctx := context.Background()
	dir := NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierPro}, catalog.TierFree, 500)

	s, err := dir.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierPro, s.Tier)
	assert.Equal(t, int64(500), s.RateLimit)

	s, err = dir.Lookup(ctx, "someone-else")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierFree, s.Tier)

	_, err = dir.Lookup(ctx, "")
	assert.ErrorIs(t, err, ErrScopeNotFound)

	strict := NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierPro}, "", 0)
	_, err = strict.Lookup(ctx, "someone-else")
	assert.ErrorIs(t, err, ErrScopeNotFound)
}

func TestCachedDirectory_ReadThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	ctx := context.Background()

	backing := &countingDirectory{inner: NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierPro}, "", 0)}
	dir := NewCachedDirectory(backing, rdb)

	for i := 0; i < 3; i++ {
		s, err := dir.Lookup(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, catalog.TierPro, s.Tier)
	}
	assert.Equal(t, int32(1), backing.calls.Load())
	assert.True(t, mr.Exists("scope:acme"))

	mr.FastForward(DefaultCacheTTL + time.Second)
	_, err := dir.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(2), backing.calls.Load())

	require.NoError(t, dir.Invalidate(ctx, "acme"))
	assert.False(t, mr.Exists("scope:acme"))
}

func TestCachedDirectory_NotFoundIsNotCached(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})

	dir := NewCachedDirectory(NewStaticDirectory(nil, "", 0), rdb)
	_, err := dir.Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrScopeNotFound)
	assert.False(t, mr.Exists("scope:ghost"))
}

func TestCachedDirectory_RedisDownFallsThrough(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr(), MaxRetries: -1})
	mr.Close()

	dir := NewCachedDirectory(NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierPro}, "", 0), rdb)
	s, err := dir.Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierPro, s.Tier)
}

func TestResolver_MemoizesTier(t *testing.T) {
	ctx := context.Background()
	backing := &countingDirectory{inner: NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierPro}, catalog.TierFree, 0)}
	r := NewResolver(backing, testProfiles(t))

	p, err := r.Profile(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.DailyRequests)

	p, err = r.Profile(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.DailyRequests)
	assert.Equal(t, int32(1), backing.calls.Load())

	tier, err := r.Tier(ctx, "walk-in")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierFree, tier)

	r.Forget("acme")
	_, err = r.Tier(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int32(3), backing.calls.Load())
}

func TestResolver_UnknownTier(t *testing.T) {
	r := NewResolver(NewStaticDirectory(map[string]catalog.Tier{"acme": "platinum"}, "", 0), testProfiles(t))

	_, err := r.Profile(context.Background(), "acme")
	assert.ErrorIs(t, err, catalog.ErrUnknownTier)
}

func TestMiddleware(t *testing.T) {
	r := NewResolver(NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierPro}, "", 0), testProfiles(t))

	var gotScope, gotRequest string
	next := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotScope = GetScopeID(req.Context())
		gotRequest = GetRequestID(req.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := NewMiddleware(r, nil)(next)

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("GET", "/v1/usage", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
	})

	t.Run("unknown scope", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/usage", nil)
		req.Header.Set(ScopeHeader, "ghost")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("known scope", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/v1/usage", nil)
		req.Header.Set(ScopeHeader, "acme")
		req.Header.Set(RequestIDHeader, "req-1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "acme", gotScope)
		assert.Equal(t, "req-1", gotRequest)
		assert.Equal(t, "req-1", w.Header().Get(RequestIDHeader))
	})
}

type fakeRow struct {
	scope Scope
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 5 {
		return fmt.Errorf("scan: want 5 dest, got %d", len(dest))
	}
	*dest[0].(*string) = r.scope.ID
	*dest[1].(*string) = string(r.scope.Tier)
	*dest[2].(*int64) = r.scope.RateLimit
	*dest[3].(*bool) = r.scope.Active
	*dest[4].(*time.Time) = r.scope.CreatedAt
	return nil
}

type fakeDB struct {
	row      fakeRow
	execs    []string
	args     [][]any
	affected int64
}

func (db *fakeDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return db.row
}

func (db *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.execs = append(db.execs, sql)
	db.args = append(db.args, args)
	return pgconn.NewCommandTag(fmt.Sprintf("UPDATE %d", db.affected)), nil
}

func TestPostgresDirectory_Lookup(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	db := &fakeDB{row: fakeRow{scope: Scope{ID: "acme", Tier: catalog.TierEnterprise, RateLimit: 9000, Active: true, CreatedAt: created}}}

	s, err := NewPostgresDirectory(db).Lookup(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierEnterprise, s.Tier)
	assert.Equal(t, int64(9000), s.RateLimit)
	assert.True(t, created.Equal(s.CreatedAt))
}

func TestPostgresDirectory_LookupErrors(t *testing.T) {
	_, err := NewPostgresDirectory(&fakeDB{row: fakeRow{err: pgx.ErrNoRows}}).Lookup(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrScopeNotFound)

	boom := errors.New("connection reset")
	_, err = NewPostgresDirectory(&fakeDB{row: fakeRow{err: boom}}).Lookup(context.Background(), "acme")
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrScopeNotFound)
}

func TestPostgresDirectory_UpsertAndDeactivate(t *testing.T) {
	db := &fakeDB{affected: 1}
	dir := NewPostgresDirectory(db)
	ctx := context.Background()

	require.NoError(t, dir.Upsert(ctx, &Scope{ID: "acme", Tier: catalog.TierPro, RateLimit: 100, Active: true}))
	require.Len(t, db.args, 1)
	assert.Equal(t, []any{"acme", "pro", int64(100), true}, db.args[0])
	assert.Contains(t, db.execs[0], "ON CONFLICT (id)")

	require.NoError(t, dir.Deactivate(ctx, "acme"))

	db.affected = 0
	assert.ErrorIs(t, dir.Deactivate(ctx, "ghost"), ErrScopeNotFound)
}

type failingDirectory struct{ err error }

func (f failingDirectory) Lookup(context.Context, string) (*Scope, error) { return nil, f.err }

func TestChain(t *testing.T) {
	ctx := context.Background()
	primary := NewStaticDirectory(map[string]catalog.Tier{"acme": catalog.TierEnterprise}, "", 0)
	fallback := NewStaticDirectory(nil, catalog.TierFree, 0)

	s, err := Chain{primary, fallback}.Lookup(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierEnterprise, s.Tier)

	s, err = Chain{primary, fallback}.Lookup(ctx, "walk-in")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierFree, s.Tier)

	_, err = Chain{primary}.Lookup(ctx, "walk-in")
	assert.ErrorIs(t, err, ErrScopeNotFound)

	boom := errors.New("postgres down")
	_, err = Chain{failingDirectory{err: boom}, fallback}.Lookup(ctx, "walk-in")
	assert.ErrorIs(t, err, boom)
}
