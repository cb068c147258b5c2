package admission

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/estimator"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
)

type fixedEstimator struct {
	mu    sync.Mutex
	est   estimator.Estimate
	calls int
}

func (f *fixedEstimator) Estimate(string, string) estimator.Estimate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.est
}

type staticProfiles struct {
	profile catalog.QuotaProfile
	err     error
}

func (s staticProfiles) Profile(context.Context, string) (catalog.QuotaProfile, error) {
	return s.profile, s.err
}

type recordingObserver struct {
	codes []string
}

func (r *recordingObserver) ObserveDecision(code string, _ bool) {
	r.codes = append(r.codes, code)
}

type failingReader struct{}

func (failingReader) CurrentUsage(context.Context, string, ledger.Granularity) (ledger.Usage, error) {
	return ledger.Usage{}, errors.New("redis: connection refused")
}

var freeTier = catalog.QuotaProfile{
	MaxTokensPerRequest:    4000,
	MaxCostPerRequest:      0.05,
	HourlyRequests:         20,
	HourlyTokens:           40000,
	HourlyCost:             0.5,
	DailyRequests:          50,
	DailyTokens:            200000,
	DailyCost:              1.0,
	BreakerThreshold:       0.95,
	BreakerCooldownMinutes: 60,
}

type fixture struct {
	gate     *Gate
	est      *fixedEstimator
	store    *ledger.MemoryStore
	ledger   *ledger.Ledger
	breaker  *breaker.Breaker
	observer *recordingObserver
	now      time.Time
}

func newFixture(t *testing.T, profile catalog.QuotaProfile, est estimator.Estimate) *fixture {
	t.Helper()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	f := &fixture{
		est:      &fixedEstimator{est: est},
		store:    ledger.NewMemoryStore(),
		observer: &recordingObserver{},
		now:      now,
	}
	f.ledger = ledger.New(f.store, ledger.WithClock(clock))
	f.breaker = breaker.New(breaker.NewMemoryStore(), breaker.WithClock(clock))
	f.gate = NewGate(f.est, f.ledger, f.breaker, staticProfiles{profile: profile}, WithObserver(f.observer))
	return f
}

func (f *fixture) commit(t *testing.T, n int, tokens int64, cost float64) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, f.ledger.Commit(context.Background(), "acme", tokens, cost))
	}
}

func TestGate_AllowsWithinLimits(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 100, CostUSD: 0.001})

	d, err := f.gate.Evaluate(context.Background(), "acme", "hello", "general")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, CodeOK, d.Code)
	assert.Equal(t, "OK", d.Reason)
	require.NotNil(t, d.Projected.Daily)
	assert.Equal(t, int64(1), d.Projected.Daily.Requests)
	assert.Equal(t, []string{"OK"}, f.observer.codes)
}

func TestGate_FiftyFirstFreeRequestDenied(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10, CostUSD: 0.0001})
	profile := freeTier
	profile.HourlyRequests = 0
	f.gate.profiles = staticProfiles{profile: profile}
	f.commit(t, 50, 10, 0.0001)

	d, err := f.gate.Evaluate(context.Background(), "acme", "hello", "general")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeDailyRequests, d.Code)
	assert.Equal(t, KindQuotaExceeded, d.Kind)
	assert.Contains(t, d.Reason, "Daily request limit")
	assert.Equal(t, "Daily request limit reached (50/50)", d.Reason)
	require.NotNil(t, d.Current.Daily)
	assert.Equal(t, int64(50), d.Current.Daily.Requests)
}

func TestGate_BreakerOpenShortCircuits(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10})
	require.NoError(t, f.breaker.Trip(context.Background(), "acme", breaker.TriggerReliability, "backend down", 10))

	d, err := f.gate.Evaluate(context.Background(), "acme", "hello", "general")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeBreakerOpen, d.Code)
	assert.Equal(t, KindBreakerOpen, d.Kind)
	assert.Equal(t, "Breaker open: reliability: backend down", d.Reason)
	assert.Equal(t, 0, f.est.calls, "no estimation while the breaker is open")
	assert.Nil(t, d.Current.Hourly)
	assert.Nil(t, d.Current.Daily)
}

func TestGate_PerRequestCeilings(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 5000, CostUSD: 0.01})
	d, err := f.gate.Evaluate(context.Background(), "acme", "big", "general")
	require.NoError(t, err)
	assert.Equal(t, CodePerRequestTokens, d.Code)

	f = newFixture(t, freeTier, estimator.Estimate{Tokens: 100, CostUSD: 0.06})
	d, err = f.gate.Evaluate(context.Background(), "acme", "pricey", "general")
	require.NoError(t, err)
	assert.Equal(t, CodePerRequestCost, d.Code)
	assert.Nil(t, d.Current.Hourly, "ledger is not read for per-request denials")
	assert.Nil(t, d.Projected.Daily)

	body, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Contains(t, string(body), `"current":{}`)
}

func TestGate_HourlyTokenCeiling(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 3000, CostUSD: 0.001})
	f.commit(t, 13, 3000, 0.001)

	d, err := f.gate.Evaluate(context.Background(), "acme", "more", "general")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeHourlyTokens, d.Code)
	require.NotNil(t, d.Projected.Hourly)
	assert.Equal(t, int64(39000+3000), d.Projected.Hourly.Tokens)
	assert.Nil(t, d.Current.Daily, "daily window is not read after an hourly denial")
}

func TestGate_ProjectedExactlyAtLimitIsAllowed(t *testing.T) {
	profile := catalog.QuotaProfile{DailyRequests: 3, BreakerThreshold: 0.95, BreakerCooldownMinutes: 60}
	f := newFixture(t, profile, estimator.Estimate{Tokens: 1})
	f.commit(t, 2, 1, 0)

	d, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_ThresholdTripsAtEquality(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10, CostUSD: 0.05})
	profile := freeTier
	profile.HourlyCost = 0
	f.gate.profiles = staticProfiles{profile: profile}
	f.commit(t, 18, 10, 0.05) // 0.90 spent

	d, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, CodeBudgetThreshold, d.Code)
	assert.Equal(t, KindBreakerOpen, d.Kind)

	open, reason, err := f.breaker.IsOpen(context.Background(), "acme")
	require.NoError(t, err)
	assert.True(t, open)
	assert.Contains(t, reason, "budget: Daily budget threshold reached")

	d, err = f.gate.Evaluate(context.Background(), "acme", "x", "general")
	require.NoError(t, err)
	assert.Equal(t, CodeBreakerOpen, d.Code)
}

func TestGate_BelowThresholdAllowed(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10, CostUSD: 0.05})
	profile := freeTier
	profile.HourlyCost = 0
	f.gate.profiles = staticProfiles{profile: profile}
	f.commit(t, 17, 10, 0.05) // 0.85 spent, projected 0.90

	d, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	open, _, err := f.breaker.IsOpen(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, open)
}

func TestGate_EvaluateNeverWritesUsage(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10, CostUSD: 0.001})
	f.commit(t, 3, 10, 0.001)
	before, err := f.ledger.Snapshot(context.Background(), "acme")
	require.NoError(t, err)
	windows := f.store.Len()

	for i := 0; i < 25; i++ {
		_, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
		require.NoError(t, err)
		_, err = f.gate.Evaluate(context.Background(), "fresh-scope", "x", "general")
		require.NoError(t, err)
	}

	after, err := f.ledger.Snapshot(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, windows, f.store.Len())
}

func TestGate_ZeroCeilingsMeanUnlimited(t *testing.T) {
	profile := catalog.QuotaProfile{BreakerThreshold: 0.95, BreakerCooldownMinutes: 60}
	f := newFixture(t, profile, estimator.Estimate{Tokens: 1 << 20, CostUSD: 500})
	f.commit(t, 100, 1<<20, 500)

	d, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestGate_FailsClosedOnStorageError(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10})
	f.gate.usage = failingReader{}

	d, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
	assert.ErrorContains(t, err, "connection refused")
	assert.False(t, d.Allowed)
}

func TestGate_UnknownTierFailsClosed(t *testing.T) {
	f := newFixture(t, freeTier, estimator.Estimate{Tokens: 10})
	f.gate.profiles = staticProfiles{err: catalog.ErrUnknownTier}

	_, err := f.gate.Evaluate(context.Background(), "acme", "x", "general")
	assert.ErrorIs(t, err, catalog.ErrUnknownTier)
}
