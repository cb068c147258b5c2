package estimator

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

// runeEncoder counts runes so expected token counts are obvious.
type runeEncoder struct{}

func (runeEncoder) Count(text string) int { return utf8.RuneCountInString(text) }

type panicEncoder struct{}

func (panicEncoder) Count(string) int { panic("boom") }

type fakeFactory struct {
	mu     sync.Mutex
	calls  map[string]int
	broken map[string]bool
	panics map[string]bool
}

func newFakeFactory(broken ...string) *fakeFactory {
	f := &fakeFactory{calls: map[string]int{}, broken: map[string]bool{}, panics: map[string]bool{}}
	for _, b := range broken {
		f.broken[b] = true
	}
	return f
}

func (f *fakeFactory) build(name string) (Encoder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[name]++
	if f.broken[name] {
		return nil, errors.New("ranks unavailable")
	}
	if f.panics[name] {
		return panicEncoder{}, nil
	}
	return runeEncoder{}, nil
}

func (f *fakeFactory) count(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[name]
}

func testRegistry(t *testing.T) *catalog.Registry {
	t.Helper()
	r, err := catalog.NewRegistry([]catalog.BackendProfile{
		{ID: "general", Kind: catalog.KindOpenAI, Model: "gpt-4o-mini", CostPer1K: 2},
		{ID: "legacy", Kind: catalog.KindOpenAI, Model: "gpt-4-turbo", CostPer1K: 10},
		{ID: "sonnet", Kind: catalog.KindClaude, Model: "claude-3-5-sonnet", CostPer1K: 3},
		{ID: "local", Kind: catalog.KindOpenAI, Model: "qwen2", CostPer1K: 0},
	})
	require.NoError(t, err)
	return r
}

func newTestEstimator(t *testing.T, f *fakeFactory, opts ...Option) *Estimator {
	t.Helper()
	opts = append([]Option{WithEncoderFactory(f.build)}, opts...)
	e, err := New(testRegistry(t), opts...)
	require.NoError(t, err)
	return e
}

func TestEstimate_CostFromBackendProfile(t *testing.T) {
	e := newTestEstimator(t, newFakeFactory())

	est := e.Estimate("hello", "general")
	assert.Equal(t, int64(5), est.Tokens)
	assert.InDelta(t, 5.0/1000*2, est.CostUSD, 1e-12)
	assert.Equal(t, "o200k_base", est.Encoding)
	assert.Equal(t, RuleFamily, est.Rule)
	assert.False(t, est.Degraded)
}

func TestEstimate_Deterministic(t *testing.T) {
	f := newFakeFactory()
	e := newTestEstimator(t, f)

	first := e.Estimate("The quick brown fox", "sonnet")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, e.Estimate("The quick brown fox", "sonnet"))
	}
	assert.Equal(t, 1, f.count("cl100k_base"))
}

func TestEstimate_UnknownBackendUsesWhitespaceCount(t *testing.T) {
	f := newFakeFactory()
	e := newTestEstimator(t, f)

	est := e.Estimate("four words right here", "acme-model-x")
	assert.Equal(t, int64(4), est.Tokens)
	assert.Equal(t, EncodingWhitespace, est.Encoding)
	assert.Equal(t, 0.0, est.CostUSD)
	assert.True(t, est.Degraded)
	assert.Equal(t, RuleNone, est.Rule)
}

func TestEstimate_KnownBackendWithoutFamilyUsesDefault(t *testing.T) {
	e := newTestEstimator(t, newFakeFactory())

	est := e.Estimate("abc", "local")
	assert.Equal(t, DefaultEncoding, est.Encoding)
	assert.Equal(t, RuleDefault, est.Rule)
	assert.Equal(t, int64(3), est.Tokens)
}

func TestEstimate_CascadesThroughAlternates(t *testing.T) {
	f := newFakeFactory("o200k_base")
	e := newTestEstimator(t, f)

	est := e.Estimate("abcd", "general")
	assert.Equal(t, "cl100k_base", est.Encoding)
	assert.Equal(t, int64(4), est.Tokens)
	assert.True(t, est.Degraded)

	// failures are memoized too
	e.Estimate("other text", "general")
	assert.Equal(t, 1, f.count("o200k_base"))
}

func TestEstimate_AllEncodersFail(t *testing.T) {
	f := newFakeFactory("o200k_base", "cl100k_base")
	e := newTestEstimator(t, f)

	est := e.Estimate("one two three", "general")
	assert.Equal(t, EncodingWhitespace, est.Encoding)
	assert.Equal(t, int64(3), est.Tokens)
	assert.True(t, est.Degraded)
	assert.InDelta(t, 3.0/1000*2, est.CostUSD, 1e-12)
}

func TestEstimate_PanickingEncoderDegrades(t *testing.T) {
	f := newFakeFactory()
	f.panics["o200k_base"] = true
	e := newTestEstimator(t, f)

	est := e.Estimate("abc", "general")
	assert.Equal(t, "cl100k_base", est.Encoding)
	assert.True(t, est.Degraded)
}

func TestEstimate_ExactMatchWins(t *testing.T) {
	e := newTestEstimator(t, newFakeFactory(),
		WithExact(map[string][]string{"general": {"p50k_base"}}))

	est := e.Estimate("abc", "general")
	assert.Equal(t, "p50k_base", est.Encoding)
	assert.Equal(t, RuleExact, est.Rule)
}

func TestResolve_LongestFamilyWins(t *testing.T) {
	r := newResolver(nil, DefaultFamilies, DefaultVendorPrefixes)

	encs, rule := r.resolve("general", "gpt-4o-mini")
	assert.Equal(t, RuleFamily, rule)
	assert.Equal(t, []string{"o200k_base", "cl100k_base"}, encs)

	encs, _ = r.resolve("legacy", "gpt-4-turbo")
	assert.Equal(t, []string{"cl100k_base"}, encs)
}

func TestResolve_VendorPrefix(t *testing.T) {
	r := newResolver(nil, []Family{{Name: "openai", Encodings: []string{"o200k_base"}}}, DefaultVendorPrefixes)

	encs, rule := r.resolve("o1-preview", "")
	assert.Equal(t, RuleVendor, rule)
	assert.Equal(t, []string{"o200k_base"}, encs)

	_, rule = r.resolve("acme", "acme-1")
	assert.Equal(t, RuleNone, rule)
}

func TestEstimate_ConcurrentFirstUseBuildsOnce(t *testing.T) {
	f := newFakeFactory()
	e := newTestEstimator(t, f)

	var g errgroup.Group
	var total atomic.Int64
	for i := 0; i < 64; i++ {
		g.Go(func() error {
			total.Add(e.Estimate("concurrent text", "sonnet").Tokens)
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(64*15), total.Load())
	assert.Equal(t, 1, f.count("cl100k_base"))
}

func TestTiktokenFactory_Offline(t *testing.T) {
	enc, err := TiktokenFactory("cl100k_base")
	require.NoError(t, err)

	n := enc.Count("hello world")
	assert.Greater(t, n, 0)
	assert.Equal(t, n, enc.Count("hello world"))
}

func TestWhitespaceCount(t *testing.T) {
	assert.Equal(t, int64(0), WhitespaceCount("   "))
	assert.Equal(t, int64(2), WhitespaceCount(" a\tb\n"))
}
