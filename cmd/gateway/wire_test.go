package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnmchuo/llm-costgate/config"
	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
	"github.com/vnmchuo/llm-costgate/internal/provider"
	"github.com/vnmchuo/llm-costgate/internal/tenancy"
)

func loadDefaultPolicy(t *testing.T) *config.Policy {
	t.Helper()
	t.Setenv("RESTRICTED_ENDPOINT", "http://restricted.internal:8000/v1")
	t.Setenv("SOVEREIGN_ENDPOINT", "http://sovereign.internal:8000/v1")
	p, err := config.LoadPolicy("")
	require.NoError(t, err)
	return p
}

func TestBuildRoutingTable_DefaultPolicy(t *testing.T) {
	p := loadDefaultPolicy(t)

	table, err := buildRoutingTable(p)
	require.NoError(t, err)
	require.Len(t, table.Capabilities, 1)
	assert.Equal(t, "restricted", table.Capabilities[0].BackendID)
	assert.True(t, table.Capabilities[0].Matcher.Match("this memo is Export Controlled"))
	assert.False(t, table.Capabilities[0].Matcher.Match("a general question"))
	assert.Equal(t, "long-context", table.LongContextBackend)
	assert.Equal(t, "sovereign", table.FallbackBackend)
}

func TestBuildProviders(t *testing.T) {
	p := loadDefaultPolicy(t)
	registry, err := p.Registry()
	require.NoError(t, err)

	providers, err := buildProviders(registry, &config.Config{OpenAIAPIKey: "sk-test"})
	require.NoError(t, err)
	assert.Len(t, providers, registry.Len())
	assert.Equal(t, "openai", providers["general"].Name())
	assert.Equal(t, "claude", providers["reasoning"].Name())
	assert.Equal(t, "gemini", providers["long-context"].Name())

	// every backend the routing table names has an adapter
	table, err := buildRoutingTable(p)
	require.NoError(t, err)
	ids := []string{table.DefaultBackend, table.FallbackBackend, table.LongContextBackend}
	for _, c := range table.Capabilities {
		ids = append(ids, c.BackendID)
	}
	for _, id := range table.Categories {
		ids = append(ids, id)
	}
	for _, id := range ids {
		assert.Contains(t, providers, id)
	}
}

func TestBuildProviders_OnPremBackendsStayOnPrem(t *testing.T) {
	var restrictedHits, sovereignHits atomic.Int32
	onPrem := func(hits *atomic.Int32) *httptest.Server {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]any{
				"id":      "local-1",
				"model":   "llama3",
				"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": "ok"}}},
			})
		}))
		t.Cleanup(srv.Close)
		return srv
	}
	t.Setenv("RESTRICTED_ENDPOINT", onPrem(&restrictedHits).URL)
	t.Setenv("SOVEREIGN_ENDPOINT", onPrem(&sovereignHits).URL)

	p, err := config.LoadPolicy("")
	require.NoError(t, err)
	registry, err := p.Registry()
	require.NoError(t, err)
	providers, err := buildProviders(registry, &config.Config{OpenAIAPIKey: "sk-test"})
	require.NoError(t, err)

	for _, id := range []string{"restricted", "sovereign"} {
		_, err := providers[id].Complete(context.Background(), &provider.Request{BackendID: id, Model: "llama3", Prompt: "top secret memo"})
		require.NoError(t, err, id)
	}
	assert.Equal(t, int32(1), restrictedHits.Load())
	assert.Equal(t, int32(1), sovereignHits.Load())
}

func TestDefaultPolicy_UnsetRestrictedEndpointFailsStartup(t *testing.T) {
	t.Setenv("RESTRICTED_ENDPOINT", "")
	t.Setenv("SOVEREIGN_ENDPOINT", "http://sovereign.internal:8000/v1")

	_, err := config.LoadPolicy("")
	assert.ErrorContains(t, err, "requires an endpoint")
}

func TestBuildStores_Memory(t *testing.T) {
	p := loadDefaultPolicy(t)

	st, err := buildStores(context.Background(), &config.Config{StoreBackend: config.StoreMemory}, p, nil, nil)
	require.NoError(t, err)
	assert.IsType(t, &ledger.MemoryStore{}, st.ledger)
	assert.IsType(t, &breaker.MemoryStore{}, st.breaker)
	assert.Nil(t, st.scopes)

	s, err := st.directory.Lookup(context.Background(), "walk-in")
	require.NoError(t, err)
	assert.Equal(t, catalog.TierFree, s.Tier)
}

func TestBuildStores_Redis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := loadDefaultPolicy(t)

	st, err := buildStores(context.Background(), &config.Config{StoreBackend: config.StoreRedis, RedisAddr: mr.Addr()}, p, nil, rdb)
	require.NoError(t, err)
	assert.IsType(t, &ledger.RedisStore{}, st.ledger)
	assert.IsType(t, &breaker.RedisStore{}, st.breaker)
	assert.IsType(t, &tenancy.StaticDirectory{}, st.directory)
}
