package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vnmchuo/llm-costgate/config"
	"github.com/vnmchuo/llm-costgate/internal/billing"
	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
	"github.com/vnmchuo/llm-costgate/internal/provider"
	"github.com/vnmchuo/llm-costgate/internal/provider/claude"
	"github.com/vnmchuo/llm-costgate/internal/provider/gemini"
	"github.com/vnmchuo/llm-costgate/internal/provider/openai"
	"github.com/vnmchuo/llm-costgate/internal/routing"
	"github.com/vnmchuo/llm-costgate/internal/tenancy"
)

type stores struct {
	ledger    ledger.Store
	breaker   breaker.StateStore
	audit     billing.Store
	directory tenancy.Directory
	// scopes is set when scopes live in Postgres and can be seeded.
	scopes *tenancy.PostgresDirectory
}

// buildStores picks the ledger and breaker backing from STORE_BACKEND. The
// audit log and scope table use Postgres whenever a pool is available.
func buildStores(ctx context.Context, cfg *config.Config, policy *config.Policy, pool *pgxpool.Pool, rdb *redis.Client) (*stores, error) {
	s := &stores{}

	switch cfg.StoreBackend {
	case config.StoreRedis:
		s.ledger = ledger.NewRedisStore(rdb)
		s.breaker = breaker.NewRedisStore(rdb, "")
	case config.StorePostgres:
		ls := ledger.NewPostgresStore(pool)
		if err := ls.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		bs := breaker.NewPostgresStore(pool)
		if err := bs.EnsureSchema(ctx); err != nil {
			return nil, err
		}
		s.ledger, s.breaker = ls, bs
	default:
		s.ledger = ledger.NewMemoryStore()
		s.breaker = breaker.NewMemoryStore()
	}

	static := tenancy.NewStaticDirectory(policy.Scopes.Assignments, policy.Scopes.DefaultTier, 0)
	if pool == nil {
		s.audit = billing.NewMemoryStore()
		s.directory = static
		return s, nil
	}

	audit := billing.NewPostgresStore(pool)
	if err := audit.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	s.audit = audit

	s.scopes = tenancy.NewPostgresDirectory(pool)
	if err := s.scopes.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	var primary tenancy.Directory = s.scopes
	if rdb != nil {
		primary = tenancy.NewCachedDirectory(s.scopes, rdb)
	}
	s.directory = tenancy.Chain{primary, static}
	return s, nil
}

// buildProviders creates one adapter per backend. A backend's own api_key
// wins over the process-wide key for its kind. On-prem backends never get a
// vendor default base URL.
func buildProviders(registry *catalog.Registry, cfg *config.Config) (map[string]provider.Provider, error) {
	out := make(map[string]provider.Provider, registry.Len())
	for _, id := range registry.IDs() {
		b, _ := registry.Get(id)
		if b.OnPrem && b.Endpoint == "" {
			return nil, fmt.Errorf("backend %q: on_prem backend has no endpoint", id)
		}
		opts := []provider.Option{provider.WithBaseURL(b.Endpoint)}

		switch b.Kind {
		case catalog.KindOpenAI:
			out[id] = openai.New(firstNonEmpty(b.APIKey, cfg.OpenAIAPIKey), opts...)
		case catalog.KindClaude:
			out[id] = claude.New(firstNonEmpty(b.APIKey, cfg.AnthropicAPIKey), opts...)
		case catalog.KindGemini:
			out[id] = gemini.New(firstNonEmpty(b.APIKey, cfg.GeminiAPIKey), opts...)
		default:
			return nil, fmt.Errorf("backend %q: unsupported kind %q", id, b.Kind)
		}
	}
	return out, nil
}

func buildRoutingTable(p *config.Policy) (routing.Table, error) {
	t := routing.Table{
		LongContextBackend:   p.Routing.LongContext.Backend,
		LongContextThreshold: p.Routing.LongContext.ThresholdTokens,
		Categories:           p.Routing.Categories,
		DefaultBackend:       p.Routing.DefaultBackend,
		FallbackBackend:      p.Routing.FallbackBackend,
	}
	for _, c := range p.Routing.Capabilities {
		m, err := routing.NewKeywordMatcher(c.Tag, c.Keywords)
		if err != nil {
			return routing.Table{}, fmt.Errorf("capability %q: %w", c.Tag, err)
		}
		t.Capabilities = append(t.Capabilities, routing.CapabilityRoute{Matcher: m, BackendID: c.Backend})
	}
	return t, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
