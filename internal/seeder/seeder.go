// Package seeder loads scope assignments from the policy into the scope
// directory at startup.
package seeder

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/tenancy"
)

const (
	TestScopeID = "00000000-0000-0000-0000-000000000001"
	TestTier    = catalog.TierPro
)

type ScopeWriter interface {
	Upsert(ctx context.Context, s *tenancy.Scope) error
}

// SeedScopes upserts every policy assignment. Failures are logged and
// skipped; it returns how many scopes were written.
func SeedScopes(ctx context.Context, w ScopeWriter, assignments map[string]catalog.Tier, rateLimit int64, logger *zap.Logger) int {
	ids := make([]string, 0, len(assignments))
	for id := range assignments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	written := 0
	for _, id := range ids {
		err := w.Upsert(ctx, &tenancy.Scope{ID: id, Tier: assignments[id], RateLimit: rateLimit, Active: true})
		if err != nil {
			logger.Warn("seed scope failed, skipping", zap.String("scope", id), zap.Error(err))
			continue
		}
		written++
	}
	logger.Info("scopes seeded", zap.Int("written", written))
	return written
}

// SeedTestScope upserts the fixed development scope. It is only called when
// SEED_TEST_SCOPE=true.
func SeedTestScope(ctx context.Context, w ScopeWriter, logger *zap.Logger) error {
	if err := w.Upsert(ctx, &tenancy.Scope{ID: TestScopeID, Tier: TestTier, Active: true}); err != nil {
		return err
	}
	logger.Info("test scope seeded", zap.String("scope", TestScopeID), zap.String("tier", string(TestTier)))
	return nil
}
