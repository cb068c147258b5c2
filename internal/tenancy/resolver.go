package tenancy

import (
	"context"
	"fmt"
	"sync"

	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

// Resolver maps a scope id to its quota profile. A scope's tier is looked
// up once and then held for the life of the process.
type Resolver struct {
	dir      Directory
	profiles *catalog.ProfileTable
	scopes   sync.Map // id -> *Scope
}

func NewResolver(dir Directory, profiles *catalog.ProfileTable) *Resolver {
	return &Resolver{dir: dir, profiles: profiles}
}

func (r *Resolver) Scope(ctx context.Context, id string) (*Scope, error) {
	if v, ok := r.scopes.Load(id); ok {
		return v.(*Scope), nil
	}
	s, err := r.dir.Lookup(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.profiles.Has(s.Tier) {
		return nil, fmt.Errorf("scope %s: %w: %s", id, catalog.ErrUnknownTier, s.Tier)
	}
	v, _ := r.scopes.LoadOrStore(id, s)
	return v.(*Scope), nil
}

func (r *Resolver) Tier(ctx context.Context, id string) (catalog.Tier, error) {
	s, err := r.Scope(ctx, id)
	if err != nil {
		return "", err
	}
	return s.Tier, nil
}

func (r *Resolver) Profile(ctx context.Context, id string) (catalog.QuotaProfile, error) {
	tier, err := r.Tier(ctx, id)
	if err != nil {
		return catalog.QuotaProfile{}, err
	}
	return r.profiles.Profile(tier)
}

// Forget drops a memoized scope, e.g. after an operator changes its tier.
func (r *Resolver) Forget(id string) {
	r.scopes.Delete(id)
}
