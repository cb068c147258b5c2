package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

var ErrScopeNotFound = errors.New("scope not found")

// Scope is a budget principal: a tenant, team or project.
type Scope struct {
	ID        string       `json:"id"`
	Tier      catalog.Tier `json:"tier"`
	RateLimit int64        `json:"rate_limit"` // max tokens per minute, 0 = unthrottled
	Active    bool         `json:"active"`
	CreatedAt time.Time    `json:"created_at"`
}

// MarshalBinary implements encoding.BinaryMarshaler for Redis
func (s *Scope) MarshalBinary() ([]byte, error) {
	return json.Marshal(s)
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler for Redis
func (s *Scope) UnmarshalBinary(data []byte) error {
	return json.Unmarshal(data, s)
}

type Directory interface {
	Lookup(ctx context.Context, id string) (*Scope, error)
}

// StaticDirectory serves scopes from an in-memory assignment table. Scopes
// without an assignment get DefaultTier; with no default they are unknown.
type StaticDirectory struct {
	assignments map[string]catalog.Tier
	defaultTier catalog.Tier
	rateLimit   int64
}

var _ Directory = (*StaticDirectory)(nil)

func NewStaticDirectory(assignments map[string]catalog.Tier, defaultTier catalog.Tier, rateLimit int64) *StaticDirectory {
	m := make(map[string]catalog.Tier, len(assignments))
	for id, tier := range assignments {
		m[id] = tier
	}
	return &StaticDirectory{assignments: m, defaultTier: defaultTier, rateLimit: rateLimit}
}

func (d *StaticDirectory) Lookup(_ context.Context, id string) (*Scope, error) {
	if id == "" {
		return nil, ErrScopeNotFound
	}
	tier, ok := d.assignments[id]
	if !ok {
		if d.defaultTier == "" {
			return nil, ErrScopeNotFound
		}
		tier = d.defaultTier
	}
	return &Scope{ID: id, Tier: tier, RateLimit: d.rateLimit, Active: true}, nil
}

// Chain consults each directory in order and returns the first hit. Only
// ErrScopeNotFound moves on to the next directory; other errors stop the walk.
type Chain []Directory

var _ Directory = Chain(nil)

func (c Chain) Lookup(ctx context.Context, id string) (*Scope, error) {
	for _, d := range c {
		s, err := d.Lookup(ctx, id)
		if err == nil {
			return s, nil
		}
		if !errors.Is(err, ErrScopeNotFound) {
			return nil, err
		}
	}
	return nil, ErrScopeNotFound
}
