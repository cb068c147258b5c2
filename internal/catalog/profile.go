package catalog

import (
	"errors"
	"fmt"
	"sort"
)

const (
	DefaultBreakerThreshold       = 0.95
	DefaultBreakerCooldownMinutes = 60
)

type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// QuotaProfile is the set of ceilings for a tier. A zero ceiling disables
// the check for that dimension.
type QuotaProfile struct {
	MaxTokensPerRequest int64   `yaml:"max_tokens_per_request" json:"max_tokens_per_request"`
	MaxCostPerRequest   float64 `yaml:"max_cost_per_request" json:"max_cost_per_request"`

	HourlyRequests int64   `yaml:"hourly_requests" json:"hourly_requests"`
	HourlyTokens   int64   `yaml:"hourly_tokens" json:"hourly_tokens"`
	HourlyCost     float64 `yaml:"hourly_cost" json:"hourly_cost"`

	DailyRequests int64   `yaml:"daily_requests" json:"daily_requests"`
	DailyTokens   int64   `yaml:"daily_tokens" json:"daily_tokens"`
	DailyCost     float64 `yaml:"daily_cost" json:"daily_cost"`

	// BreakerThreshold is the fraction of DailyCost at which the budget
	// breaker trips.
	BreakerThreshold       float64 `yaml:"breaker_threshold" json:"breaker_threshold"`
	BreakerCooldownMinutes int     `yaml:"breaker_cooldown_minutes" json:"breaker_cooldown_minutes"`
}

func (p QuotaProfile) withDefaults() QuotaProfile {
	if p.BreakerThreshold == 0 {
		p.BreakerThreshold = DefaultBreakerThreshold
	}
	if p.BreakerCooldownMinutes == 0 {
		p.BreakerCooldownMinutes = DefaultBreakerCooldownMinutes
	}
	return p
}

func (p QuotaProfile) Validate() error {
	if p.MaxTokensPerRequest < 0 || p.HourlyRequests < 0 || p.HourlyTokens < 0 ||
		p.DailyRequests < 0 || p.DailyTokens < 0 {
		return errors.New("count ceilings must be >= 0")
	}
	if p.MaxCostPerRequest < 0 || p.HourlyCost < 0 || p.DailyCost < 0 {
		return errors.New("cost ceilings must be >= 0")
	}
	if p.BreakerThreshold <= 0 || p.BreakerThreshold > 1 {
		return fmt.Errorf("breaker_threshold must be in (0, 1], got %v", p.BreakerThreshold)
	}
	if p.BreakerCooldownMinutes < 0 {
		return errors.New("breaker_cooldown_minutes must be >= 0")
	}
	return nil
}

type ProfileTable struct {
	profiles map[Tier]QuotaProfile
}

// NewProfileTable copies profiles, fills breaker defaults and validates
// every entry.
func NewProfileTable(profiles map[Tier]QuotaProfile) (*ProfileTable, error) {
	t := &ProfileTable{profiles: make(map[Tier]QuotaProfile, len(profiles))}
	for tier, p := range profiles {
		p = p.withDefaults()
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("tier %q: %w", tier, err)
		}
		t.profiles[tier] = p
	}
	return t, nil
}

func (t *ProfileTable) Profile(tier Tier) (QuotaProfile, error) {
	p, ok := t.profiles[tier]
	if !ok {
		return QuotaProfile{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return p, nil
}

func (t *ProfileTable) Has(tier Tier) bool {
	_, ok := t.profiles[tier]
	return ok
}

func (t *ProfileTable) Tiers() []Tier {
	out := make([]Tier, 0, len(t.profiles))
	for tier := range t.profiles {
		out = append(out, tier)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
