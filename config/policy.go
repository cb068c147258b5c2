package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

//go:embed default_policy.yaml
var defaultPolicy []byte

// Policy is the static tier, backend and routing configuration. It is read
// once at startup and never reloaded.
type Policy struct {
	Tiers     map[catalog.Tier]catalog.QuotaProfile `yaml:"tiers"`
	Backends  []catalog.BackendProfile              `yaml:"backends"`
	Routing   RoutingPolicy                         `yaml:"routing"`
	Scopes    ScopePolicy                           `yaml:"scopes"`
	Estimator EstimatorPolicy                       `yaml:"estimator"`
}

type CapabilityRule struct {
	Tag      string   `yaml:"tag"`
	Keywords []string `yaml:"keywords"`
	Backend  string   `yaml:"backend"`
}

type LongContextRule struct {
	Backend         string `yaml:"backend"`
	ThresholdTokens int64  `yaml:"threshold_tokens"`
}

type RoutingPolicy struct {
	Capabilities    []CapabilityRule  `yaml:"capabilities"`
	LongContext     LongContextRule   `yaml:"long_context"`
	Categories      map[string]string `yaml:"categories"`
	DefaultBackend  string            `yaml:"default_backend"`
	FallbackBackend string            `yaml:"fallback_backend"`
}

type ScopePolicy struct {
	// DefaultTier applies to scopes with no assignment. Empty rejects them.
	DefaultTier catalog.Tier            `yaml:"default_tier"`
	Assignments map[string]catalog.Tier `yaml:"assignments"`
}

type EstimatorPolicy struct {
	// Exact pins backend ids to an ordered encoding chain.
	Exact     map[string][]string `yaml:"exact"`
	CacheSize int                 `yaml:"cache_size"`
}

// LoadPolicy reads a YAML policy file. ${VAR} references are expanded from
// the environment before parsing. An empty path loads the embedded default.
func LoadPolicy(path string) (*Policy, error) {
	data := defaultPolicy
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read policy: %w", err)
		}
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (*Policy, error) {
	expanded := os.ExpandEnv(string(data))

	var p Policy
	if err := yaml.Unmarshal([]byte(expanded), &p); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks cross references between tiers, backends, routing and
// scopes. Per-entry checks are delegated to the catalog types.
func (p *Policy) Validate() error {
	if len(p.Tiers) == 0 {
		return fmt.Errorf("policy: at least one tier is required")
	}
	if len(p.Backends) == 0 {
		return fmt.Errorf("policy: at least one backend is required")
	}

	ids := make(map[string]bool, len(p.Backends))
	onPrem := make(map[string]bool, len(p.Backends))
	for i, b := range p.Backends {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("policy: backends[%d]: %w", i, err)
		}
		if ids[b.ID] {
			return fmt.Errorf("policy: duplicate backend id %q", b.ID)
		}
		ids[b.ID] = true
		onPrem[b.ID] = b.OnPrem
	}

	known := func(field, id string) error {
		if !ids[id] {
			return fmt.Errorf("policy: routing.%s: unknown backend %q", field, id)
		}
		return nil
	}

	r := p.Routing
	if r.DefaultBackend == "" {
		return fmt.Errorf("policy: routing.default_backend is required")
	}
	if err := known("default_backend", r.DefaultBackend); err != nil {
		return err
	}
	if r.FallbackBackend != "" {
		if err := known("fallback_backend", r.FallbackBackend); err != nil {
			return err
		}
		// A failed capability route hops to the fallback with the same text.
		if len(r.Capabilities) > 0 && !onPrem[r.FallbackBackend] {
			return fmt.Errorf("policy: routing.fallback_backend %q must be on_prem when capability routes are set", r.FallbackBackend)
		}
	}
	if r.LongContext.Backend != "" {
		if err := known("long_context.backend", r.LongContext.Backend); err != nil {
			return err
		}
		if r.LongContext.ThresholdTokens <= 0 {
			return fmt.Errorf("policy: routing.long_context.threshold_tokens must be positive")
		}
	}
	for i, c := range r.Capabilities {
		if c.Tag == "" || len(c.Keywords) == 0 {
			return fmt.Errorf("policy: routing.capabilities[%d]: tag and keywords are required", i)
		}
		if err := known(fmt.Sprintf("capabilities[%d].backend", i), c.Backend); err != nil {
			return err
		}
		// Matched text must stay inside the deployment.
		if !onPrem[c.Backend] {
			return fmt.Errorf("policy: routing.capabilities[%d]: backend %q must be on_prem", i, c.Backend)
		}
	}
	for category, id := range r.Categories {
		if err := known("categories."+category, id); err != nil {
			return err
		}
	}

	if p.Scopes.DefaultTier != "" {
		if _, ok := p.Tiers[p.Scopes.DefaultTier]; !ok {
			return fmt.Errorf("policy: scopes.default_tier: unknown tier %q", p.Scopes.DefaultTier)
		}
	}
	for scope, tier := range p.Scopes.Assignments {
		if _, ok := p.Tiers[tier]; !ok {
			return fmt.Errorf("policy: scopes.assignments.%s: unknown tier %q", scope, tier)
		}
	}
	if p.Estimator.CacheSize < 0 {
		return fmt.Errorf("policy: estimator.cache_size must be >= 0")
	}
	return nil
}

func (p *Policy) Registry() (*catalog.Registry, error) {
	return catalog.NewRegistry(p.Backends)
}

func (p *Policy) Profiles() (*catalog.ProfileTable, error) {
	return catalog.NewProfileTable(p.Tiers)
}
