// Package catalog holds the static, read-only tables the gateway is
// configured with: backend profiles and per-tier quota profiles.
package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownBackend = errors.New("catalog: unknown backend")
	ErrUnknownTier    = errors.New("catalog: unknown tier")
)

type SpeedClass string

const (
	SpeedFast     SpeedClass = "fast"
	SpeedStandard SpeedClass = "standard"
	SpeedSlow     SpeedClass = "slow"
)

// Kind selects the wire adapter used to call a backend.
type Kind string

const (
	KindOpenAI Kind = "openai"
	KindClaude Kind = "claude"
	KindGemini Kind = "gemini"
)

type BackendProfile struct {
	ID             string     `yaml:"id" json:"id"`
	Kind           Kind       `yaml:"kind" json:"kind"`
	Model          string     `yaml:"model" json:"model"`
	Endpoint       string     `yaml:"endpoint" json:"endpoint,omitempty"`
	// OnPrem marks a backend that runs inside the deployment. It must name
	// its own endpoint so it can never fall through to a vendor default.
	OnPrem         bool       `yaml:"on_prem" json:"on_prem,omitempty"`
	APIKey         string     `yaml:"api_key" json:"-"`
	ContextLimit   int64      `yaml:"context_limit" json:"context_limit"`
	CostPer1K      float64    `yaml:"cost_per_1k" json:"cost_per_1k"`
	SpeedClass     SpeedClass `yaml:"speed_class" json:"speed_class"`
	CapabilityTags []string   `yaml:"capability_tags" json:"capability_tags,omitempty"`
}

func (b BackendProfile) HasTag(tag string) bool {
	for _, t := range b.CapabilityTags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

func (b BackendProfile) Validate() error {
	if b.ID == "" {
		return errors.New("backend id is required")
	}
	switch b.Kind {
	case KindOpenAI, KindClaude, KindGemini:
	default:
		return fmt.Errorf("backend %q: unsupported kind %q", b.ID, b.Kind)
	}
	if b.Model == "" {
		return fmt.Errorf("backend %q: model is required", b.ID)
	}
	if b.OnPrem && strings.TrimSpace(b.Endpoint) == "" {
		return fmt.Errorf("backend %q: on_prem backend requires an endpoint", b.ID)
	}
	if b.CostPer1K < 0 {
		return fmt.Errorf("backend %q: cost_per_1k must be >= 0", b.ID)
	}
	if b.ContextLimit < 0 {
		return fmt.Errorf("backend %q: context_limit must be >= 0", b.ID)
	}
	return nil
}

// Registry is immutable after construction and safe for concurrent reads.
type Registry struct {
	backends map[string]BackendProfile
	ids      []string
}

func NewRegistry(profiles []BackendProfile) (*Registry, error) {
	r := &Registry{backends: make(map[string]BackendProfile, len(profiles))}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, dup := r.backends[p.ID]; dup {
			return nil, fmt.Errorf("backend %q: duplicate id", p.ID)
		}
		p.CapabilityTags = append([]string(nil), p.CapabilityTags...)
		r.backends[p.ID] = p
		r.ids = append(r.ids, p.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

func (r *Registry) Get(id string) (BackendProfile, bool) {
	p, ok := r.backends[id]
	return p, ok
}

func (r *Registry) MustGet(id string) (BackendProfile, error) {
	p, ok := r.backends[id]
	if !ok {
		return BackendProfile{}, fmt.Errorf("%w: %s", ErrUnknownBackend, id)
	}
	return p, nil
}

func (r *Registry) IDs() []string {
	return append([]string(nil), r.ids...)
}

func (r *Registry) Len() int {
	return len(r.ids)
}
