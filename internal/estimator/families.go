package estimator

import "strings"

const DefaultEncoding = "cl100k_base"

// Family maps a model family name to the encodings to try, in order.
type Family struct {
	Name      string
	Encodings []string
}

// VendorPrefix is the last heuristic before the default encoding: a backend
// id or model starting with Prefix resolves to Family.
type VendorPrefix struct {
	Prefix string
	Family string
}

var DefaultFamilies = []Family{
	{Name: "gpt-4o", Encodings: []string{"o200k_base", "cl100k_base"}},
	{Name: "gpt-4.1", Encodings: []string{"o200k_base", "cl100k_base"}},
	{Name: "gpt-4", Encodings: []string{"cl100k_base"}},
	{Name: "gpt-3.5", Encodings: []string{"cl100k_base"}},
	{Name: "text-embedding", Encodings: []string{"cl100k_base"}},
	{Name: "text-davinci", Encodings: []string{"p50k_base", "r50k_base"}},
	{Name: "davinci", Encodings: []string{"r50k_base"}},
	{Name: "openai", Encodings: []string{"o200k_base", "cl100k_base"}},
	{Name: "claude", Encodings: []string{"cl100k_base"}},
	{Name: "anthropic", Encodings: []string{"cl100k_base"}},
	{Name: "gemini", Encodings: []string{"cl100k_base"}},
	{Name: "google", Encodings: []string{"cl100k_base"}},
	{Name: "llama", Encodings: []string{"cl100k_base"}},
	{Name: "mistral", Encodings: []string{"cl100k_base"}},
	{Name: "mixtral", Encodings: []string{"cl100k_base"}},
}

var DefaultVendorPrefixes = []VendorPrefix{
	{Prefix: "gpt-", Family: "openai"},
	{Prefix: "o1", Family: "openai"},
	{Prefix: "o3", Family: "openai"},
	{Prefix: "claude", Family: "anthropic"},
	{Prefix: "gemini", Family: "google"},
	{Prefix: "llama", Family: "llama"},
	{Prefix: "mistral", Family: "mistral"},
}

// resolver picks the encoding chain for a backend. It is read-only after
// construction.
type resolver struct {
	exact    map[string][]string
	families []Family
	byName   map[string][]string
	prefixes []VendorPrefix
}

func newResolver(exact map[string][]string, families []Family, prefixes []VendorPrefix) *resolver {
	r := &resolver{
		exact:    make(map[string][]string, len(exact)),
		families: families,
		byName:   make(map[string][]string, len(families)),
		prefixes: prefixes,
	}
	for id, encs := range exact {
		r.exact[id] = encs
	}
	for _, f := range families {
		r.byName[strings.ToLower(f.Name)] = f.Encodings
	}
	return r
}

// Rule names which resolution step produced an encoding chain.
type Rule string

const (
	RuleExact   Rule = "exact"
	RuleFamily  Rule = "family"
	RuleVendor  Rule = "vendor"
	RuleDefault Rule = "default"
	RuleNone    Rule = "none"
)

// resolve returns the encodings for the backend and the rule that matched.
// RuleNone means nothing matched; callers decide whether the default applies.
func (r *resolver) resolve(backendID, model string) ([]string, Rule) {
	if encs, ok := r.exact[backendID]; ok && len(encs) > 0 {
		return encs, RuleExact
	}

	candidates := []string{strings.ToLower(backendID)}
	if model != "" {
		candidates = append(candidates, strings.ToLower(model))
	}

	var best Family
	for _, f := range r.families {
		name := strings.ToLower(f.Name)
		if len(name) <= len(best.Name) {
			continue
		}
		for _, c := range candidates {
			if strings.Contains(c, name) {
				best = Family{Name: name, Encodings: f.Encodings}
				break
			}
		}
	}
	if best.Name != "" {
		return best.Encodings, RuleFamily
	}

	for _, p := range r.prefixes {
		for _, c := range candidates {
			if strings.HasPrefix(c, p.Prefix) {
				if encs, ok := r.byName[p.Family]; ok {
					return encs, RuleVendor
				}
			}
		}
	}
	return nil, RuleNone
}
