// Package estimator turns text into a token count and a dollar cost for a
// given backend without ever failing.
package estimator

import (
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vnmchuo/llm-costgate/internal/catalog"
)

const (
	DefaultCacheSize = 4096

	// EncodingWhitespace marks an estimate produced by the last-resort
	// whitespace token count.
	EncodingWhitespace = "whitespace"
)

type Estimate struct {
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
	Encoding string  `json:"encoding"`
	Rule     Rule    `json:"rule"`
	Degraded bool    `json:"degraded,omitempty"`
}

// BackendLookup is the subset of catalog.Registry the estimator needs.
type BackendLookup interface {
	Get(id string) (catalog.BackendProfile, bool)
}

type Estimator struct {
	backends   BackendLookup
	resolver   *resolver
	newEncoder EncoderFactory
	logger     *zap.Logger

	mu       sync.RWMutex
	encoders map[string]encoderEntry
	group    singleflight.Group

	cache *lru.Cache[cacheKey, Estimate]
}

type encoderEntry struct {
	enc Encoder
	err error
}

type cacheKey struct {
	backendID string
	sum       [sha256.Size]byte
}

type config struct {
	exact     map[string][]string
	families  []Family
	prefixes  []VendorPrefix
	factory   EncoderFactory
	logger    *zap.Logger
	cacheSize int
}

type Option func(*config)

// WithExact pins encodings for specific backend ids, ahead of every heuristic.
func WithExact(exact map[string][]string) Option {
	return func(c *config) { c.exact = exact }
}

func WithFamilies(families []Family) Option {
	return func(c *config) { c.families = families }
}

func WithVendorPrefixes(prefixes []VendorPrefix) Option {
	return func(c *config) { c.prefixes = prefixes }
}

func WithEncoderFactory(f EncoderFactory) Option {
	return func(c *config) { c.factory = f }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithCacheSize(n int) Option {
	return func(c *config) { c.cacheSize = n }
}

func New(backends BackendLookup, opts ...Option) (*Estimator, error) {
	cfg := config{
		families:  DefaultFamilies,
		prefixes:  DefaultVendorPrefixes,
		factory:   TiktokenFactory,
		logger:    zap.NewNop(),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.cacheSize <= 0 {
		cfg.cacheSize = DefaultCacheSize
	}

	cache, err := lru.New[cacheKey, Estimate](cfg.cacheSize)
	if err != nil {
		return nil, fmt.Errorf("estimator: create cache: %w", err)
	}

	return &Estimator{
		backends:   backends,
		resolver:   newResolver(cfg.exact, cfg.families, cfg.prefixes),
		newEncoder: cfg.factory,
		logger:     cfg.logger,
		encoders:   make(map[string]encoderEntry),
		cache:      cache,
	}, nil
}

// Estimate returns the token count and cost of text on backendID. It is
// deterministic for a fixed (text, backendID) within a process.
func (e *Estimator) Estimate(text, backendID string) Estimate {
	key := cacheKey{backendID: backendID, sum: sha256.Sum256([]byte(text))}
	if est, ok := e.cache.Get(key); ok {
		return est
	}

	profile, known := e.backends.Get(backendID)
	encodings, rule := e.resolver.resolve(backendID, profile.Model)

	var est Estimate
	switch {
	case rule != RuleNone:
		est = e.count(text, encodings)
	case known:
		rule = RuleDefault
		est = e.count(text, []string{DefaultEncoding})
	default:
		est = Estimate{Tokens: WhitespaceCount(text), Encoding: EncodingWhitespace, Degraded: true}
	}
	est.Rule = rule

	if known {
		est.CostUSD = float64(est.Tokens) / 1000 * profile.CostPer1K
	} else {
		e.logger.Warn("estimating for unknown backend",
			zap.String("backend_id", backendID),
			zap.String("encoding", est.Encoding))
	}

	e.cache.Add(key, est)
	return est
}

// count walks the encoding chain, then the default encoding, then falls back
// to counting whitespace-separated words.
func (e *Estimator) count(text string, encodings []string) Estimate {
	chain := make([]string, 0, len(encodings)+1)
	seen := make(map[string]bool, len(encodings)+1)
	for _, name := range append(append([]string(nil), encodings...), DefaultEncoding) {
		if !seen[name] {
			seen[name] = true
			chain = append(chain, name)
		}
	}

	for i, name := range chain {
		enc, err := e.encoder(name)
		if err != nil {
			continue
		}
		n, ok := safeCount(enc, text)
		if !ok {
			e.logger.Warn("encoder panicked, trying next", zap.String("encoding", name))
			continue
		}
		return Estimate{Tokens: int64(n), Encoding: name, Degraded: i > 0}
	}

	e.logger.Warn("all encoders unavailable, using whitespace count",
		zap.Strings("encodings", chain))
	return Estimate{Tokens: WhitespaceCount(text), Encoding: EncodingWhitespace, Degraded: true}
}

// encoder returns the memoized encoder for name. Construction happens at most
// once per encoding, failures included.
func (e *Estimator) encoder(name string) (Encoder, error) {
	e.mu.RLock()
	entry, ok := e.encoders[name]
	e.mu.RUnlock()
	if ok {
		return entry.enc, entry.err
	}

	v, _, _ := e.group.Do(name, func() (interface{}, error) {
		e.mu.RLock()
		entry, ok := e.encoders[name]
		e.mu.RUnlock()
		if ok {
			return entry, nil
		}

		enc, err := e.newEncoder(name)
		if err != nil {
			e.logger.Warn("encoder construction failed",
				zap.String("encoding", name), zap.Error(err))
		}
		entry = encoderEntry{enc: enc, err: err}

		e.mu.Lock()
		e.encoders[name] = entry
		e.mu.Unlock()
		return entry, nil
	})

	entry = v.(encoderEntry)
	if entry.err == nil && entry.enc == nil {
		return nil, fmt.Errorf("estimator: nil encoder for %s", name)
	}
	return entry.enc, entry.err
}

func safeCount(enc Encoder, text string) (n int, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
		}
	}()
	return enc.Count(text), true
}

// WhitespaceCount is the last-resort token estimate.
func WhitespaceCount(text string) int64 {
	return int64(len(strings.Fields(text)))
}
