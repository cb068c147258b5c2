// Package routing picks a backend for a task, gates it through admission and
// executes it with a single fallback hop on operational failure.
package routing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/internal/admission"
	"github.com/vnmchuo/llm-costgate/internal/billing"
	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/estimator"
	"github.com/vnmchuo/llm-costgate/internal/provider"
)

const (
	DefaultBackendTimeout         = 30 * time.Second
	DefaultFailureThreshold       = 5
	DefaultReliabilityCooldownMin = 5
	DefaultCounterCapacity        = 10000
)

type Rule string

const (
	RuleCapability  Rule = "capability"
	RuleLongContext Rule = "long_context"
	RuleCategory    Rule = "category"
	RuleDefault     Rule = "default"
)

type CapabilityRoute struct {
	Matcher   CapabilityMatcher
	BackendID string
}

// Table is the static routing configuration.
type Table struct {
	Capabilities         []CapabilityRoute
	LongContextBackend   string
	LongContextThreshold int64
	Categories           map[string]string
	DefaultBackend       string
	FallbackBackend      string
}

func (t Table) referenced() []string {
	ids := []string{t.DefaultBackend}
	for _, c := range t.Capabilities {
		ids = append(ids, c.BackendID)
	}
	for _, id := range t.Categories {
		ids = append(ids, id)
	}
	if t.LongContextBackend != "" {
		ids = append(ids, t.LongContextBackend)
	}
	if t.FallbackBackend != "" {
		ids = append(ids, t.FallbackBackend)
	}
	return ids
}

type Task struct {
	Text            string  `json:"text"`
	System          string  `json:"system,omitempty"`
	Category        string  `json:"category,omitempty"`
	MaxOutputTokens int     `json:"max_output_tokens,omitempty"`
	Temperature     float64 `json:"temperature,omitempty"`
	RequestID       string  `json:"request_id,omitempty"`
}

// Decision is the outcome of backend selection, before admission.
type Decision struct {
	BackendID       string `json:"backend_id"`
	Rule            Rule   `json:"rule"`
	Tag             string `json:"tag,omitempty"`
	EstimatedTokens int64  `json:"estimated_tokens"`
}

type Result struct {
	RequestID string             `json:"request_id"`
	Admitted  bool               `json:"admitted"`
	Admission admission.Decision `json:"admission"`
	Routing   Decision           `json:"routing"`

	BackendID    string  `json:"backend_id,omitempty"`
	Model        string  `json:"model,omitempty"`
	Text         string  `json:"text,omitempty"`
	Attempts     int     `json:"attempts"`
	FellBack     bool    `json:"fell_back"`
	ActualTokens int64   `json:"actual_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	LatencyMs    int64   `json:"latency_ms"`
	// Errors lists failed attempts that preceded the outcome.
	Errors []string `json:"errors,omitempty"`
}

type Gate interface {
	Evaluate(ctx context.Context, scope, text, backendID string) (admission.Decision, error)
}

type Estimator interface {
	Estimate(text, backendID string) estimator.Estimate
}

type Recorder interface {
	Record(ctx context.Context, a billing.Attempt) error
	RecordDenial(ctx context.Context, requestID, scope, backendID string, estTokens int64, reason string)
}

type Tripper interface {
	Trip(ctx context.Context, scope string, trigger breaker.Trigger, reason string, cooldownMinutes int) error
}

type BackendLookup interface {
	Get(id string) (catalog.BackendProfile, bool)
}

type Observer interface {
	ObserveAttempt(backendID, outcome string, d time.Duration)
	ObserveFallback(from, to string)
	ObserveBreakerTrip(trigger string)
}

type Deps struct {
	Backends  BackendLookup
	Providers map[string]provider.Provider
	Gate      Gate
	Estimator Estimator
	Recorder  Recorder
	Breaker   Tripper
}

type Router struct {
	table    Table
	deps     Deps
	timeout  time.Duration
	tracer   trace.Tracer
	logger   *zap.Logger
	observer Observer

	failureThreshold uint32
	cooldownMinutes  int
	counterCapacity  int

	// counters holds failure streaks per scope|backend. Closed counters are
	// dropped on success and idle ones age out of the LRU.
	mu       sync.Mutex
	counters *lru.Cache[string, *gobreaker.CircuitBreaker]
}

type Option func(*Router)

func WithTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithReliability sets how many consecutive failures of one backend for one
// scope trip the scope's reliability breaker, and for how long.
func WithReliability(failureThreshold uint32, cooldownMinutes int) Option {
	return func(r *Router) {
		if failureThreshold > 0 {
			r.failureThreshold = failureThreshold
		}
		if cooldownMinutes > 0 {
			r.cooldownMinutes = cooldownMinutes
		}
	}
}

// WithCounterCapacity bounds how many scope|backend failure counters are
// kept at once.
func WithCounterCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.counterCapacity = n
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(r *Router) { r.tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Router) { r.logger = l }
}

func WithObserver(o Observer) Option {
	return func(r *Router) { r.observer = o }
}

func NewRouter(table Table, deps Deps, opts ...Option) (*Router, error) {
	if table.DefaultBackend == "" {
		return nil, fmt.Errorf("%w: default backend is required", ErrNoBackend)
	}
	if deps.Backends == nil {
		return nil, errors.New("routing: backend catalog is required")
	}
	for _, id := range table.referenced() {
		if _, ok := deps.Providers[id]; !ok {
			return nil, fmt.Errorf("%w: no provider for %q", ErrNoBackend, id)
		}
		if _, ok := deps.Backends.Get(id); !ok {
			return nil, fmt.Errorf("%w: %q is not in the catalog", ErrNoBackend, id)
		}
	}
	if deps.Gate == nil || deps.Estimator == nil || deps.Recorder == nil || deps.Breaker == nil {
		return nil, errors.New("routing: incomplete dependencies")
	}
	normalized := make(map[string]string, len(table.Categories))
	for k, v := range table.Categories {
		normalized[strings.ToLower(k)] = v
	}
	table.Categories = normalized

	r := &Router{
		table:            table,
		deps:             deps,
		timeout:          DefaultBackendTimeout,
		tracer:           noop.NewTracerProvider().Tracer("routing"),
		logger:           zap.NewNop(),
		failureThreshold: DefaultFailureThreshold,
		cooldownMinutes:  DefaultReliabilityCooldownMin,
		counterCapacity:  DefaultCounterCapacity,
	}
	for _, opt := range opts {
		opt(r)
	}
	counters, err := lru.New[string, *gobreaker.CircuitBreaker](r.counterCapacity)
	if err != nil {
		return nil, fmt.Errorf("routing: counters: %w", err)
	}
	r.counters = counters
	return r, nil
}

// Select applies the routing rules in priority order: capability matchers,
// then the long-context size check, then the category table, then default.
func (r *Router) Select(task Task) Decision {
	sizeBackend := r.table.LongContextBackend
	if sizeBackend == "" {
		sizeBackend = r.table.DefaultBackend
	}
	tokens := r.deps.Estimator.Estimate(task.Text, sizeBackend).Tokens

	for _, c := range r.table.Capabilities {
		if c.Matcher.Match(task.Text) {
			return Decision{BackendID: c.BackendID, Rule: RuleCapability, Tag: c.Matcher.Tag(), EstimatedTokens: tokens}
		}
	}

	if r.table.LongContextBackend != "" && r.table.LongContextThreshold > 0 && tokens > r.table.LongContextThreshold {
		return Decision{BackendID: r.table.LongContextBackend, Rule: RuleLongContext, EstimatedTokens: tokens}
	}

	if id, ok := r.table.Categories[strings.ToLower(task.Category)]; ok && task.Category != "" {
		return Decision{BackendID: id, Rule: RuleCategory, Tag: task.Category, EstimatedTokens: tokens}
	}

	return Decision{BackendID: r.table.DefaultBackend, Rule: RuleDefault, EstimatedTokens: tokens}
}

// Execute routes the task, gates it and calls the backend. An admission
// denial is returned as a Result with Admitted=false and a nil error.
func (r *Router) Execute(ctx context.Context, scope string, task Task) (*Result, error) {
	if task.RequestID == "" {
		task.RequestID = uuid.NewString()
	}
	sel := r.Select(task)

	ctx, span := r.tracer.Start(ctx, "router.execute", trace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("request_id", task.RequestID),
		attribute.String("routing.backend", sel.BackendID),
		attribute.String("routing.rule", string(sel.Rule)),
	))
	defer span.End()

	res := &Result{RequestID: task.RequestID, Routing: sel}

	admitted, err := r.admit(ctx, scope, task, sel.BackendID, res)
	if err != nil || !admitted {
		return r.finish(span, res, err)
	}

	resp, attemptErr := r.attempt(ctx, scope, task, sel.BackendID, res)
	if attemptErr == nil {
		return r.finish(span, r.fill(res, sel.BackendID, resp), nil)
	}
	if ctx.Err() != nil {
		return r.finish(span, nil, ctx.Err())
	}
	res.Errors = append(res.Errors, attemptErr.Error())

	fallback := r.table.FallbackBackend
	if fallback == "" || fallback == sel.BackendID {
		return r.finish(span, nil, attemptErr)
	}

	res.FellBack = true
	if r.observer != nil {
		r.observer.ObserveFallback(sel.BackendID, fallback)
	}
	r.logger.Warn("falling back",
		zap.String("scope", scope),
		zap.String("request_id", task.RequestID),
		zap.String("from", sel.BackendID),
		zap.String("to", fallback),
		zap.Error(attemptErr))

	admitted, err = r.admit(ctx, scope, task, fallback, res)
	if err != nil || !admitted {
		return r.finish(span, res, err)
	}

	resp, fallbackErr := r.attempt(ctx, scope, task, fallback, res)
	if fallbackErr == nil {
		return r.finish(span, r.fill(res, fallback, resp), nil)
	}
	if ctx.Err() != nil {
		return r.finish(span, nil, ctx.Err())
	}
	return r.finish(span, nil, &ExhaustedError{Primary: attemptErr, Fallback: fallbackErr})
}

func (r *Router) finish(span trace.Span, res *Result, err error) (*Result, error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Bool("admitted", res.Admitted), attribute.Int("attempts", res.Attempts))
	return res, nil
}

func (r *Router) admit(ctx context.Context, scope string, task Task, backendID string, res *Result) (bool, error) {
	d, err := r.deps.Gate.Evaluate(ctx, scope, task.Text, backendID)
	if err != nil {
		return false, fmt.Errorf("admission for %s: %w", backendID, err)
	}
	res.Admission = d
	res.Admitted = d.Allowed
	if !d.Allowed {
		r.deps.Recorder.RecordDenial(ctx, task.RequestID, scope, backendID, d.Estimate.Tokens, d.Reason)
	}
	return d.Allowed, nil
}

func (r *Router) fill(res *Result, backendID string, out *attemptOutcome) *Result {
	res.BackendID = backendID
	res.Model = out.resp.Model
	res.Text = out.resp.Text
	res.ActualTokens = out.tokens
	res.CostUSD = out.cost
	res.LatencyMs = out.latency.Milliseconds()
	return res
}

type attemptOutcome struct {
	resp    *provider.Response
	tokens  int64
	cost    float64
	latency time.Duration
}

// attempt performs one physical backend call and records it exactly once.
func (r *Router) attempt(ctx context.Context, scope string, task Task, backendID string, res *Result) (*attemptOutcome, error) {
	res.Attempts++
	n := res.Attempts

	ctx, span := r.tracer.Start(ctx, "router.attempt", trace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("backend", backendID),
		attribute.Int("attempt", n),
	))
	defer span.End()

	profile, _ := r.deps.Backends.Get(backendID)
	p := r.deps.Providers[backendID]
	est := res.Admission.Estimate

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	resp, err := p.Complete(callCtx, &provider.Request{
		BackendID:       backendID,
		Model:           profile.Model,
		System:          task.System,
		Prompt:          task.Text,
		MaxOutputTokens: task.MaxOutputTokens,
		Temperature:     task.Temperature,
		RequestID:       task.RequestID,
	})
	latency := time.Since(start)
	if err == nil && resp == nil {
		err = provider.ErrMalformedResponse
	}

	// recording must survive a caller that already hung up
	recordCtx := context.WithoutCancel(ctx)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timeout after %s: %w", r.timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		if recErr := r.deps.Recorder.Record(recordCtx, billing.Attempt{
			RequestID: task.RequestID,
			Scope:     scope,
			BackendID: backendID,
			Model:     profile.Model,
			EstTokens: est.Tokens,
			Outcome:   billing.OutcomeFailure,
			Reason:    err.Error(),
			LatencyMs: latency.Milliseconds(),
		}); recErr != nil {
			r.logger.Error("record failed attempt", zap.Error(recErr))
		}
		if r.observer != nil {
			r.observer.ObserveAttempt(backendID, string(billing.OutcomeFailure), latency)
		}
		if ctx.Err() == nil {
			r.countFailure(recordCtx, scope, backendID, err)
		}
		return nil, &BackendError{BackendID: backendID, Attempt: n, Err: err}
	}

	tokens := r.actualTokens(task, backendID, resp)
	cost := float64(tokens) / 1000 * profile.CostPer1K
	span.SetAttributes(attribute.Int64("tokens.actual", tokens), attribute.Float64("cost_usd", cost))

	if recErr := r.deps.Recorder.Record(recordCtx, billing.Attempt{
		RequestID:    task.RequestID,
		Scope:        scope,
		BackendID:    backendID,
		Model:        resp.Model,
		EstTokens:    est.Tokens,
		ActualTokens: tokens,
		CostUSD:      cost,
		Outcome:      billing.OutcomeSuccess,
		LatencyMs:    latency.Milliseconds(),
	}); recErr != nil {
		r.logger.Error("record successful attempt",
			zap.String("scope", scope),
			zap.String("backend_id", backendID),
			zap.Error(recErr))
	}
	if r.observer != nil {
		r.observer.ObserveAttempt(backendID, string(billing.OutcomeSuccess), latency)
	}
	r.countSuccess(scope, backendID)

	return &attemptOutcome{resp: resp, tokens: tokens, cost: cost, latency: latency}, nil
}

// actualTokens prefers the backend's own usage figure and falls back to
// estimating prompt and response.
func (r *Router) actualTokens(task Task, backendID string, resp *provider.Response) int64 {
	if resp.UsageTokens != nil {
		return *resp.UsageTokens
	}
	prompt := r.deps.Estimator.Estimate(task.Text, backendID).Tokens
	return prompt + r.deps.Estimator.Estimate(resp.Text, backendID).Tokens
}

func counterKey(scope, backendID string) string {
	return scope + "|" + backendID
}

func (r *Router) counter(scope, backendID string) *gobreaker.CircuitBreaker {
	key := counterKey(scope, backendID)
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.counters.Get(key); ok {
		return cb
	}
	threshold := r.failureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 1,
		Timeout:     time.Duration(r.cooldownMinutes) * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	r.counters.Add(key, cb)
	return cb
}

// countSuccess resets the pair's streak. A pair with no counter has no streak
// to reset, and a counter that is closed again carries nothing worth keeping.
func (r *Router) countSuccess(scope, backendID string) {
	key := counterKey(scope, backendID)
	r.mu.Lock()
	defer r.mu.Unlock()
	cb, ok := r.counters.Peek(key)
	if !ok {
		return
	}
	_, _ = cb.Execute(func() (interface{}, error) { return nil, nil })
	if cb.State() == gobreaker.StateClosed {
		r.counters.Remove(key)
	}
}

func (r *Router) countFailure(ctx context.Context, scope, backendID string, cause error) {
	cb := r.counter(scope, backendID)
	before := cb.State()
	_, _ = cb.Execute(func() (interface{}, error) { return nil, cause })
	if before == gobreaker.StateOpen || cb.State() != gobreaker.StateOpen {
		return
	}

	reason := fmt.Sprintf("backend %s failed %d consecutive times", backendID, r.failureThreshold)
	if err := r.deps.Breaker.Trip(ctx, scope, breaker.TriggerReliability, reason, r.cooldownMinutes); err != nil {
		r.logger.Error("reliability breaker trip failed", zap.String("scope", scope), zap.Error(err))
		return
	}
	if r.observer != nil {
		r.observer.ObserveBreakerTrip(string(breaker.TriggerReliability))
	}
}
