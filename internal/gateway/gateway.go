// Package gateway is the caller-facing facade over admission, routing and
// usage reporting. Build one per process and pass it around explicitly.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/internal/admission"
	"github.com/vnmchuo/llm-costgate/internal/billing"
	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
	"github.com/vnmchuo/llm-costgate/internal/routing"
)

var ErrHistoryUnavailable = errors.New("gateway: audit history not configured")

type Admitter interface {
	Evaluate(ctx context.Context, scope, text, backendID string) (admission.Decision, error)
}

type Executor interface {
	Execute(ctx context.Context, scope string, task routing.Task) (*routing.Result, error)
}

type UsageSnapshotter interface {
	Snapshot(ctx context.Context, scope string) (ledger.Snapshot, error)
}

type BreakerStatus interface {
	IsOpen(ctx context.Context, scope string) (bool, string, error)
	Status(ctx context.Context, scope string) ([]breaker.State, error)
}

type ScopeResolver interface {
	Tier(ctx context.Context, scope string) (catalog.Tier, error)
	Profile(ctx context.Context, scope string) (catalog.QuotaProfile, error)
}

type DenialRecorder interface {
	RecordDenial(ctx context.Context, requestID, scope, backendID string, estTokens int64, reason string)
}

type History interface {
	GetUsageByScope(ctx context.Context, scope string, from, to time.Time) ([]*billing.UsageLog, error)
	GetTotalCostByScope(ctx context.Context, scope string, from, to time.Time) (float64, error)
}

type Deps struct {
	Gate     Admitter
	Router   Executor
	Ledger   UsageSnapshotter
	Breaker  BreakerStatus
	Scopes   ScopeResolver
	Recorder DenialRecorder
	// History is optional; without it GetHistory returns ErrHistoryUnavailable.
	History History
}

type Gateway struct {
	deps   Deps
	tracer trace.Tracer
	logger *zap.Logger
}

type Option func(*Gateway)

func WithTracer(t trace.Tracer) Option {
	return func(g *Gateway) { g.tracer = t }
}

func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

func New(deps Deps, opts ...Option) (*Gateway, error) {
	switch {
	case deps.Gate == nil:
		return nil, errors.New("gateway: nil admission gate")
	case deps.Router == nil:
		return nil, errors.New("gateway: nil router")
	case deps.Ledger == nil:
		return nil, errors.New("gateway: nil ledger")
	case deps.Breaker == nil:
		return nil, errors.New("gateway: nil breaker")
	case deps.Scopes == nil:
		return nil, errors.New("gateway: nil scope resolver")
	case deps.Recorder == nil:
		return nil, errors.New("gateway: nil recorder")
	}
	g := &Gateway{
		deps:   deps,
		tracer: noop.NewTracerProvider().Tracer("gateway"),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// CanAdmit is a dry admission check: nothing is committed. Denials are
// appended to the audit log.
func (g *Gateway) CanAdmit(ctx context.Context, scope, text, backendID string) (admission.Decision, error) {
	ctx, span := g.tracer.Start(ctx, "gateway.can_admit", trace.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("backend_id", backendID),
	))
	defer span.End()

	d, err := g.deps.Gate.Evaluate(ctx, scope, text, backendID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return admission.Decision{}, err
	}
	span.SetAttributes(attribute.Bool("allowed", d.Allowed), attribute.String("code", string(d.Code)))

	if !d.Allowed {
		g.deps.Recorder.RecordDenial(context.WithoutCancel(ctx), uuid.NewString(), scope, backendID, d.Estimate.Tokens, d.Reason)
	}
	return d, nil
}

func (g *Gateway) RouteAndExecute(ctx context.Context, scope string, task routing.Task) (*routing.Result, error) {
	res, err := g.deps.Router.Execute(ctx, scope, task)
	if err != nil {
		g.logger.Warn("route and execute failed",
			zap.String("scope", scope),
			zap.String("request_id", task.RequestID),
			zap.Error(err))
		return nil, err
	}
	return res, nil
}

type BreakerSummary struct {
	Open   bool            `json:"open"`
	Reason string          `json:"reason,omitempty"`
	States []breaker.State `json:"states"`
}

type Summary struct {
	Scope   string               `json:"scope"`
	Tier    catalog.Tier         `json:"tier"`
	HourKey string               `json:"hour_key"`
	DayKey  string               `json:"day_key"`
	Hourly  ledger.Usage         `json:"hourly"`
	Daily   ledger.Usage         `json:"daily"`
	Limits  catalog.QuotaProfile `json:"limits"`
	Breaker BreakerSummary       `json:"breaker"`
}

func (g *Gateway) GetUsageSummary(ctx context.Context, scope string) (*Summary, error) {
	tier, err := g.deps.Scopes.Tier(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolve tier: %w", err)
	}
	limits, err := g.deps.Scopes.Profile(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("resolve profile: %w", err)
	}
	snap, err := g.deps.Ledger.Snapshot(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read usage: %w", err)
	}
	open, reason, err := g.deps.Breaker.IsOpen(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read breaker: %w", err)
	}
	states, err := g.deps.Breaker.Status(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("read breaker: %w", err)
	}
	if states == nil {
		states = []breaker.State{}
	}

	return &Summary{
		Scope:   scope,
		Tier:    tier,
		HourKey: snap.HourKey,
		DayKey:  snap.DayKey,
		Hourly:  snap.Hourly,
		Daily:   snap.Daily,
		Limits:  limits,
		Breaker: BreakerSummary{Open: open, Reason: reason, States: states},
	}, nil
}

type HistoryPage struct {
	Scope         string              `json:"scope"`
	From          time.Time           `json:"from"`
	To            time.Time           `json:"to"`
	TotalRequests int                 `json:"total_requests"`
	TotalCostUSD  float64             `json:"total_cost_usd"`
	Logs          []*billing.UsageLog `json:"logs"`
}

// GetHistory returns audit entries for scope in [from, to].
func (g *Gateway) GetHistory(ctx context.Context, scope string, from, to time.Time) (*HistoryPage, error) {
	if g.deps.History == nil {
		return nil, ErrHistoryUnavailable
	}
	logs, err := g.deps.History.GetUsageByScope(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	total, err := g.deps.History.GetTotalCostByScope(ctx, scope, from, to)
	if err != nil {
		return nil, err
	}
	if logs == nil {
		logs = []*billing.UsageLog{}
	}
	return &HistoryPage{
		Scope:         scope,
		From:          from,
		To:            to,
		TotalRequests: len(logs),
		TotalCostUSD:  total,
		Logs:          logs,
	}, nil
}
