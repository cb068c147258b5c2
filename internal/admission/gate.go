// Package admission decides whether a scope can afford a call before it is
// issued.
package admission

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/vnmchuo/llm-costgate/internal/breaker"
	"github.com/vnmchuo/llm-costgate/internal/catalog"
	"github.com/vnmchuo/llm-costgate/internal/estimator"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
)

// thresholdEpsilon lets accumulated float sums that land on the threshold
// count as reaching it.
const thresholdEpsilon = 1e-9

type Estimator interface {
	Estimate(text, backendID string) estimator.Estimate
}

type UsageReader interface {
	CurrentUsage(ctx context.Context, scope string, g ledger.Granularity) (ledger.Usage, error)
}

type Breaker interface {
	IsOpen(ctx context.Context, scope string) (bool, string, error)
	Trip(ctx context.Context, scope string, trigger breaker.Trigger, reason string, cooldownMinutes int) error
}

type ProfileResolver interface {
	Profile(ctx context.Context, scope string) (catalog.QuotaProfile, error)
}

// Observer receives one call per decision.
type Observer interface {
	ObserveDecision(code string, allowed bool)
}

type Gate struct {
	estimator Estimator
	usage     UsageReader
	breaker   Breaker
	profiles  ProfileResolver
	logger    *zap.Logger
	observer  Observer
}

type Option func(*Gate)

func WithLogger(l *zap.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithObserver(o Observer) Option {
	return func(g *Gate) { g.observer = o }
}

func NewGate(est Estimator, usage UsageReader, br Breaker, profiles ProfileResolver, opts ...Option) *Gate {
	g := &Gate{
		estimator: est,
		usage:     usage,
		breaker:   br,
		profiles:  profiles,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate runs the admission checks in order and stops at the first denial.
// It never writes usage; the only side effect is tripping the budget breaker
// when projected daily spend reaches the tier's threshold. A non-nil error
// means the decision could not be made and the call must not proceed.
func (g *Gate) Evaluate(ctx context.Context, scope, text, backendID string) (Decision, error) {
	d, err := g.evaluate(ctx, scope, text, backendID)
	if err != nil {
		g.logger.Error("admission failed closed",
			zap.String("scope", scope),
			zap.String("backend_id", backendID),
			zap.Error(err))
		return Decision{}, err
	}

	fields := []zap.Field{
		zap.String("scope", scope),
		zap.String("backend_id", backendID),
		zap.Bool("allowed", d.Allowed),
		zap.String("code", string(d.Code)),
		zap.String("reason", d.Reason),
		zap.Int64("est_tokens", d.Estimate.Tokens),
		zap.Float64("est_cost_usd", d.Estimate.CostUSD),
	}
	if d.Allowed {
		g.logger.Info("admission decision", fields...)
	} else {
		g.logger.Warn("admission decision", fields...)
	}
	if g.observer != nil {
		g.observer.ObserveDecision(string(d.Code), d.Allowed)
	}
	return d, nil
}

func (g *Gate) evaluate(ctx context.Context, scope, text, backendID string) (Decision, error) {
	d := Decision{Scope: scope, BackendID: backendID}

	open, reason, err := g.breaker.IsOpen(ctx, scope)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: breaker: %w", err)
	}
	if open {
		return deny(d, CodeBreakerOpen, "Breaker open: "+reason), nil
	}

	profile, err := g.profiles.Profile(ctx, scope)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: profile: %w", err)
	}

	est := g.estimator.Estimate(text, backendID)
	d.Estimate = est

	if p := profile.MaxTokensPerRequest; p > 0 && est.Tokens > p {
		return deny(d, CodePerRequestTokens,
			fmt.Sprintf("Per-request token limit exceeded (%d > %d)", est.Tokens, p)), nil
	}
	if p := profile.MaxCostPerRequest; p > 0 && est.CostUSD > p {
		return deny(d, CodePerRequestCost,
			fmt.Sprintf("Per-request cost limit exceeded ($%.4f > $%.4f)", est.CostUSD, p)), nil
	}

	hourly, err := g.usage.CurrentUsage(ctx, scope, ledger.Hour)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: %w", err)
	}
	projHourly := project(hourly, est)
	d.Current.Hourly, d.Projected.Hourly = &hourly, &projHourly
	if code, reason, ok := checkWindow("Hourly", hourly, projHourly,
		profile.HourlyRequests, profile.HourlyTokens, profile.HourlyCost,
		CodeHourlyRequests, CodeHourlyTokens, CodeHourlyCost); !ok {
		return deny(d, code, reason), nil
	}

	daily, err := g.usage.CurrentUsage(ctx, scope, ledger.Day)
	if err != nil {
		return Decision{}, fmt.Errorf("admission: %w", err)
	}
	projDaily := project(daily, est)
	d.Current.Daily, d.Projected.Daily = &daily, &projDaily
	if code, reason, ok := checkWindow("Daily", daily, projDaily,
		profile.DailyRequests, profile.DailyTokens, profile.DailyCost,
		CodeDailyRequests, CodeDailyTokens, CodeDailyCost); !ok {
		return deny(d, code, reason), nil
	}

	if profile.DailyCost > 0 {
		fraction := projDaily.CostUSD / profile.DailyCost
		if fraction >= profile.BreakerThreshold-thresholdEpsilon {
			reason := fmt.Sprintf("Daily budget threshold reached (projected $%.4f is %.1f%% of $%.2f, threshold %.0f%%)",
				projDaily.CostUSD, fraction*100, profile.DailyCost, profile.BreakerThreshold*100)
			if err := g.breaker.Trip(ctx, scope, breaker.TriggerBudget, reason, profile.BreakerCooldownMinutes); err != nil {
				// the request is denied either way; a failed trip only means
				// the next request re-evaluates the threshold
				g.logger.Error("budget breaker trip failed", zap.String("scope", scope), zap.Error(err))
			}
			return deny(d, CodeBudgetThreshold, reason), nil
		}
	}

	return allow(d), nil
}

func project(u ledger.Usage, est estimator.Estimate) ledger.Usage {
	return ledger.Usage{
		Requests: u.Requests + 1,
		Tokens:   u.Tokens + est.Tokens,
		CostUSD:  u.CostUSD + est.CostUSD,
	}
}

func checkWindow(label string, current, projected ledger.Usage,
	maxRequests, maxTokens int64, maxCost float64,
	reqCode, tokCode, costCode Code,
) (Code, string, bool) {
	if maxRequests > 0 && projected.Requests > maxRequests {
		return reqCode, fmt.Sprintf("%s request limit reached (%d/%d)", label, current.Requests, maxRequests), false
	}
	if maxTokens > 0 && projected.Tokens > maxTokens {
		return tokCode, fmt.Sprintf("%s token limit exceeded (%d + %d > %d)",
			label, current.Tokens, projected.Tokens-current.Tokens, maxTokens), false
	}
	if maxCost > 0 && projected.CostUSD > maxCost {
		return costCode, fmt.Sprintf("%s cost limit exceeded ($%.4f + $%.4f > $%.2f)",
			label, current.CostUSD, projected.CostUSD-current.CostUSD, maxCost), false
	}
	return "", "", true
}
