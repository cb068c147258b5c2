package admission

import (
	"github.com/vnmchuo/llm-costgate/internal/estimator"
	"github.com/vnmchuo/llm-costgate/internal/ledger"
)

// Code identifies which check produced a decision.
type Code string

const (
	CodeOK               Code = "OK"
	CodeBreakerOpen      Code = "BREAKER_OPEN"
	CodePerRequestTokens Code = "PER_REQUEST_TOKENS"
	CodePerRequestCost   Code = "PER_REQUEST_COST"
	CodeHourlyRequests   Code = "HOURLY_REQUESTS"
	CodeHourlyTokens     Code = "HOURLY_TOKENS"
	CodeHourlyCost       Code = "HOURLY_COST"
	CodeDailyRequests    Code = "DAILY_REQUESTS"
	CodeDailyTokens      Code = "DAILY_TOKENS"
	CodeDailyCost        Code = "DAILY_COST"
	CodeBudgetThreshold  Code = "BUDGET_THRESHOLD"
)

// Kind groups denial codes for callers that only care about the broad cause.
type Kind string

const (
	KindNone          Kind = ""
	KindQuotaExceeded Kind = "QuotaExceeded"
	KindBreakerOpen   Kind = "BreakerOpen"
)

func (c Code) Kind() Kind {
	switch c {
	case CodeOK:
		return KindNone
	case CodeBreakerOpen, CodeBudgetThreshold:
		return KindBreakerOpen
	default:
		return KindQuotaExceeded
	}
}

type Decision struct {
	Allowed   bool               `json:"allowed"`
	Code      Code               `json:"code"`
	Kind      Kind               `json:"kind,omitempty"`
	Reason    string             `json:"reason"`
	Scope     string             `json:"scope"`
	BackendID string             `json:"backend_id"`
	Estimate  estimator.Estimate `json:"estimate"`
	Current   Usage              `json:"current"`
	Projected Usage              `json:"projected"`
}

// Usage pairs hourly and daily figures. A window the gate never read is nil,
// so breaker-open and per-request denials carry no snapshot at all and an
// hourly denial carries no daily one.
type Usage struct {
	Hourly *ledger.Usage `json:"hourly,omitempty"`
	Daily  *ledger.Usage `json:"daily,omitempty"`
}

func allow(d Decision) Decision {
	d.Allowed = true
	d.Code = CodeOK
	d.Kind = KindNone
	d.Reason = "OK"
	return d
}

func deny(d Decision, code Code, reason string) Decision {
	d.Allowed = false
	d.Code = code
	d.Kind = code.Kind()
	d.Reason = reason
	return d
}
