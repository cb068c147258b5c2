// Package billing records what every backend attempt actually consumed.
package billing

import (
	"context"
	"time"
)

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// UsageLog is one immutable audit entry.
type UsageLog struct {
	ID           string    `json:"id"`
	RequestID    string    `json:"request_id"`
	Scope        string    `json:"scope"`
	BackendID    string    `json:"backend_id"`
	Model        string    `json:"model,omitempty"`
	EstTokens    int64     `json:"est_tokens"`
	ActualTokens int64     `json:"actual_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	Allowed      bool      `json:"allowed"`
	Outcome      Outcome   `json:"outcome"`
	Reason       string    `json:"reason,omitempty"`
	LatencyMs    int64     `json:"latency_ms"`
	CreatedAt    time.Time `json:"created_at"`
}

// Sink appends audit entries. Store implementations and the async audit
// queue both satisfy it.
type Sink interface {
	LogUsage(ctx context.Context, log *UsageLog) error
}

type Store interface {
	Sink
	GetUsageByScope(ctx context.Context, scope string, from, to time.Time) ([]*UsageLog, error)
	GetTotalCostByScope(ctx context.Context, scope string, from, to time.Time) (float64, error)
}
