package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Committer is the ledger side of recording.
type Committer interface {
	Commit(ctx context.Context, scope string, tokens int64, costUSD float64) error
}

// Attempt describes one physical backend call.
type Attempt struct {
	RequestID    string
	Scope        string
	BackendID    string
	Model        string
	EstTokens    int64
	ActualTokens int64
	CostUSD      float64
	Outcome      Outcome
	Reason       string
	LatencyMs    int64
}

// Recorder writes each attempt to the ledger (successes only) and to the
// audit sink. The ledger is the source of truth; audit failures are logged
// and swallowed.
type Recorder struct {
	ledger Committer
	sink   Sink
	logger *zap.Logger
	now    func() time.Time
}

type RecorderOption func(*Recorder)

func WithRecorderLogger(l *zap.Logger) RecorderOption {
	return func(r *Recorder) { r.logger = l }
}

func WithRecorderClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

func NewRecorder(ledger Committer, sink Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{ledger: ledger, sink: sink, logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record must be called exactly once per attempt. The returned error is the
// ledger commit error; a failed attempt never commits.
func (r *Recorder) Record(ctx context.Context, a Attempt) error {
	if a.Outcome == OutcomeSuccess {
		if err := r.ledger.Commit(ctx, a.Scope, a.ActualTokens, a.CostUSD); err != nil {
			r.logger.Error("ledger commit failed",
				zap.String("scope", a.Scope),
				zap.String("backend_id", a.BackendID),
				zap.String("request_id", a.RequestID),
				zap.Error(err))
			return fmt.Errorf("billing: %w", err)
		}
	} else {
		// nothing billable was consumed
		a.ActualTokens = 0
		a.CostUSD = 0
	}

	r.append(ctx, &UsageLog{
		RequestID:    a.RequestID,
		Scope:        a.Scope,
		BackendID:    a.BackendID,
		Model:        a.Model,
		EstTokens:    a.EstTokens,
		ActualTokens: a.ActualTokens,
		CostUSD:      a.CostUSD,
		Allowed:      true,
		Outcome:      a.Outcome,
		Reason:       a.Reason,
		LatencyMs:    a.LatencyMs,
	})
	return nil
}

// RecordDenial appends a denied admission decision to the audit log.
func (r *Recorder) RecordDenial(ctx context.Context, requestID, scope, backendID string, estTokens int64, reason string) {
	r.append(ctx, &UsageLog{
		RequestID: requestID,
		Scope:     scope,
		BackendID: backendID,
		EstTokens: estTokens,
		Allowed:   false,
		Outcome:   OutcomeDenied,
		Reason:    reason,
	})
}

func (r *Recorder) append(ctx context.Context, log *UsageLog) {
	if r.sink == nil {
		return
	}
	log.ID = uuid.NewString()
	log.CreatedAt = r.now().UTC()
	if err := r.sink.LogUsage(ctx, log); err != nil {
		r.logger.Warn("audit append failed",
			zap.String("scope", log.Scope),
			zap.String("request_id", log.RequestID),
			zap.String("outcome", string(log.Outcome)),
			zap.Error(err))
	}
}
