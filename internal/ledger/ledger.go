// Package ledger keeps per-scope usage counters in hourly and daily windows.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type Granularity string

const (
	Hour Granularity = "hour"
	Day  Granularity = "day"
)

var Granularities = []Granularity{Hour, Day}

var ErrInvalidDelta = errors.New("ledger: usage delta must be non-negative")

// PeriodKey identifies the window containing t. Keys are always UTC.
func PeriodKey(g Granularity, t time.Time) string {
	t = t.UTC()
	switch g {
	case Hour:
		return t.Format("2006-01-02T15")
	default:
		return t.Format("2006-01-02")
	}
}

type WindowKey struct {
	Scope       string
	Granularity Granularity
	PeriodKey   string
}

type Usage struct {
	Requests int64   `json:"requests"`
	Tokens   int64   `json:"tokens"`
	CostUSD  float64 `json:"cost_usd"`
}

type Window struct {
	Key         WindowKey
	Usage       Usage
	LastUpdated time.Time
}

type Delta struct {
	Requests int64
	Tokens   int64
	CostUSD  float64
}

// Store persists usage windows. Increment must apply the delta to every key
// atomically with respect to concurrent increments and must create missing
// windows. Get must never create a window.
type Store interface {
	Increment(ctx context.Context, keys []WindowKey, d Delta, at time.Time) error
	Get(ctx context.Context, key WindowKey) (Window, bool, error)
}

type Ledger struct {
	store Store
	now   func() time.Time
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func New(store Store, opts ...Option) *Ledger {
	l := &Ledger{store: store, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// CurrentUsage reads the window for the period containing now. A window that
// does not exist yet reads as zero usage.
func (l *Ledger) CurrentUsage(ctx context.Context, scope string, g Granularity) (Usage, error) {
	return l.usageAt(ctx, scope, g, l.now())
}

func (l *Ledger) usageAt(ctx context.Context, scope string, g Granularity, at time.Time) (Usage, error) {
	key := WindowKey{Scope: scope, Granularity: g, PeriodKey: PeriodKey(g, at)}
	w, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Usage{}, fmt.Errorf("ledger: read %s window: %w", g, err)
	}
	if !ok {
		return Usage{}, nil
	}
	return w.Usage, nil
}

// Commit records one request of the given size against the current hourly
// and daily windows.
func (l *Ledger) Commit(ctx context.Context, scope string, tokens int64, costUSD float64) error {
	if tokens < 0 || costUSD < 0 {
		return ErrInvalidDelta
	}
	at := l.now()
	keys := make([]WindowKey, 0, len(Granularities))
	for _, g := range Granularities {
		keys = append(keys, WindowKey{Scope: scope, Granularity: g, PeriodKey: PeriodKey(g, at)})
	}
	if err := l.store.Increment(ctx, keys, Delta{Requests: 1, Tokens: tokens, CostUSD: costUSD}, at); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

type Snapshot struct {
	Hourly  Usage  `json:"hourly"`
	Daily   Usage  `json:"daily"`
	HourKey string `json:"hour_key"`
	DayKey  string `json:"day_key"`
}

// Snapshot reads both windows against the same instant.
func (l *Ledger) Snapshot(ctx context.Context, scope string) (Snapshot, error) {
	at := l.now()
	hourly, err := l.usageAt(ctx, scope, Hour, at)
	if err != nil {
		return Snapshot{}, err
	}
	daily, err := l.usageAt(ctx, scope, Day, at)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		Hourly:  hourly,
		Daily:   daily,
		HourKey: PeriodKey(Hour, at),
		DayKey:  PeriodKey(Day, at),
	}, nil
}
