// Package breaker implements the per-scope fail-fast switch. A scope has one
// slot per trigger; the scope is open while any slot is open. Slots close
// lazily the first time they are checked after their cooldown elapses.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Trigger string

const (
	TriggerBudget      Trigger = "budget"
	TriggerReliability Trigger = "reliability"
)

var Triggers = []Trigger{TriggerBudget, TriggerReliability}

var ErrInvalidCooldown = errors.New("breaker: cooldown must be >= 0")

type State struct {
	Scope           string    `json:"scope"`
	Trigger         Trigger   `json:"trigger"`
	OpenedAt        time.Time `json:"opened_at"`
	CooldownMinutes int       `json:"cooldown_minutes"`
	Reason          string    `json:"reason"`
}

func (s State) ClosesAt() time.Time {
	return s.OpenedAt.Add(time.Duration(s.CooldownMinutes) * time.Minute)
}

// OpenAt reports whether the slot is still open at t. The instant the
// cooldown elapses counts as closed.
func (s State) OpenAt(t time.Time) bool {
	return t.Before(s.ClosesAt())
}

// StateStore persists open slots. Get returns nil for a closed slot. Clear
// removes the slot only if it still carries openedAt, so a concurrent re-trip
// survives a lazy close.
type StateStore interface {
	Get(ctx context.Context, scope string, trigger Trigger) (*State, error)
	Put(ctx context.Context, s State) error
	Clear(ctx context.Context, scope string, trigger Trigger, openedAt time.Time) error
}

type Breaker struct {
	store  StateStore
	now    func() time.Time
	logger *zap.Logger
}

type Option func(*Breaker)

func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func WithLogger(l *zap.Logger) Option {
	return func(b *Breaker) { b.logger = l }
}

func New(store StateStore, opts ...Option) *Breaker {
	b := &Breaker{store: store, now: time.Now, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// IsOpen reports whether any trigger holds the scope open and joins the
// reasons of every open slot.
func (b *Breaker) IsOpen(ctx context.Context, scope string) (bool, string, error) {
	states, err := b.Status(ctx, scope)
	if err != nil {
		return false, "", err
	}
	if len(states) == 0 {
		return false, "", nil
	}
	reasons := make([]string, 0, len(states))
	for _, s := range states {
		reasons = append(reasons, fmt.Sprintf("%s: %s", s.Trigger, s.Reason))
	}
	return true, strings.Join(reasons, "; "), nil
}

// Status returns the open slots of a scope, clearing the ones whose cooldown
// has elapsed.
func (b *Breaker) Status(ctx context.Context, scope string) ([]State, error) {
	now := b.now()
	var open []State
	for _, trigger := range Triggers {
		s, err := b.store.Get(ctx, scope, trigger)
		if err != nil {
			return nil, fmt.Errorf("breaker: read %s state: %w", trigger, err)
		}
		if s == nil {
			continue
		}
		if s.OpenAt(now) {
			open = append(open, *s)
			continue
		}
		if err := b.store.Clear(ctx, scope, trigger, s.OpenedAt); err != nil {
			return nil, fmt.Errorf("breaker: clear %s state: %w", trigger, err)
		}
		b.logger.Info("breaker closed",
			zap.String("scope", scope),
			zap.String("trigger", string(trigger)),
			zap.Time("opened_at", s.OpenedAt))
	}
	return open, nil
}

// Trip opens the trigger's slot. Tripping an open slot overwrites its reason
// and restarts its cooldown.
func (b *Breaker) Trip(ctx context.Context, scope string, trigger Trigger, reason string, cooldownMinutes int) error {
	if cooldownMinutes < 0 {
		return ErrInvalidCooldown
	}
	s := State{
		Scope:           scope,
		Trigger:         trigger,
		OpenedAt:        b.now().UTC(),
		CooldownMinutes: cooldownMinutes,
		Reason:          reason,
	}
	if err := b.store.Put(ctx, s); err != nil {
		return fmt.Errorf("breaker: trip: %w", err)
	}
	b.logger.Warn("breaker tripped",
		zap.String("scope", scope),
		zap.String("trigger", string(trigger)),
		zap.String("reason", reason),
		zap.Int("cooldown_minutes", cooldownMinutes))
	return nil
}
