package billing

import (
	"context"
	"sort"
	"sync"
	"time"
)

type MemoryStore struct {
	mu   sync.Mutex
	logs []UsageLog
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) LogUsage(_ context.Context, log *UsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *log)
	return nil
}

func (m *MemoryStore) GetUsageByScope(_ context.Context, scope string, from, to time.Time) ([]*UsageLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*UsageLog
	for i := range m.logs {
		l := m.logs[i]
		if l.Scope == scope && !l.CreatedAt.Before(from) && !l.CreatedAt.After(to) {
			out = append(out, &l)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) GetTotalCostByScope(ctx context.Context, scope string, from, to time.Time) (float64, error) {
	logs, _ := m.GetUsageByScope(ctx, scope, from, to)
	var total float64
	for _, l := range logs {
		if l.Outcome == OutcomeSuccess {
			total += l.CostUSD
		}
	}
	return total, nil
}

// All returns a copy of every entry in insertion order.
func (m *MemoryStore) All() []UsageLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UsageLog(nil), m.logs...)
}
