package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. Each scope has its own lock
// so unrelated scopes never contend.
type MemoryStore struct {
	mu     sync.Mutex
	scopes map[string]*scopeWindows
}

type scopeWindows struct {
	mu      sync.Mutex
	windows map[WindowKey]*Window
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{scopes: make(map[string]*scopeWindows)}
}

func (s *MemoryStore) scope(name string, create bool) *scopeWindows {
	s.mu.Lock()
	defer s.mu.Unlock()
	sw, ok := s.scopes[name]
	if !ok && create {
		sw = &scopeWindows{windows: make(map[WindowKey]*Window)}
		s.scopes[name] = sw
	}
	return sw
}

func (s *MemoryStore) Increment(_ context.Context, keys []WindowKey, d Delta, at time.Time) error {
	// group by scope; the ledger only ever sends one scope per call
	for len(keys) > 0 {
		scope := keys[0].Scope
		var batch, rest []WindowKey
		for _, k := range keys {
			if k.Scope == scope {
				batch = append(batch, k)
			} else {
				rest = append(rest, k)
			}
		}

		sw := s.scope(scope, true)
		sw.mu.Lock()
		for _, k := range batch {
			w, ok := sw.windows[k]
			if !ok {
				w = &Window{Key: k}
				sw.windows[k] = w
			}
			w.Usage.Requests += d.Requests
			w.Usage.Tokens += d.Tokens
			w.Usage.CostUSD += d.CostUSD
			if at.After(w.LastUpdated) {
				w.LastUpdated = at
			}
		}
		sw.mu.Unlock()
		keys = rest
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key WindowKey) (Window, bool, error) {
	sw := s.scope(key.Scope, false)
	if sw == nil {
		return Window{}, false, nil
	}
	sw.mu.Lock()
	defer sw.mu.Unlock()
	w, ok := sw.windows[key]
	if !ok {
		return Window{}, false, nil
	}
	return *w, true, nil
}

// Len reports how many windows exist. Tests use it to prove reads are pure.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	scopes := make([]*scopeWindows, 0, len(s.scopes))
	for _, sw := range s.scopes {
		scopes = append(scopes, sw)
	}
	s.mu.Unlock()

	n := 0
	for _, sw := range scopes {
		sw.mu.Lock()
		n += len(sw.windows)
		sw.mu.Unlock()
	}
	return n
}
