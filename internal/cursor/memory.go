package cursor

import (
	"context"
	"slices"
	"sync"
)

// MemoryStore keeps cursor history in process. It is used for dry runs and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	history map[string][]Value
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{history: make(map[string][]Value)}
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, target Target) (Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := s.history[target.Key()]
	if len(values) == 0 {
		return Value{}, nil
	}
	return values[len(values)-1], nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, target Target, v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	key := target.Key()
	values := s.history[key]
	if n := len(values); n > 0 && v.Regresses(values[n-1]) {
		return regressionError(target, values[n-1], v)
	}
	s.history[key] = append(values, stamp(v))
	return nil
}

// Reset implements Store.
func (s *MemoryStore) Reset(_ context.Context, target Target) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, target.Key())
	return nil
}

// History returns every value appended for target, oldest first.
func (s *MemoryStore) History(target Target) []Value {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.history[target.Key()])
}
