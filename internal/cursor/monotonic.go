package cursor

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
)

// Monotonic guards a Store so that this process never hands out a value older than one it has
// already returned or appended for the same target.
type Monotonic struct {
	store Store
	mu    sync.Mutex
	seen  map[string]Value
}

var _ Store = (*Monotonic)(nil)

// NewMonotonic wraps store.
func NewMonotonic(store Store) *Monotonic {
	return &Monotonic{store: store, seen: make(map[string]Value)}
}

// Read implements Store. A store answering with an older value than already observed is
// reported as ErrCursorRegression.
func (m *Monotonic) Read(ctx context.Context, target Target) (Value, error) {
	v, err := m.store.Read(ctx, target)
	if err != nil {
		return Value{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := target.Key()
	if prev, ok := m.seen[key]; ok && v.Regresses(prev) {
		logrus.WithFields(logrus.Fields{
			"target":   key,
			"observed": EncodeToken(prev),
			"read":     EncodeToken(v),
		}).Error("Cursor store returned an older value than previously observed")
		return Value{}, regressionError(target, prev, v)
	}
	m.seen[key] = v
	return v, nil
}

// Append implements Store.
func (m *Monotonic) Append(ctx context.Context, target Target, v Value) error {
	if err := v.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	prev, ok := m.seen[target.Key()]
	m.mu.Unlock()
	if ok && v.Regresses(prev) {
		return regressionError(target, prev, v)
	}
	v = stamp(v)
	if err := m.store.Append(ctx, target, v); err != nil {
		return err
	}
	m.mu.Lock()
	m.seen[target.Key()] = v
	m.mu.Unlock()
	return nil
}

// Reset implements Store and forgets what was observed for target.
func (m *Monotonic) Reset(ctx context.Context, target Target) error {
	if err := m.store.Reset(ctx, target); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.seen, target.Key())
	m.mu.Unlock()
	return nil
}
