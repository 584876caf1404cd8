// Package eventlog keeps the ordered, persisted log of hook events shared by
// every flow that produces them.
package eventlog

import (
	"context"
	"sync"

	"positionkeeper/internal/model"
)

// DefaultKey is the storage key the collection is persisted under.
const DefaultKey = "hook-event-store"

// UpdateFunc derives the collection to store from the stored one.
type UpdateFunc func(stored []model.HookEvent) ([]model.HookEvent, error)

// Store persists the whole collection as one unit. Update runs fn on the
// collection as currently stored and saves the result, excluding every other
// writer of the same collection, including writers in other processes, until
// it returns. When fn fails nothing is saved.
type Store interface {
	Load(ctx context.Context) ([]model.HookEvent, error)
	Update(ctx context.Context, fn UpdateFunc) ([]model.HookEvent, error)
}

// MemoryStore keeps the collection in memory only.
type MemoryStore struct {
	mu     sync.Mutex
	events []model.HookEvent
}

func (m *MemoryStore) Load(context.Context) ([]model.HookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.HookEvent(nil), m.events...), nil
}

func (m *MemoryStore) Update(_ context.Context, fn UpdateFunc) ([]model.HookEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, err := fn(append([]model.HookEvent(nil), m.events...))
	if err != nil {
		return nil, err
	}
	m.events = append([]model.HookEvent(nil), next...)
	return next, nil
}

// Replace stores events regardless of what is stored.
func Replace(events []model.HookEvent) UpdateFunc {
	return func([]model.HookEvent) ([]model.HookEvent, error) {
		if events == nil {
			return []model.HookEvent{}, nil
		}
		return events, nil
	}
}
