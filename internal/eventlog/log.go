package eventlog

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"positionkeeper/internal/model"
)

// Policy controls optional safeguards. The zero value appends everything and
// never evicts.
type Policy struct {
	// DedupByID drops events whose id is already present.
	DedupByID bool
	// MaxEvents evicts the oldest events beyond this many. Zero is unbounded.
	MaxEvents int
}

// Log is the ordered hook event collection. Every mutation is applied to
// the collection as currently stored, so appends made through other Logs on
// the same store are kept. A failed save leaves the log unchanged. Log is safe
// for concurrent use.
type Log struct {
	store  Store
	policy Policy
	logger *zap.Logger

	mu     sync.RWMutex
	events []model.HookEvent
}

// Open rehydrates the log from store.
func Open(ctx context.Context, store Store, policy Policy, logger *zap.Logger) (*Log, error) {
	if store == nil {
		store = &MemoryStore{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	events, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load event log: %w", err)
	}
	logger.Debug("event log loaded", zap.Int("events", len(events)))
	return &Log{store: store, policy: policy, logger: logger, events: events}, nil
}

// AddMany appends events after the stored ones, preserving their order.
func (l *Log) AddMany(ctx context.Context, events []model.HookEvent) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	var admitted int
	stored, err := l.store.Update(ctx, func(current []model.HookEvent) ([]model.HookEvent, error) {
		batch := l.admit(current, events)
		admitted = len(batch)
		next := make([]model.HookEvent, 0, len(current)+len(batch))
		next = append(next, current...)
		next = append(next, batch...)
		if max := l.policy.MaxEvents; max > 0 && len(next) > max {
			next = next[len(next)-max:]
		}
		return next, nil
	})
	if err != nil {
		return fmt.Errorf("save event log: %w", err)
	}
	l.events = stored
	l.logger.Debug("events appended", zap.Int("offered", len(events)), zap.Int("admitted", admitted), zap.Int("total", len(stored)))
	return nil
}

// AddOne appends a single event.
func (l *Log) AddOne(ctx context.Context, event model.HookEvent) error {
	return l.AddMany(ctx, []model.HookEvent{event})
}

// Clear empties the log.
func (l *Log) Clear(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.store.Update(ctx, Replace(nil)); err != nil {
		return fmt.Errorf("save event log: %w", err)
	}
	l.events = nil
	return nil
}

// Events returns a copy of the log in insertion order, as of the last load
// or mutation.
func (l *Log) Events() []model.HookEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]model.HookEvent(nil), l.events...)
}

// Len returns the number of events as of the last load or mutation.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// admit applies the dedup policy to an incoming batch.
func (l *Log) admit(current, events []model.HookEvent) []model.HookEvent {
	if !l.policy.DedupByID {
		return events
	}
	seen := make(map[string]struct{}, len(current)+len(events))
	for _, ev := range current {
		seen[ev.ID] = struct{}{}
	}
	out := make([]model.HookEvent, 0, len(events))
	for _, ev := range events {
		if _, ok := seen[ev.ID]; ok {
			continue
		}
		seen[ev.ID] = struct{}{}
		out = append(out, ev)
	}
	return out
}

// MostRecentFirst returns events in reverse insertion order.
func MostRecentFirst(events []model.HookEvent) []model.HookEvent {
	out := make([]model.HookEvent, len(events))
	for i, ev := range events {
		out[len(events)-1-i] = ev
	}
	return out
}
