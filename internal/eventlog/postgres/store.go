// Package postgres persists the hook event log in a Postgres table, one row
// per storage key.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"positionkeeper/internal/eventlog"
	"positionkeeper/internal/model"
)

const schema = `
	CREATE TABLE IF NOT EXISTS hook_event_log (
		storage_key TEXT PRIMARY KEY,
		events JSONB NOT NULL DEFAULT '[]'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)
`

// Store provides Postgres persistence for an event log collection.
type Store struct {
	pool *pgxpool.Pool
	key  string
}

func NewStore(ctx context.Context, dsn, key string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pg dsn is required")
	}
	if key == "" {
		key = eventlog.DefaultKey
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &Store{pool: pool, key: key}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// EnsureSchema creates the event log table when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create hook_event_log: %w", err)
	}
	return nil
}

// Load returns the collection stored under the key, or nothing when the key
// has never been written.
func (s *Store) Load(ctx context.Context) ([]model.HookEvent, error) {
	var raw []byte
	row := s.pool.QueryRow(ctx, `SELECT events FROM hook_event_log WHERE storage_key=$1`, s.key)
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	var events []model.HookEvent
	if err := json.Unmarshal(raw, &events); err != nil {
		return nil, fmt.Errorf("parse stored events: %w", err)
	}
	return events, nil
}

// Update applies fn to the collection stored under the key inside a
// transaction that holds the row lock until it commits.
func (s *Store) Update(ctx context.Context, fn eventlog.UpdateFunc) ([]model.HookEvent, error) {
	var next []model.HookEvent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO hook_event_log (storage_key) VALUES ($1)
			ON CONFLICT (storage_key) DO NOTHING
		`, s.key); err != nil {
			return fmt.Errorf("ensure row: %w", err)
		}

		var raw []byte
		row := tx.QueryRow(ctx, `SELECT events FROM hook_event_log WHERE storage_key=$1 FOR UPDATE`, s.key)
		if err := row.Scan(&raw); err != nil {
			return fmt.Errorf("lock row: %w", err)
		}
		var stored []model.HookEvent
		if err := json.Unmarshal(raw, &stored); err != nil {
			return fmt.Errorf("parse stored events: %w", err)
		}

		updated, err := fn(stored)
		if err != nil {
			return err
		}
		if updated == nil {
			updated = []model.HookEvent{}
		}
		encoded, err := json.Marshal(updated)
		if err != nil {
			return fmt.Errorf("marshal events: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE hook_event_log SET events=$2::jsonb, updated_at=now()
			WHERE storage_key=$1
		`, s.key, string(encoded)); err != nil {
			return err
		}
		next = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

// Save replaces the collection stored under the key.
func (s *Store) Save(ctx context.Context, events []model.HookEvent) error {
	_, err := s.Update(ctx, eventlog.Replace(events))
	return err
}
