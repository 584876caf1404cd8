package postgres

import (
	"context"
	"os"
	"reflect"
	"testing"

	"positionkeeper/internal/eventlog"
	"positionkeeper/internal/model"
)

// Runs only against a live database: POSITIONCTL_TEST_PG_DSN=postgres://...
func TestStoreRoundTrip(t *testing.T) {
	dsn := os.Getenv("POSITIONCTL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("POSITIONCTL_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	store, err := NewStore(ctx, dsn, "test-hook-event-store")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}

	events := []model.HookEvent{
		{ID: "0x01-0", Source: model.SourceUserTx, TxHash: "0x01", PoolID: "0xaa", Tick: -3, SqrtPriceX96: "79228162514264337593543950336", TimestampMs: 1000},
		{ID: "0x02-1", Source: model.SourceDemoTrader, TxHash: "0x02", PoolID: "0xaa", Tick: 4, SqrtPriceX96: "1", TimestampMs: 2000},
	}
	if err := store.Save(ctx, events); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !reflect.DeepEqual(loaded, events) {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	if err := store.Save(ctx, nil); err != nil {
		t.Fatalf("clear: %v", err)
	}
	loaded, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 0 {
		t.Fatalf("expected empty collection, got %d", len(loaded))
	}
}

func TestStoreUpdateSeesOtherWriters(t *testing.T) {
	dsn := os.Getenv("POSITIONCTL_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("POSITIONCTL_TEST_PG_DSN not set")
	}

	ctx := context.Background()
	first, err := NewStore(ctx, dsn, "test-shared-hook-event-store")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer first.Close()
	if err := first.EnsureSchema(ctx); err != nil {
		t.Fatalf("schema: %v", err)
	}
	if err := first.Save(ctx, nil); err != nil {
		t.Fatalf("reset: %v", err)
	}
	second, err := NewStore(ctx, dsn, "test-shared-hook-event-store")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer second.Close()

	demo, err := eventlog.Open(ctx, first, eventlog.Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	flow, err := eventlog.Open(ctx, second, eventlog.Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := demo.AddOne(ctx, model.HookEvent{ID: "demo-0", Source: model.SourceDemoTrader, SqrtPriceX96: "1"}); err != nil {
		t.Fatalf("demo append: %v", err)
	}
	if err := flow.AddOne(ctx, model.HookEvent{ID: "user-0", Source: model.SourceUserTx, SqrtPriceX96: "1"}); err != nil {
		t.Fatalf("flow append: %v", err)
	}

	loaded, err := first.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded) != 2 || loaded[0].ID != "demo-0" || loaded[1].ID != "user-0" {
		t.Fatalf("stored = %+v", loaded)
	}
}
