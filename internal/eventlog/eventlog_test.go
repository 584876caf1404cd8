package eventlog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"positionkeeper/internal/model"
)

func event(id string) model.HookEvent {
	return model.HookEvent{ID: id, Source: model.SourceUserTx, TxHash: "0x" + id, SqrtPriceX96: "1"}
}

func ids(events []model.HookEvent) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.ID
	}
	return out
}

type failingStore struct {
	MemoryStore
	fail bool
}

func (f *failingStore) Update(ctx context.Context, fn UpdateFunc) ([]model.HookEvent, error) {
	if f.fail {
		return nil, errors.New("disk full")
	}
	return f.MemoryStore.Update(ctx, fn)
}

func TestAppendOrdering(t *testing.T) {
	ctx := context.Background()
	log, err := Open(ctx, nil, Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := log.AddMany(ctx, []model.HookEvent{event("e1"), event("e2")}); err != nil {
		t.Fatalf("add A: %v", err)
	}
	if err := log.AddMany(ctx, []model.HookEvent{event("e3")}); err != nil {
		t.Fatalf("add B: %v", err)
	}

	if got := ids(log.Events()); !reflect.DeepEqual(got, []string{"e1", "e2", "e3"}) {
		t.Fatalf("order mismatch: %v", got)
	}
	if got := ids(MostRecentFirst(log.Events())); !reflect.DeepEqual(got, []string{"e3", "e2", "e1"}) {
		t.Fatalf("display order mismatch: %v", got)
	}
	if got := ids(log.Events()); !reflect.DeepEqual(got, []string{"e1", "e2", "e3"}) {
		t.Fatalf("display transform mutated the log: %v", got)
	}
}

func TestDuplicatesKeptByDefault(t *testing.T) {
	ctx := context.Background()
	log, err := Open(ctx, nil, Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	batch := []model.HookEvent{event("a"), event("b")}
	if err := log.AddMany(ctx, batch); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := log.AddMany(ctx, batch); err != nil {
		t.Fatalf("add again: %v", err)
	}
	if log.Len() != 4 {
		t.Fatalf("expected duplicates to be kept, got %d", log.Len())
	}
}

func TestPolicyDedupAndBound(t *testing.T) {
	ctx := context.Background()
	log, err := Open(ctx, nil, Policy{DedupByID: true, MaxEvents: 3}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := log.AddMany(ctx, []model.HookEvent{event("a"), event("b"), event("a")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := ids(log.Events()); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Fatalf("dedup mismatch: %v", got)
	}
	if err := log.AddMany(ctx, []model.HookEvent{event("b"), event("c"), event("d")}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := ids(log.Events()); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("bound mismatch: %v", got)
	}
}

func TestFailedSaveLeavesLogUnchanged(t *testing.T) {
	ctx := context.Background()
	store := &failingStore{}
	log, err := Open(ctx, store, Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := log.AddOne(ctx, event("a")); err != nil {
		t.Fatalf("add: %v", err)
	}

	store.fail = true
	if err := log.AddOne(ctx, event("b")); err == nil {
		t.Fatalf("expected save error")
	}
	if err := log.Clear(ctx); err == nil {
		t.Fatalf("expected save error on clear")
	}
	if got := ids(log.Events()); !reflect.DeepEqual(got, []string{"a"}) {
		t.Fatalf("log changed after failed save: %v", got)
	}
}

func TestFileStorePersistsAcrossOpen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state", "events.json")

	log, err := Open(ctx, NewFileStore(path, ""), Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	want := []model.HookEvent{
		{ID: "0xabc-0", Source: model.SourceDemoTrader, TxHash: "0xabc", PoolID: "0x01", Tick: -887272, SqrtPriceX96: "1461501637330902918203684832716283019655932542975", TimestampMs: 1700000000000},
		event("e2"),
	}
	if err := log.AddMany(ctx, want); err != nil {
		t.Fatalf("add: %v", err)
	}

	other := NewFileStore(path, "other-key")
	if err := other.Save(ctx, []model.HookEvent{event("x")}); err != nil {
		t.Fatalf("save other key: %v", err)
	}

	reopened, err := Open(ctx, NewFileStore(path, DefaultKey), Policy{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := reopened.Events(); !reflect.DeepEqual(got, want) {
		t.Fatalf("rehydrated mismatch: %+v", got)
	}

	if err := reopened.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}
	cleared, err := Open(ctx, NewFileStore(path, DefaultKey), Policy{}, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if cleared.Len() != 0 {
		t.Fatalf("expected empty log, got %d", cleared.Len())
	}
	kept, err := other.Load(ctx)
	if err != nil || len(kept) != 1 {
		t.Fatalf("other key lost: %v %v", kept, err)
	}
}

func TestProducersSharingAFileKeepEachOthersEvents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.json")

	demo, err := Open(ctx, NewFileStore(path, ""), Policy{}, nil)
	if err != nil {
		t.Fatalf("open demo: %v", err)
	}
	flow, err := Open(ctx, NewFileStore(path, ""), Policy{DedupByID: true}, nil)
	if err != nil {
		t.Fatalf("open flow: %v", err)
	}

	if err := demo.AddMany(ctx, []model.HookEvent{event("demo-0"), event("demo-1")}); err != nil {
		t.Fatalf("demo append: %v", err)
	}
	if err := flow.AddMany(ctx, []model.HookEvent{event("user-0"), event("demo-1")}); err != nil {
		t.Fatalf("flow append: %v", err)
	}

	want := []string{"demo-0", "demo-1", "user-0"}
	if got := ids(flow.Events()); !reflect.DeepEqual(got, want) {
		t.Fatalf("flow view = %v, want %v", got, want)
	}
	stored, err := NewFileStore(path, "").Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := ids(stored); !reflect.DeepEqual(got, want) {
		t.Fatalf("persisted = %v, want %v", got, want)
	}

	leftovers, err := filepath.Glob(path + ".*.tmp")
	if err != nil || len(leftovers) != 0 {
		t.Fatalf("temporary files left behind: %v %v", leftovers, err)
	}
}

func TestConcurrentFileAppendsKeepEveryEvent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.json")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		log, err := Open(ctx, NewFileStore(path, ""), Policy{}, nil)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		wg.Add(1)
		go func(i int, log *Log) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if err := log.AddOne(ctx, event(fmt.Sprintf("p%d-%d", i, j))); err != nil {
					t.Errorf("add: %v", err)
				}
			}
		}(i, log)
	}
	wg.Wait()

	stored, err := NewFileStore(path, "").Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(stored) != 20 {
		t.Fatalf("persisted %d events, want 20", len(stored))
	}
}

func TestConcurrentAppendsKeepEveryEvent(t *testing.T) {
	ctx := context.Background()
	log, err := Open(ctx, nil, Policy{}, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			batch := []model.HookEvent{event(string(rune('a'+i)) + "1"), event(string(rune('a'+i)) + "2")}
			if err := log.AddMany(ctx, batch); err != nil {
				t.Errorf("add: %v", err)
			}
		}(i)
	}
	wg.Wait()

	events := log.Events()
	if len(events) != 16 {
		t.Fatalf("expected 16 events, got %d", len(events))
	}
	pos := make(map[string]int, len(events))
	for i, ev := range events {
		pos[ev.ID] = i
	}
	for i := 0; i < 8; i++ {
		prefix := string(rune('a' + i))
		if pos[prefix+"1"]+1 != pos[prefix+"2"] {
			t.Fatalf("batch %s was split", prefix)
		}
	}
}
