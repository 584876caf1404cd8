package indexer

import (
	"context"
	"fmt"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"positionkeeper/internal/hook"
	"positionkeeper/internal/model"
	"positionkeeper/internal/retry"
)

var testEmitter = common.HexToAddress("0x00000000000000000000000000000000000000f1")

type fakeChain struct {
	latest     uint64
	logs       map[uint64][]types.Log
	queries    []BlockRange
	fails      int
	blockTimes map[uint64]uint64
	timeReads  int
}

func (f *fakeChain) LatestBlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, from, to uint64, addresses []common.Address, topic0 []common.Hash) ([]types.Log, error) {
	if f.fails > 0 {
		f.fails--
		return nil, errTooManyRequests
	}
	f.queries = append(f.queries, BlockRange{From: from, To: to})
	var out []types.Log
	for block := from; block <= to; block++ {
		for _, log := range f.logs[block] {
			if len(addresses) == 1 && log.Address == addresses[0] && len(topic0) == 1 && log.Topics[0] == topic0[0] {
				out = append(out, log)
			}
		}
	}
	return out, nil
}

func (f *fakeChain) BlockTimestamp(_ context.Context, number uint64) (uint64, error) {
	f.timeReads++
	ts, ok := f.blockTimes[number]
	if !ok {
		return 0, retry.MarkPermanent(fmt.Errorf("header %d not found", number))
	}
	return ts, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errTooManyRequests = errString("429 Too Many Requests")

type memorySink struct {
	events []model.HookEvent
}

func (m *memorySink) AddMany(_ context.Context, events []model.HookEvent) error {
	m.events = append(m.events, events...)
	return nil
}

func hookLog(t *testing.T, block uint64, index uint, tick int64) types.Log {
	t.Helper()
	return hookLogAt(t, block, index, tick, big.NewInt(1700000000+int64(block)))
}

func hookLogAt(t *testing.T, block uint64, index uint, tick int64, timestamp *big.Int) types.Log {
	t.Helper()
	parsed, err := hook.ABI()
	if err != nil {
		t.Fatalf("abi: %v", err)
	}
	event := parsed.Events[hook.EventName]
	data, err := event.Inputs.NonIndexed().Pack(big.NewInt(tick), big.NewInt(4096), timestamp)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	return types.Log{
		Address:     testEmitter,
		Topics:      []common.Hash{event.ID, common.HexToHash("0x0a")},
		Data:        data,
		BlockNumber: block,
		TxHash:      common.BigToHash(new(big.Int).SetUint64(block)),
		Index:       index,
	}
}

func testRunner(t *testing.T, cfg RunConfig, chain Chain, sink Sink) *Runner {
	t.Helper()
	decoder, err := hook.NewDecoder(testEmitter.Hex(), nil)
	if err != nil {
		t.Fatalf("decoder: %v", err)
	}
	policy := retry.NewPolicy(nil)
	policy.Sleep = func(context.Context, time.Duration) error { return nil }
	return NewRunner(cfg, chain, decoder, sink, policy, nil)
}

func TestRunBackfillsAndResumes(t *testing.T) {
	chain := &fakeChain{
		latest: 105,
		logs: map[uint64][]types.Log{
			101: {hookLog(t, 101, 0, -10)},
			104: {hookLog(t, 104, 2, 20), hookLog(t, 104, 3, 30)},
		},
		fails: 1,
	}
	sink := &memorySink{}
	cpPath := filepath.Join(t.TempDir(), "checkpoint.json")

	summary, err := testRunner(t, RunConfig{FromBlock: 100, BatchSize: 3, CheckpointPath: cpPath}, chain, sink).Run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.From != 100 || summary.To != 105 || summary.Batches != 2 || summary.Events != 3 {
		t.Fatalf("summary = %+v", summary)
	}
	if len(sink.events) != 3 {
		t.Fatalf("events = %d, want 3", len(sink.events))
	}
	for i, tick := range []int32{-10, 20, 30} {
		if sink.events[i].Tick != tick || sink.events[i].Source != model.SourceIndexer {
			t.Fatalf("event %d = %+v", i, sink.events[i])
		}
	}

	// A second run with a higher head scans only the new blocks.
	chain.latest = 107
	chain.queries = nil
	summary, err = testRunner(t, RunConfig{FromBlock: 100, BatchSize: 3, CheckpointPath: cpPath}, chain, sink).Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(chain.queries) != 1 || chain.queries[0] != (BlockRange{From: 106, To: 107}) {
		t.Fatalf("queries = %+v", chain.queries)
	}
	if summary.Events != 0 || len(sink.events) != 3 {
		t.Fatalf("second run appended %d events", summary.Events)
	}
}

func TestUnusableTimestampTakesBlockTime(t *testing.T) {
	huge := new(big.Int).Lsh(big.NewInt(1), 200)
	chain := &fakeChain{
		latest: 12,
		logs: map[uint64][]types.Log{
			10: {hookLog(t, 10, 0, 1)},
			12: {hookLogAt(t, 12, 1, 2, huge)},
		},
		blockTimes: map[uint64]uint64{12: 1700000123},
	}
	sink := &memorySink{}

	if _, err := testRunner(t, RunConfig{FromBlock: 10}, chain, sink).Run(context.Background()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(sink.events) != 2 {
		t.Fatalf("events = %d, want 2", len(sink.events))
	}
	if got := sink.events[0].TimestampMs; got != 1700000010000 {
		t.Fatalf("first timestamp = %d, want the logged one", got)
	}
	if got := sink.events[1].TimestampMs; got != 1700000123000 {
		t.Fatalf("second timestamp = %d, want block time", got)
	}
	if chain.timeReads != 1 {
		t.Fatalf("block time reads = %d, want 1", chain.timeReads)
	}

	chain.logs[11] = []types.Log{hookLogAt(t, 11, 0, 3, huge)}
	_, err := testRunner(t, RunConfig{FromBlock: 11, ToBlock: 11}, chain, &memorySink{}).Run(context.Background())
	if err == nil {
		t.Fatalf("expected a missing block time to fail the batch")
	}
}

func TestCheckpointOfOtherEmitterIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cp.json")
	if err := NewCheckpointStore(path, common.HexToAddress("0x01")).Save(500); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, ok, err := NewCheckpointStore(path, testEmitter).Load(); err != nil || ok {
		t.Fatalf("load = %v %v, want no checkpoint", ok, err)
	}
	cp, ok, err := NewCheckpointStore(path, common.HexToAddress("0x01")).Load()
	if err != nil || !ok || cp.LastProcessedBlock != 500 {
		t.Fatalf("load = %+v %v %v", cp, ok, err)
	}
}

func TestParseBlock(t *testing.T) {
	cases := map[string]uint64{"": 0, "latest": 0, "42": 42, "0x2a": 42}
	for input, want := range cases {
		got, err := ParseBlock(input)
		if err != nil || got != want {
			t.Fatalf("ParseBlock(%q) = %d %v, want %d", input, got, err, want)
		}
	}
	if _, err := ParseBlock("forty"); err == nil {
		t.Fatalf("expected error")
	}
}
