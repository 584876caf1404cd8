package chain

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"

	"positionkeeper/internal/retry"
)

var (
	okTarget     = common.HexToAddress("0x1111111111111111111111111111111111111111")
	revertTarget = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

type callArgs struct {
	From *common.Address `json:"from"`
	To   common.Address  `json:"to"`
	Data hexutil.Bytes   `json:"data"`
}

type fakeEth struct {
	receiptAfter int
	lookups      int
	headerReads  int
}

func (f *fakeEth) GetBlockByNumber(number string, _ bool) (*types.Header, error) {
	f.headerReads++
	n, err := hexutil.DecodeUint64(number)
	if err != nil {
		return nil, err
	}
	return &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Difficulty: common.Big0,
		Time:       1700000000 + n,
	}, nil
}

func (f *fakeEth) Call(args callArgs, _ string) (hexutil.Bytes, error) {
	if args.To == revertTarget {
		return nil, errors.New("execution reverted")
	}
	return append(hexutil.Bytes{0xaa}, args.Data...), nil
}

func (f *fakeEth) GetTransactionReceipt(hash common.Hash) (*types.Receipt, error) {
	f.lookups++
	if f.lookups < f.receiptAfter {
		return nil, nil
	}
	return &types.Receipt{
		Type:              types.LegacyTxType,
		Status:            types.ReceiptStatusSuccessful,
		CumulativeGasUsed: 21000,
		Bloom:             types.Bloom{},
		Logs:              []*types.Log{},
		TxHash:            hash,
		GasUsed:           21000,
		BlockHash:         common.HexToHash("0x01"),
		BlockNumber:       common.Big1,
	}, nil
}

func newTestClient(t *testing.T, svc *fakeEth) *Client {
	t.Helper()
	server := rpc.NewServer()
	if err := server.RegisterName("eth", svc); err != nil {
		t.Fatalf("register: %v", err)
	}
	t.Cleanup(server.Stop)
	client := NewClientFromRPC(rpc.DialInProc(server), Options{ReceiptPoll: time.Millisecond})
	t.Cleanup(client.Close)
	return client
}

func TestBatchReadPerCallResults(t *testing.T) {
	client := newTestClient(t, &fakeEth{})

	calls := []Call{
		{To: okTarget, Data: []byte{0x01}},
		{To: revertTarget, Data: []byte{0x02}},
		{To: okTarget, Data: []byte{0x03}},
	}
	results, err := client.BatchRead(context.Background(), calls)
	if err != nil {
		t.Fatalf("batch read: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK() || results[0].Data[1] != 0x01 {
		t.Fatalf("first result mismatch: %+v", results[0])
	}
	if results[1].OK() {
		t.Fatalf("expected reverted call to fail")
	}
	if !results[2].OK() || results[2].Data[1] != 0x03 {
		t.Fatalf("third result mismatch: %+v", results[2])
	}
}

func TestBatchReadRejectsMalformedCall(t *testing.T) {
	client := newTestClient(t, &fakeEth{})

	_, err := client.BatchRead(context.Background(), []Call{{Data: []byte{0x01}}})
	if !errors.Is(err, ErrMalformedCall) {
		t.Fatalf("expected malformed call error, got %v", err)
	}
}

func TestReadWithRetryKeepsRevert(t *testing.T) {
	client := newTestClient(t, &fakeEth{})
	policy := retry.NewPolicy(nil)
	sleeps := 0
	policy.Sleep = func(context.Context, time.Duration) error {
		sleeps++
		return nil
	}

	results, err := ReadWithRetry(context.Background(), policy, client, []Call{
		{To: okTarget, Data: []byte{0x01}},
		{To: revertTarget, Data: []byte{0x02}},
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !results[0].OK() || results[1].OK() {
		t.Fatalf("unexpected results: %+v", results)
	}
	if sleeps != 0 {
		t.Fatalf("revert should not be retried, slept %d times", sleeps)
	}
}

func TestWaitMinedPollsUntilFound(t *testing.T) {
	svc := &fakeEth{receiptAfter: 3}
	client := newTestClient(t, svc)

	hash := common.HexToHash("0xabc")
	receipt, err := client.WaitMined(context.Background(), hash)
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.TxHash != hash {
		t.Fatalf("receipt hash mismatch: %s", receipt.TxHash.Hex())
	}
	if svc.lookups != 3 {
		t.Fatalf("expected 3 lookups, got %d", svc.lookups)
	}
}

func TestBlockTimestampIsCached(t *testing.T) {
	svc := &fakeEth{}
	client := newTestClient(t, svc)

	for i := 0; i < 2; i++ {
		ts, err := client.BlockTimestamp(context.Background(), 12)
		if err != nil {
			t.Fatalf("block timestamp: %v", err)
		}
		if ts != 1700000012 {
			t.Fatalf("timestamp = %d, want 1700000012", ts)
		}
	}
	if svc.headerReads != 1 {
		t.Fatalf("header reads = %d, want 1", svc.headerReads)
	}
}
