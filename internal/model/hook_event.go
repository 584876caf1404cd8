package model

// HookEventSource tells which producer appended an event to the log.
type HookEventSource string

const (
	SourceUserTx     HookEventSource = "USER_TX"
	SourceDemoTrader HookEventSource = "DEMO_TRADER"
	SourceIndexer    HookEventSource = "INDEXER"
)

// HookEvent is a decoded SwapPriceLogged event as kept in the event log.
type HookEvent struct {
	ID           string          `json:"id"`
	Source       HookEventSource `json:"source"`
	TxHash       string          `json:"txHash"`
	PoolID       string          `json:"poolId"`
	Tick         int32           `json:"tick"`
	SqrtPriceX96 string          `json:"sqrtPriceX96"`
	TimestampMs  int64           `json:"timestampMs"`
}

// HookEventWire is the demo-trade endpoint's representation. Large integers
// travel as decimal strings.
type HookEventWire struct {
	TxHash       string  `json:"txHash"`
	PoolID       string  `json:"poolId"`
	Tick         int32   `json:"tick"`
	SqrtPriceX96 string  `json:"sqrtPriceX96"`
	Timestamp    string  `json:"timestamp"`
	LogIndex     *uint64 `json:"logIndex,omitempty"`
}

// DemoTradeResult is the result body of a demo-trade run.
type DemoTradeResult struct {
	BlockNumber string          `json:"blockNumber"`
	Swaps       int             `json:"swaps"`
	TxHashes    []string        `json:"txHashes"`
	HookEvents  []HookEventWire `json:"hookEvents"`
}
