// Package hook decodes the price logs emitted by the pool hook contract.
package hook

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"positionkeeper/internal/model"
)

// SwapPriceLogged is a decoded hook event together with its log position.
type SwapPriceLogged struct {
	PoolID       common.Hash
	Tick         int32
	SqrtPriceX96 *big.Int
	Timestamp    *big.Int

	TxHash      common.Hash
	LogIndex    uint
	BlockNumber uint64
}

// SkipReason tells why a log produced no event.
type SkipReason string

const (
	SkipForeignEmitter SkipReason = "foreign_emitter"
	SkipUnknownTopic   SkipReason = "unknown_topic"
	SkipMalformed      SkipReason = "malformed"
)

// Decoded is the outcome for one log: either Event is set, or Skip names the
// reason the log was ignored.
type Decoded struct {
	Event *SwapPriceLogged
	Skip  SkipReason
	Err   error
}

// OK reports whether the log decoded into an event.
func (d Decoded) OK() bool { return d.Event != nil }

var errEmitterRequired = errors.New("hook emitter address is required")

// Decoder decodes SwapPriceLogged logs of a single emitter.
type Decoder struct {
	emitter common.Address
	event   abi.Event
	logger  *zap.Logger
}

// NewDecoder builds a decoder for logs emitted by emitter.
func NewDecoder(emitter string, logger *zap.Logger) (*Decoder, error) {
	if emitter == "" {
		return nil, errEmitterRequired
	}
	if !common.IsHexAddress(emitter) {
		return nil, fmt.Errorf("invalid hook address: %s", emitter)
	}
	parsed, err := ABI()
	if err != nil {
		return nil, fmt.Errorf("parse hook abi: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{
		emitter: common.HexToAddress(emitter),
		event:   parsed.Events[EventName],
		logger:  logger,
	}, nil
}

// Emitter returns the hook address the decoder accepts.
func (d *Decoder) Emitter() common.Address {
	return d.emitter
}

// Topic returns the SwapPriceLogged signature hash.
func (d *Decoder) Topic() common.Hash {
	return d.event.ID
}

// Decode returns one outcome per log, in input order.
func (d *Decoder) Decode(logs []types.Log) []Decoded {
	out := make([]Decoded, len(logs))
	for i, log := range logs {
		out[i] = d.decodeOne(log)
		if !out[i].OK() && out[i].Skip != SkipForeignEmitter {
			d.logger.Debug("hook log skipped",
				zap.String("tx", log.TxHash.Hex()),
				zap.Uint("log_index", log.Index),
				zap.String("reason", string(out[i].Skip)),
				zap.Error(out[i].Err),
			)
		}
	}
	return out
}

// Events returns only the decoded events of logs, preserving log order.
func (d *Decoder) Events(logs []types.Log) []SwapPriceLogged {
	events := make([]SwapPriceLogged, 0, len(logs))
	for _, decoded := range d.Decode(logs) {
		if decoded.OK() {
			events = append(events, *decoded.Event)
		}
	}
	return events
}

func (d *Decoder) decodeOne(log types.Log) Decoded {
	if log.Address != d.emitter {
		return Decoded{Skip: SkipForeignEmitter}
	}
	if len(log.Topics) == 0 || log.Topics[0] != d.event.ID {
		return Decoded{Skip: SkipUnknownTopic}
	}

	indexed := indexedArguments(d.event.Inputs)
	if len(log.Topics) != len(indexed)+1 {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(log.Topics))}
	}
	var topics struct {
		PoolId [32]byte
	}
	if err := abi.ParseTopics(&topics, indexed, log.Topics[1:]); err != nil {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("parse topics: %w", err)}
	}

	values, err := d.event.Inputs.NonIndexed().Unpack(log.Data)
	if err != nil {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("unpack %s: %w", d.event.Name, err)}
	}
	if len(values) != 3 {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("expected 3 values, got %d", len(values))}
	}

	tickBig, ok := values[0].(*big.Int)
	if !ok {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("tick type %T", values[0])}
	}
	tick, err := int24FromBig(tickBig)
	if err != nil {
		return Decoded{Skip: SkipMalformed, Err: err}
	}
	sqrtPrice, ok := values[1].(*big.Int)
	if !ok {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("sqrtPriceX96 type %T", values[1])}
	}
	timestamp, ok := values[2].(*big.Int)
	if !ok {
		return Decoded{Skip: SkipMalformed, Err: fmt.Errorf("timestamp type %T", values[2])}
	}

	return Decoded{Event: &SwapPriceLogged{
		PoolID:       common.Hash(topics.PoolId),
		Tick:         tick,
		SqrtPriceX96: new(big.Int).Set(sqrtPrice),
		Timestamp:    new(big.Int).Set(timestamp),
		TxHash:       log.TxHash,
		LogIndex:     log.Index,
		BlockNumber:  log.BlockNumber,
	}}
}

// EventID derives the log-position identity of an event.
func EventID(txHash string, logIndex uint64) string {
	return txHash + "-" + strconv.FormatUint(logIndex, 10)
}

// ToHookEvent converts a decoded event into an event log entry. An unusable
// timestamp is replaced by fallbackMs.
func ToHookEvent(ev SwapPriceLogged, source model.HookEventSource, fallbackMs int64) model.HookEvent {
	txHash := ev.TxHash.Hex()
	return model.HookEvent{
		ID:           EventID(txHash, uint64(ev.LogIndex)),
		Source:       source,
		TxHash:       txHash,
		PoolID:       ev.PoolID.Hex(),
		Tick:         ev.Tick,
		SqrtPriceX96: ev.SqrtPriceX96.String(),
		TimestampMs:  TimestampMs(ev.Timestamp, fallbackMs),
	}
}

// ToHookEvents converts events in order.
func ToHookEvents(events []SwapPriceLogged, source model.HookEventSource, fallbackMs int64) []model.HookEvent {
	out := make([]model.HookEvent, len(events))
	for i, ev := range events {
		out[i] = ToHookEvent(ev, source, fallbackMs)
	}
	return out
}

var maxTimestampSeconds = big.NewInt(math.MaxInt64 / 1000)

// ValidTimestamp reports whether seconds converts to milliseconds without
// overflowing int64.
func ValidTimestamp(seconds *big.Int) bool {
	return seconds != nil && seconds.Sign() >= 0 && seconds.Cmp(maxTimestampSeconds) <= 0
}

// TimestampMs converts a timestamp in seconds to milliseconds. A missing,
// negative or overflowing timestamp yields fallbackMs.
func TimestampMs(seconds *big.Int, fallbackMs int64) int64 {
	if !ValidTimestamp(seconds) {
		return fallbackMs
	}
	return seconds.Int64() * 1000
}

func indexedArguments(args abi.Arguments) abi.Arguments {
	indexed := make(abi.Arguments, 0, len(args))
	for _, arg := range args {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	return indexed
}

func int24FromBig(value *big.Int) (int32, error) {
	min := big.NewInt(-1 << 23)
	max := big.NewInt((1 << 23) - 1)
	if value.Cmp(min) < 0 || value.Cmp(max) > 0 {
		return 0, fmt.Errorf("int24 overflow: %s", value.String())
	}
	return int32(value.Int64()), nil
}
