// Package protocol reads and encodes calls for the strategy router, the
// strategy lens and the ERC-20 assets they move.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"positionkeeper/internal/chain"
	"positionkeeper/internal/model"
	"positionkeeper/internal/retry"
)

// DefaultPositionSlots is how many userPositionIds slots are scanned.
const DefaultPositionSlots = 5

// ErrReverted marks a read the contract rejected. It is never retried.
var ErrReverted = errors.New("call reverted")

// Addresses are the deployed protocol contracts.
type Addresses struct {
	Router common.Address
	Lens   common.Address
}

// Client issues typed protocol reads through a batched chain reader.
type Client struct {
	reader chain.Reader
	policy *retry.Policy
	addrs  Addresses
	logger *zap.Logger
}

// NewClient creates a protocol client. A nil policy uses the read defaults.
func NewClient(reader chain.Reader, policy *retry.Policy, addrs Addresses, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy == nil {
		policy = retry.NewPolicy(logger)
	}
	return &Client{reader: reader, policy: policy, addrs: addrs, logger: logger}
}

// Addresses returns the configured contract addresses.
func (c *Client) Addresses() Addresses {
	return c.addrs
}

type request struct {
	to     common.Address
	from   *common.Address
	parsed abi.ABI
	method string
	args   []interface{}
}

type response struct {
	values []interface{}
	raw    []byte
	err    error
}

// read packs every request, dispatches them as one batch and unpacks the
// outputs in input order. Per-request failures are returned in the matching
// response; the error return is reserved for dispatch failures.
func (c *Client) read(ctx context.Context, reqs []request) ([]response, error) {
	calls := make([]chain.Call, len(reqs))
	for i, req := range reqs {
		data, err := req.parsed.Pack(req.method, req.args...)
		if err != nil {
			return nil, fmt.Errorf("pack %s: %w", req.method, err)
		}
		calls[i] = chain.Call{To: req.to, From: req.from, Data: data}
	}

	results, err := chain.ReadWithRetry(ctx, c.policy, c.reader, calls)
	if err != nil {
		return nil, err
	}

	out := make([]response, len(reqs))
	for i, res := range results {
		req := reqs[i]
		if !res.OK() {
			out[i] = response{err: callError(req.method, res.Err)}
			continue
		}
		values, err := req.parsed.Unpack(req.method, res.Data)
		if err != nil {
			out[i] = response{raw: res.Data, err: fmt.Errorf("unpack %s: %w", req.method, err)}
			continue
		}
		out[i] = response{values: values, raw: res.Data}
	}
	return out, nil
}

func (c *Client) readOne(ctx context.Context, req request) ([]interface{}, error) {
	out, err := c.read(ctx, []request{req})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.method, err)
	}
	return out[0].values, out[0].err
}

func callError(method string, err error) error {
	var exhausted *retry.ExhaustedError
	switch {
	case errors.As(err, &exhausted),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w", method, err)
	default:
		return fmt.Errorf("%s: %w: %v", method, ErrReverted, err)
	}
}

// UserPositionIDs reads userPositionIds(user, i) for every slot in one batch.
// Empty or reverted slots are dropped; ids keep slot order, oldest first.
func (c *Client) UserPositionIDs(ctx context.Context, user common.Address, slots int) ([]*big.Int, error) {
	if slots <= 0 {
		slots = DefaultPositionSlots
	}
	routerABI, err := RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}

	reqs := make([]request, slots)
	for i := range reqs {
		reqs[i] = request{
			to:     c.addrs.Router,
			parsed: routerABI,
			method: "userPositionIds",
			args:   []interface{}{user, big.NewInt(int64(i))},
		}
	}
	out, err := c.read(ctx, reqs)
	if err != nil {
		return nil, fmt.Errorf("userPositionIds: %w", err)
	}

	ids := make([]*big.Int, 0, slots)
	for i, res := range out {
		if res.err != nil {
			if errors.Is(res.err, ErrReverted) {
				c.logger.Debug("position slot unreadable", zap.Int("slot", i), zap.Error(res.err))
				continue
			}
			return nil, res.err
		}
		id, err := asBigInt(res.values[0])
		if err != nil {
			return nil, fmt.Errorf("slot %d: %w", i, err)
		}
		if id.Sign() == 0 {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PreviewClose simulates closing positionID.
func (c *Client) PreviewClose(ctx context.Context, positionID *big.Int) (model.ClosePreview, error) {
	routerABI, err := RouterABI()
	if err != nil {
		return model.ClosePreview{}, fmt.Errorf("parse router abi: %w", err)
	}
	values, err := c.readOne(ctx, request{
		to:     c.addrs.Router,
		parsed: routerABI,
		method: "previewClosePosition",
		args:   []interface{}{positionID},
	})
	if err != nil {
		return model.ClosePreview{}, err
	}
	if len(values) != 9 {
		return model.ClosePreview{}, fmt.Errorf("previewClosePosition: expected 9 values, got %d", len(values))
	}

	addrs := make([]common.Address, 3)
	for i := range addrs {
		if addrs[i], err = asAddress(values[i]); err != nil {
			return model.ClosePreview{}, fmt.Errorf("previewClosePosition: %w", err)
		}
	}
	amounts, err := bigInts(values[3:],
		"totalDebtToken", "lpBorrowTokenAmount", "minExtraFromUser",
		"maxExtraFromUser", "amount0FromLp", "amount1FromLp")
	if err != nil {
		return model.ClosePreview{}, fmt.Errorf("previewClosePosition: %w", err)
	}

	return model.ClosePreview{
		PositionID:         new(big.Int).Set(positionID),
		Vault:              addrs[0].Hex(),
		SupplyAsset:        addrs[1].Hex(),
		BorrowAsset:        addrs[2].Hex(),
		TotalDebt:          amounts[0],
		LPBorrowAmount:     amounts[1],
		RecommendedMinimum: amounts[2],
		TheoreticalMaximum: amounts[3],
		Amount0FromLP:      amounts[4],
		Amount1FromLP:      amounts[5],
	}, nil
}

// OpenRequest describes a position to open. TargetHF is 1e18 scaled.
type OpenRequest struct {
	SupplyAsset  common.Address
	SupplyAmount *big.Int
	BorrowAsset  common.Address
	TargetHF     *big.Int
}

func (r OpenRequest) args() []interface{} {
	return []interface{}{r.SupplyAsset, r.SupplyAmount, r.BorrowAsset, r.TargetHF}
}

// PreviewOpen simulates opening a position.
func (c *Client) PreviewOpen(ctx context.Context, req OpenRequest) (model.OpenPreview, error) {
	routerABI, err := RouterABI()
	if err != nil {
		return model.OpenPreview{}, fmt.Errorf("parse router abi: %w", err)
	}
	values, err := c.readOne(ctx, request{
		to:     c.addrs.Router,
		parsed: routerABI,
		method: "previewOpenPosition",
		args:   req.args(),
	})
	if err != nil {
		return model.OpenPreview{}, err
	}
	amounts, err := bigInts(values,
		"projectedHF", "ltvBefore", "ltvAfter",
		"finalBorrowAmount", "maxBorrowByLtv", "maxBorrowByTargetHF")
	if err != nil {
		return model.OpenPreview{}, fmt.Errorf("previewOpenPosition: %w", err)
	}

	return model.OpenPreview{
		SupplyAsset:         req.SupplyAsset.Hex(),
		BorrowAsset:         req.BorrowAsset.Hex(),
		SupplyAmount:        new(big.Int).Set(req.SupplyAmount),
		TargetHealthFactor:  new(big.Int).Set(req.TargetHF),
		ProjectedHF:         amounts[0],
		LTVBefore:           amounts[1],
		LTVAfter:            amounts[2],
		FinalBorrowAmount:   amounts[3],
		MaxBorrowByLTV:      amounts[4],
		MaxBorrowByTargetHF: amounts[5],
	}, nil
}

// SimulateCollect runs collectFees(positionID) as a call from account and
// returns the fee amounts it would withdraw.
func (c *Client) SimulateCollect(ctx context.Context, account common.Address, positionID *big.Int) (model.CollectPreview, error) {
	routerABI, err := RouterABI()
	if err != nil {
		return model.CollectPreview{}, fmt.Errorf("parse router abi: %w", err)
	}
	values, err := c.readOne(ctx, request{
		to:     c.addrs.Router,
		from:   &account,
		parsed: routerABI,
		method: "collectFees",
		args:   []interface{}{positionID},
	})
	if err != nil {
		return model.CollectPreview{}, err
	}
	amounts, err := bigInts(values, "amount0", "amount1")
	if err != nil {
		return model.CollectPreview{}, fmt.Errorf("collectFees: %w", err)
	}
	return model.CollectPreview{
		PositionID: new(big.Int).Set(positionID),
		Amount0:    amounts[0],
		Amount1:    amounts[1],
	}, nil
}

// SpendState is the live allowance and balance of owner for one asset.
type SpendState struct {
	Allowance *big.Int
	Balance   *big.Int
}

// ReadSpendState reads allowance(owner, spender) and balanceOf(owner) of
// token in one batch.
func (c *Client) ReadSpendState(ctx context.Context, token, owner, spender common.Address) (SpendState, error) {
	erc20, err := ERC20ABI()
	if err != nil {
		return SpendState{}, fmt.Errorf("parse erc20 abi: %w", err)
	}
	out, err := c.read(ctx, []request{
		{to: token, parsed: erc20, method: "allowance", args: []interface{}{owner, spender}},
		{to: token, parsed: erc20, method: "balanceOf", args: []interface{}{owner}},
	})
	if err != nil {
		return SpendState{}, err
	}

	amounts := make([]*big.Int, len(out))
	for i, res := range out {
		if res.err != nil {
			return SpendState{}, res.err
		}
		if amounts[i], err = asBigInt(res.values[0]); err != nil {
			return SpendState{}, err
		}
	}
	return SpendState{Allowance: amounts[0], Balance: amounts[1]}, nil
}

// TokenMeta reads decimals and symbol of token. Tokens returning a bytes32
// symbol are supported.
func (c *Client) TokenMeta(ctx context.Context, token common.Address) (model.TokenMeta, error) {
	meta := model.TokenMeta{Address: token.Hex()}
	erc20, err := ERC20ABI()
	if err != nil {
		return meta, fmt.Errorf("parse erc20 abi: %w", err)
	}
	out, err := c.read(ctx, []request{
		{to: token, parsed: erc20, method: "decimals"},
		{to: token, parsed: erc20, method: "symbol"},
	})
	if err != nil {
		return meta, err
	}

	if out[0].err != nil {
		return meta, out[0].err
	}
	if meta.Decimals, err = asUint8(out[0].values[0]); err != nil {
		return meta, fmt.Errorf("decimals: %w", err)
	}

	switch {
	case out[1].err == nil:
		if symbol, ok := out[1].values[0].(string); ok {
			meta.Symbol = symbol
		}
	case out[1].raw != nil:
		if symbol, ok := unpackBytes32Symbol(out[1].raw); ok {
			meta.Symbol = symbol
		}
	default:
		c.logger.Debug("symbol call failed", zap.String("token", token.Hex()), zap.Error(out[1].err))
	}
	return meta, nil
}

func unpackBytes32Symbol(data []byte) (string, bool) {
	parsed, err := erc20Bytes32ABI()
	if err != nil {
		return "", false
	}
	values, err := parsed.Unpack("symbol", data)
	if err != nil || len(values) == 0 {
		return "", false
	}
	return bytes32ToString(values[0])
}
