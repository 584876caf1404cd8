// Package position drives the preview, approve and execute sequence of a
// single user-initiated position flow.
package position

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"positionkeeper/internal/assets"
	"positionkeeper/internal/hook"
	"positionkeeper/internal/model"
	"positionkeeper/internal/protocol"
	"positionkeeper/internal/retry"
	"positionkeeper/internal/wallet"
)

const subscriberBuffer = 64

// Reader is the protocol read surface a flow depends on.
type Reader interface {
	PreviewClose(ctx context.Context, positionID *big.Int) (model.ClosePreview, error)
	PreviewOpen(ctx context.Context, req protocol.OpenRequest) (model.OpenPreview, error)
	SimulateCollect(ctx context.Context, account common.Address, positionID *big.Int) (model.CollectPreview, error)
	ReadSpendState(ctx context.Context, token, owner, spender common.Address) (protocol.SpendState, error)
}

// Writer waits for broadcast transactions.
type Writer interface {
	WaitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EventSink receives hook events decoded from mined transactions.
type EventSink interface {
	AddMany(ctx context.Context, events []model.HookEvent) error
}

// LogDecoder extracts hook events from receipt logs.
type LogDecoder interface {
	Events(logs []types.Log) []hook.SwapPriceLogged
}

// AssetLookup resolves display metadata.
type AssetLookup interface {
	LookupHex(ctx context.Context, asset string) model.TokenMeta
}

// Deps are the shared collaborators injected into every flow. Events,
// Decoder, Assets and Now are optional.
type Deps struct {
	Reader  Reader
	Writer  Writer
	Signer  wallet.Signer
	Events  EventSink
	Decoder LogDecoder
	Assets  AssetLookup
	Router  common.Address
	Retry   *retry.Policy
	Logger  *zap.Logger
	Now     func() time.Time
}

// Params selects the flow to run: CloseParams, OpenParams or CollectParams.
type Params interface {
	action() Action
}

// CloseParams closes a position. ExtraAmount is the borrow-asset amount the
// user adds to repay debt; nil selects the recommended minimum.
// TotalDebtUSD, when known, prices the liquidity-sourced repayment.
type CloseParams struct {
	PositionID   *big.Int
	ExtraAmount  *big.Int
	TotalDebtUSD *big.Rat
}

// OpenParams opens a position. TargetHF is 1e18 scaled.
type OpenParams struct {
	SupplyAsset  common.Address
	SupplyAmount *big.Int
	BorrowAsset  common.Address
	TargetHF     *big.Int
}

// CollectParams withdraws the accrued LP fees of a position.
type CollectParams struct {
	PositionID *big.Int
}

func (CloseParams) action() Action   { return ActionClose }
func (OpenParams) action() Action    { return ActionOpen }
func (CollectParams) action() Action { return ActionCollect }

// Coordinator runs one flow. Methods are safe to call from any goroutine;
// operations that conflict with the current phase fail with ErrInvalidPhase.
type Coordinator struct {
	deps   Deps
	params Params
	submit *retry.Policy
	logger *zap.Logger

	dismissed   chan struct{}
	dismissOnce sync.Once

	mu     sync.Mutex
	state  Snapshot
	subs   []chan PhaseChange
	closed bool
}

// New validates deps and params and returns an Idle coordinator.
func New(deps Deps, params Params) (*Coordinator, error) {
	if deps.Reader == nil || deps.Writer == nil || deps.Signer == nil {
		return nil, fmt.Errorf("reader, writer and signer are required")
	}
	if deps.Router == (common.Address{}) {
		return nil, fmt.Errorf("router address is required")
	}
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Retry == nil {
		deps.Retry = retry.NewPolicy(deps.Logger)
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	action := params.action()
	return &Coordinator{
		deps:      deps,
		params:    params,
		submit:    submitPolicy(deps.Retry),
		logger:    deps.Logger.With(zap.String("flow", string(action))),
		dismissed: make(chan struct{}),
		state:     Snapshot{Action: action, Phase: PhaseIdle},
	}, nil
}

func validateParams(params Params) error {
	switch p := params.(type) {
	case CloseParams:
		if p.PositionID == nil || p.PositionID.Sign() <= 0 {
			return fmt.Errorf("position id is required")
		}
		if p.ExtraAmount != nil && p.ExtraAmount.Sign() < 0 {
			return fmt.Errorf("%w: negative extra amount", ErrExtraOutOfRange)
		}
	case OpenParams:
		if p.SupplyAsset == (common.Address{}) || p.BorrowAsset == (common.Address{}) {
			return fmt.Errorf("supply and borrow assets are required")
		}
		if p.SupplyAmount == nil || p.SupplyAmount.Sign() <= 0 {
			return fmt.Errorf("supply amount must be positive")
		}
		if p.TargetHF == nil || p.TargetHF.Sign() <= 0 {
			return fmt.Errorf("target health factor must be positive")
		}
	case CollectParams:
		if p.PositionID == nil || p.PositionID.Sign() <= 0 {
			return fmt.Errorf("position id is required")
		}
	default:
		return fmt.Errorf("unsupported flow %T", params)
	}
	return nil
}

// submitPolicy retries only rate limited submissions and never a declined
// signature.
func submitPolicy(base *retry.Policy) *retry.Policy {
	p := base.WithBudget(retry.SubmitBudget)
	inner := p.Classifier
	p.Classifier = retry.ClassifierFunc(func(err error) retry.Class {
		if errors.Is(err, wallet.ErrUserRejected) {
			return retry.Permanent
		}
		if inner == nil {
			return retry.MessageClassifier{}.Classify(err)
		}
		return inner.Classify(err)
	})
	return p
}

// Subscribe returns a channel of phase changes. It is closed when the flow
// completes, fails terminally or is dismissed.
func (c *Coordinator) Subscribe() <-chan PhaseChange {
	ch := make(chan PhaseChange, subscriberBuffer)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.subs = append(c.subs, ch)
	return ch
}

// Snapshot returns the current state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Dismiss stops publishing phase changes and abandons pending reads and
// receipt waits. A transaction that was already broadcast is not affected.
func (c *Coordinator) Dismiss() {
	c.dismissOnce.Do(func() {
		close(c.dismissed)
		c.mu.Lock()
		c.closeSubsLocked()
		phase := c.state.Phase
		c.mu.Unlock()
		c.logger.Info("flow dismissed", zap.String("phase", string(phase)))
	})
}

// Start previews the flow and moves to the first decision phase.
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.begin(PhasePreviewing, PhaseIdle); err != nil {
		return err
	}
	return c.preview(ctx)
}

// SetExtraAmount changes the amount a close flow takes from the account. The
// amount must lie within the preview's range.
func (c *Coordinator) SetExtraAmount(ctx context.Context, amount *big.Int) error {
	if amount == nil {
		return fmt.Errorf("%w: amount is required", ErrExtraOutOfRange)
	}

	c.mu.Lock()
	if err := c.checkLocked(PhaseAwaitingApproval, PhaseReadyToExecute); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state.Close == nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: only close flows take an extra amount", ErrInvalidPhase)
	}
	if amount.Sign() < 0 || amount.Cmp(c.state.Close.TheoreticalMaximum) > 0 {
		max := c.state.Close.TheoreticalMaximum
		c.mu.Unlock()
		return fmt.Errorf("%w: %s not in [0, %s]", ErrExtraOutOfRange, amount, max)
	}
	needRead := amount.Sign() > 0 && c.state.Allowance == nil
	phase := c.state.Phase
	spendAsset := c.state.SpendAsset
	c.mu.Unlock()

	var spend *protocol.SpendState
	if needRead {
		wctx, cancel := c.watch(ctx)
		defer cancel()
		state, err := c.deps.Reader.ReadSpendState(wctx, spendAsset, c.deps.Signer.Account(), c.deps.Router)
		if err != nil {
			return fmt.Errorf("read allowance: %w", err)
		}
		spend = &state
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDismissed() {
		return ErrDismissed
	}
	if c.state.Phase != phase {
		return fmt.Errorf("%w: phase changed to %s", ErrInvalidPhase, c.state.Phase)
	}
	c.state.AmountToSpend = new(big.Int).Set(amount)
	if spend != nil {
		c.state.Allowance = spend.Allowance
		c.state.Balance = spend.Balance
	}
	c.refreshBalanceLocked()
	if next := c.decisionLocked(); next != c.state.Phase {
		c.setPhaseLocked(next)
	}
	return nil
}

// Approve submits the approval transaction and waits for it to be mined.
func (c *Coordinator) Approve(ctx context.Context) error {
	if err := c.begin(PhaseApproving, PhaseAwaitingApproval); err != nil {
		return err
	}

	c.mu.Lock()
	asset := c.state.SpendAsset
	amount := c.state.ApprovalAmount
	meta := c.state.SpendMeta
	c.mu.Unlock()

	data, err := protocol.PackApprove(c.deps.Router, amount)
	if err != nil {
		return c.fail(err, PhaseAwaitingApproval)
	}
	hash, err := c.send(ctx, wallet.TxRequest{
		To:    asset,
		Data:  data,
		Label: fmt.Sprintf("approve %s %s", assets.FormatAmount(amount, meta.Decimals), meta.Symbol),
	})
	if err != nil {
		return c.fail(err, PhaseAwaitingApproval)
	}
	c.mutate(func(s *Snapshot) { s.ApprovalTx = hash })
	return c.awaitApproval(ctx, hash)
}

// awaitApproval waits for the approval in hash and re-reads the balance and
// allowance it was mined against.
func (c *Coordinator) awaitApproval(ctx context.Context, hash common.Hash) error {
	if _, err := c.await(ctx, hash); err != nil {
		return c.failPending(err, hash, PhaseAwaitingApproval, PhaseApproving)
	}

	c.mu.Lock()
	asset := c.state.SpendAsset
	approved := c.state.ApprovalAmount
	c.mu.Unlock()

	wctx, cancel := c.watch(ctx)
	defer cancel()
	spend, err := c.deps.Reader.ReadSpendState(wctx, asset, c.deps.Signer.Account(), c.deps.Router)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDismissed() {
		return ErrDismissed
	}
	// A mined approve leaves at least the approved amount; a lagging node
	// may still report the previous allowance.
	c.state.Allowance = new(big.Int).Set(approved)
	if err != nil {
		c.logger.Warn("re-read spend state after approval failed", zap.String("tx", hash.Hex()), zap.Error(err))
	} else {
		if spend.Allowance != nil && spend.Allowance.Cmp(approved) > 0 {
			c.state.Allowance = spend.Allowance
		}
		c.state.Balance = spend.Balance
	}
	c.refreshBalanceLocked()
	c.setPhaseLocked(c.decisionLocked())
	return nil
}

// Execute submits the flow's action and, once mined, records the hook events
// it emitted.
func (c *Coordinator) Execute(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkLocked(PhaseReadyToExecute); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state.InsufficientBalance {
		c.mu.Unlock()
		return ErrInsufficientBalance
	}
	c.setPhaseLocked(PhaseExecuting)
	c.mu.Unlock()

	req, err := c.actionRequest()
	if err != nil {
		return c.fail(err, PhaseReadyToExecute)
	}
	hash, err := c.send(ctx, req)
	if err != nil {
		return c.fail(err, PhaseReadyToExecute)
	}
	c.mutate(func(s *Snapshot) { s.ActionTx = hash })
	return c.awaitAction(ctx, hash)
}

func (c *Coordinator) awaitAction(ctx context.Context, hash common.Hash) error {
	receipt, err := c.await(ctx, hash)
	if err != nil {
		return c.failPending(err, hash, PhaseReadyToExecute, PhaseExecuting)
	}

	events := c.recordEvents(ctx, receipt)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDismissed() {
		return ErrDismissed
	}
	c.state.Events = events
	c.setPhaseLocked(PhaseCompleted)
	return nil
}

// Retry re-enters the phase a recoverable failure interrupted. A failed
// preview is run again and replaces the previous one. A transaction left
// pending is waited for, never sent again.
func (c *Coordinator) Retry(ctx context.Context) error {
	c.mu.Lock()
	if err := c.checkLocked(PhaseFailed); err != nil {
		c.mu.Unlock()
		return err
	}
	failure := c.state.Failure
	if failure == nil || !failure.Recoverable {
		c.mu.Unlock()
		if failure == nil {
			return ErrInvalidPhase
		}
		return failure
	}

	resume := failure.resume
	pending := failure.PendingTx
	c.state.Failure = nil
	if resume == PhasePreviewing {
		c.resetPreviewLocked()
	}
	c.setPhaseLocked(resume)
	c.mu.Unlock()

	switch {
	case resume == PhasePreviewing:
		return c.preview(ctx)
	case pending == (common.Hash{}):
		return nil
	case resume == PhaseApproving:
		return c.awaitApproval(ctx, pending)
	default:
		return c.awaitAction(ctx, pending)
	}
}

func (c *Coordinator) actionRequest() (wallet.TxRequest, error) {
	var (
		data  []byte
		err   error
		label string
	)
	switch p := c.params.(type) {
	case CloseParams:
		data, err = protocol.PackClosePosition(p.PositionID)
		label = fmt.Sprintf("close position #%s", p.PositionID)
	case OpenParams:
		data, err = protocol.PackOpenPosition(protocol.OpenRequest{
			SupplyAsset:  p.SupplyAsset,
			SupplyAmount: p.SupplyAmount,
			BorrowAsset:  p.BorrowAsset,
			TargetHF:     p.TargetHF,
		})
		label = "open position"
	case CollectParams:
		data, err = protocol.PackCollectFees(p.PositionID)
		label = fmt.Sprintf("collect fees of position #%s", p.PositionID)
	}
	if err != nil {
		return wallet.TxRequest{}, err
	}
	return wallet.TxRequest{To: c.deps.Router, Data: data, Label: label}, nil
}

// send signs and broadcasts req. Only rate limited submissions are repeated.
func (c *Coordinator) send(ctx context.Context, req wallet.TxRequest) (common.Hash, error) {
	hash, err := retry.Do(ctx, c.submit, func(ctx context.Context) (common.Hash, error) {
		return c.deps.Signer.Send(ctx, req)
	})
	if err != nil {
		return common.Hash{}, err
	}
	c.logger.Info("transaction broadcast", zap.String("tx", hash.Hex()), zap.String("label", req.Label))
	return hash, nil
}

// await polls for the receipt of hash until it arrives, the flow is dismissed
// or ctx ends. Exhausted read budgets start another round after a backoff. A
// receipt with failed status is reported as ErrTransactionReverted.
func (c *Coordinator) await(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	wctx, cancel := c.watch(ctx)
	defer cancel()

	for round := 1; ; round++ {
		receipt, err := retry.Do(wctx, c.deps.Retry, func(ctx context.Context) (*types.Receipt, error) {
			return c.deps.Writer.WaitMined(ctx, hash)
		})
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return receipt, fmt.Errorf("%w: %s in block %s", ErrTransactionReverted, hash.Hex(), receipt.BlockNumber)
			}
			return receipt, nil
		}

		var exhausted *retry.ExhaustedError
		if !errors.As(err, &exhausted) || wctx.Err() != nil {
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), err)
		}
		c.logger.Warn("receipt still unavailable",
			zap.String("tx", hash.Hex()),
			zap.Int("round", round),
			zap.Error(err),
		)
		if err := c.deps.Retry.Backoff(wctx, round); err != nil {
			return nil, fmt.Errorf("wait for %s: %w", hash.Hex(), err)
		}
	}
}

// failPending records a failure that happened after hash was broadcast. A
// reverted receipt resumes before the send; anything else resumes the wait.
func (c *Coordinator) failPending(err error, hash common.Hash, before, waiting Phase) error {
	if errors.Is(err, ErrTransactionReverted) {
		return c.fail(err, before)
	}
	failure := classify(err, waiting)
	failure.Recoverable = true
	failure.PendingTx = hash
	failure.Message = fmt.Sprintf("%s is still pending: %s", hash.Hex(), failure.Message)
	return c.failWith(failure)
}

func (c *Coordinator) recordEvents(ctx context.Context, receipt *types.Receipt) []model.HookEvent {
	if c.deps.Decoder == nil || receipt == nil {
		return nil
	}
	logs := make([]types.Log, 0, len(receipt.Logs))
	for _, log := range receipt.Logs {
		if log != nil {
			logs = append(logs, *log)
		}
	}
	// Logs without a usable timestamp are stamped with the time the receipt
	// was observed.
	events := hook.ToHookEvents(c.deps.Decoder.Events(logs), model.SourceUserTx, c.deps.Now().UnixMilli())
	if len(events) == 0 || c.deps.Events == nil {
		return events
	}
	if err := c.deps.Events.AddMany(ctx, events); err != nil {
		c.logger.Warn("append hook events failed", zap.Int("events", len(events)), zap.Error(err))
	}
	return events
}

// begin moves from one of the allowed phases to next.
func (c *Coordinator) begin(next Phase, allowed ...Phase) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(allowed...); err != nil {
		return err
	}
	c.setPhaseLocked(next)
	return nil
}

func (c *Coordinator) checkLocked(allowed ...Phase) error {
	if c.isDismissed() {
		return ErrDismissed
	}
	for _, phase := range allowed {
		if c.state.Phase == phase {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrInvalidPhase, c.state.Phase)
}

// fail records err and moves to Failed. resume is the phase a recoverable
// failure returns to on Retry.
func (c *Coordinator) fail(err error, resume Phase) error {
	return c.failWith(classify(err, resume))
}

func (c *Coordinator) failWith(failure *Failure) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isDismissed() {
		return ErrDismissed
	}
	c.state.Failure = failure
	c.logger.Warn("flow failed",
		zap.String("kind", string(failure.Kind)),
		zap.Bool("recoverable", failure.Recoverable),
		zap.Bool("degraded", failure.Degraded),
		zap.Error(failure.Err),
	)
	c.setPhaseLocked(PhaseFailed)
	return failure
}

func (c *Coordinator) mutate(fn func(*Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.isDismissed() {
		fn(&c.state)
	}
}

func (c *Coordinator) setPhaseLocked(next Phase) {
	if c.isDismissed() {
		return
	}
	prev := c.state.Phase
	c.state.Phase = next
	c.logger.Info("phase changed", zap.String("from", string(prev)), zap.String("to", string(next)))

	change := PhaseChange{From: prev, To: next, Snapshot: c.snapshotLocked()}
	for _, ch := range c.subs {
		select {
		case ch <- change:
		default:
			c.logger.Warn("phase change dropped for slow subscriber", zap.String("to", string(next)))
		}
	}

	terminal := next == PhaseCompleted ||
		(next == PhaseFailed && c.state.Failure != nil && !c.state.Failure.Recoverable)
	if terminal {
		c.closeSubsLocked()
	}
}

func (c *Coordinator) closeSubsLocked() {
	if c.closed {
		return
	}
	c.closed = true
	for _, ch := range c.subs {
		close(ch)
	}
	c.subs = nil
}

func (c *Coordinator) isDismissed() bool {
	select {
	case <-c.dismissed:
		return true
	default:
		return false
	}
}

// watch derives a context that is also cancelled by Dismiss.
func (c *Coordinator) watch(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-c.dismissed:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func (c *Coordinator) snapshotLocked() Snapshot {
	snap := c.state
	if c.state.Events != nil {
		snap.Events = append([]model.HookEvent(nil), c.state.Events...)
	}
	return snap
}

func (c *Coordinator) resetPreviewLocked() {
	c.state.Close = nil
	c.state.Open = nil
	c.state.Collect = nil
	c.state.AmountToSpend = nil
	c.state.ApprovalAmount = nil
	c.state.Allowance = nil
	c.state.Balance = nil
	c.state.InsufficientBalance = false
	c.state.LPBorrowUSD = nil
}

// decisionLocked picks ReadyToExecute when nothing is spent or the allowance
// already covers the amount, AwaitingApproval otherwise.
func (c *Coordinator) decisionLocked() Phase {
	amount := c.state.AmountToSpend
	if amount == nil || amount.Sign() == 0 {
		return PhaseReadyToExecute
	}
	if c.state.Allowance != nil && c.state.Allowance.Cmp(amount) >= 0 {
		return PhaseReadyToExecute
	}
	return PhaseAwaitingApproval
}

func (c *Coordinator) refreshBalanceLocked() {
	amount := c.state.AmountToSpend
	c.state.InsufficientBalance = amount != nil && amount.Sign() > 0 &&
		c.state.Balance != nil && amount.Cmp(c.state.Balance) > 0
}
