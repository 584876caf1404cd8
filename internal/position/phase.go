package position

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"positionkeeper/internal/model"
)

// Phase is the step a flow is in.
type Phase string

const (
	PhaseIdle             Phase = "idle"
	PhasePreviewing       Phase = "previewing"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseApproving        Phase = "approving"
	PhaseReadyToExecute   Phase = "ready_to_execute"
	PhaseExecuting        Phase = "executing"
	PhaseCompleted        Phase = "completed"
	PhaseFailed           Phase = "failed"
)

// Action names the kind of flow.
type Action string

const (
	ActionOpen    Action = "open"
	ActionClose   Action = "close"
	ActionCollect Action = "collect"
)

var (
	ErrSimulationRevert    = errors.New("simulation reverted")
	ErrPositionNotFound    = errors.New("position not found")
	ErrTransactionReverted = errors.New("transaction reverted")
	ErrTransientRead       = errors.New("chain read failed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidPhase        = errors.New("operation not allowed in current phase")
	ErrExtraOutOfRange     = errors.New("extra amount outside the allowed range")
	ErrDismissed           = errors.New("flow dismissed")
)

// FailureKind classifies why a flow failed.
type FailureKind string

const (
	KindSimulationRevert    FailureKind = "simulation_revert"
	KindPositionNotFound    FailureKind = "position_not_found"
	KindUserRejected        FailureKind = "user_rejected"
	KindTransactionReverted FailureKind = "transaction_reverted"
	KindTransient           FailureKind = "transient"
	KindInvalidAmount       FailureKind = "invalid_amount"
	KindCanceled            FailureKind = "canceled"
	KindUnknown             FailureKind = "unknown"
)

// Failure is the displayable error of a Failed flow. Degraded marks a rate
// limited read or submission, which calls for waiting rather than fixing.
type Failure struct {
	Kind        FailureKind
	Message     string
	Recoverable bool
	Degraded    bool
	Err         error

	// PendingTx is a broadcast transaction whose receipt was not obtained.
	// Retry waits for it instead of sending again.
	PendingTx common.Hash

	// resume is the phase Retry re-enters.
	resume Phase
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() []error {
	var errs []error
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	if sentinel := kindSentinel(f.Kind); sentinel != nil {
		errs = append(errs, sentinel)
	}
	return errs
}

func kindSentinel(kind FailureKind) error {
	switch kind {
	case KindSimulationRevert:
		return ErrSimulationRevert
	case KindPositionNotFound:
		return ErrPositionNotFound
	case KindTransactionReverted:
		return ErrTransactionReverted
	case KindTransient:
		return ErrTransientRead
	case KindInvalidAmount:
		return ErrExtraOutOfRange
	default:
		return nil
	}
}

// Snapshot is a copy of a flow's observable state.
type Snapshot struct {
	Action Action
	Phase  Phase

	Close   *model.ClosePreview
	Open    *model.OpenPreview
	Collect *model.CollectPreview

	// SpendAsset is the token the action pulls from the account, if any.
	SpendAsset     common.Address
	SpendMeta      model.TokenMeta
	AmountToSpend  *big.Int
	ApprovalAmount *big.Int
	Allowance      *big.Int
	Balance        *big.Int
	// InsufficientBalance is true while AmountToSpend exceeds Balance.
	InsufficientBalance bool

	// LPBorrowUSD is the display-only USD value of the liquidity-sourced
	// borrow amount.
	LPBorrowUSD *big.Rat

	ApprovalTx common.Hash
	ActionTx   common.Hash
	Events     []model.HookEvent

	Failure *Failure
}

// PhaseChange is published on every transition.
type PhaseChange struct {
	From     Phase
	To       Phase
	Snapshot Snapshot
}
