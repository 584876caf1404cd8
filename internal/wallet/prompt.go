package wallet

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// ConfirmFunc asks the account holder to approve req.
type ConfirmFunc func(ctx context.Context, req TxRequest) (bool, error)

// Prompting asks for confirmation before every transaction and reports a
// declined prompt as ErrUserRejected. Prompts are serialized.
type Prompting struct {
	next    Signer
	confirm ConfirmFunc
	mu      sync.Mutex
}

// NewPrompting wraps next with confirm.
func NewPrompting(next Signer, confirm ConfirmFunc) *Prompting {
	return &Prompting{next: next, confirm: confirm}
}

func (p *Prompting) Account() common.Address {
	return p.next.Account()
}

func (p *Prompting) Send(ctx context.Context, req TxRequest) (common.Hash, error) {
	p.mu.Lock()
	ok, err := p.confirm(ctx, req)
	p.mu.Unlock()
	if err != nil {
		return common.Hash{}, fmt.Errorf("confirm: %w", err)
	}
	if !ok {
		return common.Hash{}, ErrUserRejected
	}
	return p.next.Send(ctx, req)
}

// TerminalConfirm prompts on out and reads a y/N answer from in.
func TerminalConfirm(in io.Reader, out io.Writer) ConfirmFunc {
	reader := bufio.NewReader(in)
	return func(ctx context.Context, req TxRequest) (bool, error) {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		fmt.Fprintf(out, "%s (to %s) [y/N]: ", req.Label, req.To.Hex())
		line, err := reader.ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true, nil
		default:
			return false, nil
		}
	}
}

// AutoConfirm approves every request.
func AutoConfirm(context.Context, TxRequest) (bool, error) {
	return true, nil
}
