package protocol

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// PackApprove encodes approve(spender, amount).
func PackApprove(spender common.Address, amount *big.Int) ([]byte, error) {
	erc20, err := ERC20ABI()
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}
	return erc20.Pack("approve", spender, amount)
}

// PackOpenPosition encodes openPosition for req.
func PackOpenPosition(req OpenRequest) ([]byte, error) {
	routerABI, err := RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return routerABI.Pack("openPosition", req.args()...)
}

// PackClosePosition encodes closePosition(positionID).
func PackClosePosition(positionID *big.Int) ([]byte, error) {
	routerABI, err := RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return routerABI.Pack("closePosition", positionID)
}

// PackCollectFees encodes collectFees(positionID).
func PackCollectFees(positionID *big.Int) ([]byte, error) {
	routerABI, err := RouterABI()
	if err != nil {
		return nil, fmt.Errorf("parse router abi: %w", err)
	}
	return routerABI.Pack("collectFees", positionID)
}
