package hook

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const hookABIJSON = `[
  {
    "anonymous": false,
    "inputs": [
      {"indexed": true, "internalType": "bytes32", "name": "poolId", "type": "bytes32"},
      {"indexed": false, "internalType": "int24", "name": "tick", "type": "int24"},
      {"indexed": false, "internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
      {"indexed": false, "internalType": "uint256", "name": "timestamp", "type": "uint256"}
    ],
    "name": "SwapPriceLogged",
    "type": "event"
  }
]`

// EventName is the only hook event the decoder understands.
const EventName = "SwapPriceLogged"

var (
	hookABI     abi.ABI
	hookABIOnce sync.Once
	hookABIErr  error
)

// ABI returns the parsed hook ABI.
func ABI() (abi.ABI, error) {
	hookABIOnce.Do(func() {
		hookABI, hookABIErr = abi.JSON(strings.NewReader(hookABIJSON))
	})
	return hookABI, hookABIErr
}
