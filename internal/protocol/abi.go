package protocol

import (
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const routerABIJSON = `[
  {
    "inputs": [
      {"internalType": "address", "name": "user", "type": "address"},
      {"internalType": "uint256", "name": "index", "type": "uint256"}
    ],
    "name": "userPositionIds",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "previewClosePosition",
    "outputs": [
      {"internalType": "address", "name": "vault", "type": "address"},
      {"internalType": "address", "name": "supplyAsset", "type": "address"},
      {"internalType": "address", "name": "borrowAsset", "type": "address"},
      {"internalType": "uint256", "name": "totalDebtToken", "type": "uint256"},
      {"internalType": "uint256", "name": "lpBorrowTokenAmount", "type": "uint256"},
      {"internalType": "uint256", "name": "minExtraFromUser", "type": "uint256"},
      {"internalType": "uint256", "name": "maxExtraFromUser", "type": "uint256"},
      {"internalType": "uint256", "name": "amount0FromLp", "type": "uint256"},
      {"internalType": "uint256", "name": "amount1FromLp", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "supplyAsset", "type": "address"},
      {"internalType": "uint256", "name": "supplyAmount", "type": "uint256"},
      {"internalType": "address", "name": "borrowAsset", "type": "address"},
      {"internalType": "uint256", "name": "targetHF", "type": "uint256"}
    ],
    "name": "previewOpenPosition",
    "outputs": [
      {"internalType": "uint256", "name": "projectedHF", "type": "uint256"},
      {"internalType": "uint256", "name": "ltvBefore", "type": "uint256"},
      {"internalType": "uint256", "name": "ltvAfter", "type": "uint256"},
      {"internalType": "uint256", "name": "finalBorrowAmount", "type": "uint256"},
      {"internalType": "uint256", "name": "maxBorrowByLtv", "type": "uint256"},
      {"internalType": "uint256", "name": "maxBorrowByTargetHF", "type": "uint256"}
    ],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [
      {"internalType": "address", "name": "supplyAsset", "type": "address"},
      {"internalType": "uint256", "name": "supplyAmount", "type": "uint256"},
      {"internalType": "address", "name": "borrowAsset", "type": "address"},
      {"internalType": "uint256", "name": "targetHF", "type": "uint256"}
    ],
    "name": "openPosition",
    "outputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "closePosition",
    "outputs": [],
    "stateMutability": "nonpayable",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "collectFees",
    "outputs": [
      {"internalType": "uint256", "name": "amount0", "type": "uint256"},
      {"internalType": "uint256", "name": "amount1", "type": "uint256"}
    ],
    "stateMutability": "nonpayable",
    "type": "function"
  }
]`

const lensABIJSON = `[
  {
    "inputs": [{"internalType": "address", "name": "asset", "type": "address"}],
    "name": "getAssetPrice",
    "outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
    "stateMutability": "view",
    "type": "function"
  },
  {
    "inputs": [{"internalType": "uint256", "name": "tokenId", "type": "uint256"}],
    "name": "getStrategyPositionView",
    "outputs": [
      {
        "components": [
          {
            "components": [
              {"internalType": "address", "name": "owner", "type": "address"},
              {"internalType": "address", "name": "vault", "type": "address"},
              {"internalType": "address", "name": "supplyAsset", "type": "address"},
              {"internalType": "address", "name": "borrowAsset", "type": "address"},
              {"internalType": "bool", "name": "isOpen", "type": "bool"}
            ],
            "internalType": "struct StrategyLens.RouterPositionCore",
            "name": "core",
            "type": "tuple"
          },
          {"internalType": "address", "name": "uniToken0", "type": "address"},
          {"internalType": "address", "name": "uniToken1", "type": "address"},
          {"internalType": "uint128", "name": "liquidity", "type": "uint128"},
          {"internalType": "uint256", "name": "amount0Now", "type": "uint256"},
          {"internalType": "uint256", "name": "amount1Now", "type": "uint256"},
          {"internalType": "int24", "name": "tickLower", "type": "int24"},
          {"internalType": "int24", "name": "tickUpper", "type": "int24"},
          {"internalType": "int24", "name": "currentTick", "type": "int24"},
          {"internalType": "uint160", "name": "sqrtPriceX96", "type": "uint160"},
          {"internalType": "uint256", "name": "totalCollateralBase", "type": "uint256"},
          {"internalType": "uint256", "name": "totalDebtBase", "type": "uint256"},
          {"internalType": "uint256", "name": "availableBorrowBase", "type": "uint256"},
          {"internalType": "uint256", "name": "currentLiquidationThreshold", "type": "uint256"},
          {"internalType": "uint256", "name": "ltv", "type": "uint256"},
          {"internalType": "uint256", "name": "healthFactor", "type": "uint256"}
        ],
        "internalType": "struct StrategyLens.StrategyPositionView",
        "name": "v",
        "type": "tuple"
      }
    ],
    "stateMutability": "view",
    "type": "function"
  }
]`

const erc20ABIJSON = `[
  {"inputs": [{"name": "owner", "type": "address"}, {"name": "spender", "type": "address"}], "name": "allowance", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "account", "type": "address"}], "name": "balanceOf", "outputs": [{"type": "uint256"}], "stateMutability": "view", "type": "function"},
  {"inputs": [{"name": "spender", "type": "address"}, {"name": "amount", "type": "uint256"}], "name": "approve", "outputs": [{"type": "bool"}], "stateMutability": "nonpayable", "type": "function"},
  {"inputs": [], "name": "decimals", "outputs": [{"type": "uint8"}], "stateMutability": "view", "type": "function"},
  {"inputs": [], "name": "symbol", "outputs": [{"type": "string"}], "stateMutability": "view", "type": "function"}
]`

const erc20ABIBytes32JSON = `[
  {"inputs": [], "name": "symbol", "outputs": [{"type": "bytes32"}], "stateMutability": "view", "type": "function"}
]`

var (
	routerABI           abi.ABI
	routerABIOnce       sync.Once
	routerABIErr        error
	lensABI             abi.ABI
	lensABIOnce         sync.Once
	lensABIErr          error
	erc20ABI            abi.ABI
	erc20ABIOnce        sync.Once
	erc20ABIErr         error
	erc20ABIBytes32     abi.ABI
	erc20ABIBytes32Once sync.Once
	erc20ABIBytes32Err  error
)

// RouterABI returns the parsed strategy router ABI.
func RouterABI() (abi.ABI, error) {
	routerABIOnce.Do(func() {
		routerABI, routerABIErr = abi.JSON(strings.NewReader(routerABIJSON))
	})
	return routerABI, routerABIErr
}

// LensABI returns the parsed strategy lens ABI.
func LensABI() (abi.ABI, error) {
	lensABIOnce.Do(func() {
		lensABI, lensABIErr = abi.JSON(strings.NewReader(lensABIJSON))
	})
	return lensABI, lensABIErr
}

// ERC20ABI returns the parsed ERC-20 subset used for spending checks.
func ERC20ABI() (abi.ABI, error) {
	erc20ABIOnce.Do(func() {
		erc20ABI, erc20ABIErr = abi.JSON(strings.NewReader(erc20ABIJSON))
	})
	return erc20ABI, erc20ABIErr
}

func erc20Bytes32ABI() (abi.ABI, error) {
	erc20ABIBytes32Once.Do(func() {
		erc20ABIBytes32, erc20ABIBytes32Err = abi.JSON(strings.NewReader(erc20ABIBytes32JSON))
	})
	return erc20ABIBytes32, erc20ABIBytes32Err
}
