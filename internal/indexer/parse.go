package indexer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ParseBlock accepts a decimal or 0x-prefixed block number. "latest" and the
// empty string map to zero, which Run resolves to the chain head.
func ParseBlock(input string) (uint64, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	switch {
	case input == "" || input == "latest":
		return 0, nil
	case strings.HasPrefix(input, "0x"):
		value, err := hexutil.DecodeUint64(input)
		if err != nil {
			return 0, fmt.Errorf("invalid block number: %s", input)
		}
		return value, nil
	default:
		value, err := strconv.ParseUint(input, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid block number: %s", input)
		}
		return value, nil
	}
}
