package assets

import (
	"fmt"
	"math/big"
	"strings"
)

// FormatAmount renders a base-unit amount as an exact decimal string.
func FormatAmount(value *big.Int, decimals uint8) string {
	if value == nil {
		return "0"
	}
	if decimals == 0 {
		return value.String()
	}
	sign := value.Sign()
	abs := new(big.Int).Abs(value)
	rat := new(big.Rat).SetFrac(abs, pow10(decimals))
	text := trimZeros(rat.FloatString(int(decimals)))
	if sign < 0 {
		return "-" + text
	}
	return text
}

// ParseAmount converts a decimal string into base units. More fractional
// digits than decimals allows are rejected rather than rounded.
func ParseAmount(text string, decimals uint8) (*big.Int, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("empty amount")
	}
	rat, ok := new(big.Rat).SetString(text)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", text)
	}
	if rat.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", text)
	}
	rat.Mul(rat, new(big.Rat).SetInt(pow10(decimals)))
	if !rat.IsInt() {
		return nil, fmt.Errorf("amount %q has more than %d decimals", text, decimals)
	}
	return new(big.Int).Set(rat.Num()), nil
}

// ScaleRatio returns amount * num / den as an exact rational, or nil when den
// is zero.
func ScaleRatio(amount *big.Int, num *big.Rat, den *big.Int) *big.Rat {
	if amount == nil || num == nil || den == nil || den.Sign() == 0 {
		return nil
	}
	ratio := new(big.Rat).Quo(num, new(big.Rat).SetInt(den))
	return ratio.Mul(ratio, new(big.Rat).SetInt(amount))
}

func pow10(decimals uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
}

func trimZeros(text string) string {
	if !strings.Contains(text, ".") {
		return text
	}
	text = strings.TrimRight(text, "0")
	return strings.TrimSuffix(text, ".")
}
