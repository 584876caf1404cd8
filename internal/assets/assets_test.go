package assets

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"positionkeeper/internal/model"
)

type countingFetcher struct {
	meta  model.TokenMeta
	err   error
	calls int
}

func (f *countingFetcher) TokenMeta(context.Context, common.Address) (model.TokenMeta, error) {
	f.calls++
	return f.meta, f.err
}

func TestFormatAmount(t *testing.T) {
	cases := []struct {
		value    *big.Int
		decimals uint8
		want     string
	}{
		{big.NewInt(80_000_000_000_000_000), 18, "0.08"},
		{big.NewInt(1_500_000), 6, "1.5"},
		{big.NewInt(-25), 2, "-0.25"},
		{big.NewInt(1000), 0, "1000"},
		{big.NewInt(0), 18, "0"},
		{nil, 18, "0"},
	}
	for _, tc := range cases {
		if got := FormatAmount(tc.value, tc.decimals); got != tc.want {
			t.Fatalf("FormatAmount(%v, %d) = %s, want %s", tc.value, tc.decimals, got, tc.want)
		}
	}
}

func TestParseAmount(t *testing.T) {
	got, err := ParseAmount("0.12", 18)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.String() != "120000000000000000" {
		t.Fatalf("parse mismatch: %s", got)
	}
	if _, err := ParseAmount("1.2345", 2); err == nil {
		t.Fatalf("expected precision error")
	}
	if _, err := ParseAmount("-1", 18); err == nil {
		t.Fatalf("expected negative error")
	}
	if _, err := ParseAmount("abc", 18); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestScaleRatio(t *testing.T) {
	// 160 USD of debt over 0.08 units gives 60 USD for 0.03 units.
	debt := big.NewInt(80_000_000_000_000_000)
	lp := big.NewInt(30_000_000_000_000_000)
	got := ScaleRatio(lp, big.NewRat(160, 1), debt)
	if got == nil || got.Cmp(big.NewRat(60, 1)) != 0 {
		t.Fatalf("ratio mismatch: %v", got)
	}
	if ScaleRatio(lp, big.NewRat(1, 1), big.NewInt(0)) != nil {
		t.Fatalf("expected nil for zero denominator")
	}
}

func TestRegistryLookupOrder(t *testing.T) {
	weth := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	other := common.HexToAddress("0x00000000000000000000000000000000000000e2")
	broken := common.HexToAddress("0x00000000000000000000000000000000000000e3")

	fetcher := &countingFetcher{meta: model.TokenMeta{Address: other.Hex(), Decimals: 6, Symbol: "USDC"}}
	registry, err := NewRegistry([]model.TokenMeta{{Address: "0x00000000000000000000000000000000000000E1", Decimals: 18, Symbol: "WETH"}}, fetcher, nil)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	if meta := registry.Lookup(context.Background(), weth); meta.Symbol != "WETH" || fetcher.calls != 0 {
		t.Fatalf("static lookup mismatch: %+v calls=%d", meta, fetcher.calls)
	}
	registry.Lookup(context.Background(), other)
	meta := registry.Lookup(context.Background(), other)
	if meta.Symbol != "USDC" || meta.Decimals != 6 || fetcher.calls != 1 {
		t.Fatalf("cached lookup mismatch: %+v calls=%d", meta, fetcher.calls)
	}

	fetcher.err = errors.New("execution reverted")
	meta = registry.Lookup(context.Background(), broken)
	if meta.Symbol != ShortAddress(broken) || len(meta.Symbol) != 13 || meta.Decimals != 18 {
		t.Fatalf("fallback mismatch: %+v", meta)
	}
}
