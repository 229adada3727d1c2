package chain

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/config"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)

	return d
}

func TestParseFamily(t *testing.T) {
	cases := []struct {
		in   string
		want Family
		err  bool
	}{
		{"utxo", FamilyUTXO, false},
		{"account", FamilyAccount, false},
		{"explorer", FamilyExplorer, false},
		{"BTC", 0, true},
		{"", 0, true},
	}

	for _, c := range cases {
		got, err := ParseFamily(c.in)
		if c.err {
			if !errors.Is(err, ErrBadFamily) {
				t.Errorf("ParseFamily(%q) err = %v, want ErrBadFamily", c.in, err)
			}

			continue
		}

		if err != nil || got != c.want {
			t.Errorf("ParseFamily(%q) = %v, %v, want %v", c.in, got, err, c.want)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	reg, err := NewRegistry([]config.ChainConfig{
		{ID: "btc", Family: "utxo", Decimals: 8, Confirmations: 3,
			Fees: config.FeeConfig{Percent: "0.5", Minimum: "2", Dynamic: true}},
		{ID: "eth", Family: "account", Decimals: 18, Confirmations: 12},
	})
	if err != nil {
		t.Fatalf("NewRegistry failed: %v", err)
	}

	d, err := reg.Get("btc")
	if err != nil {
		t.Fatalf("Get(btc) failed: %v", err)
	}

	if d.Family != FamilyUTXO || d.Decimals != 8 || d.RequiredConfirmations != 3 {
		t.Errorf("unexpected descriptor %+v", d)
	}

	if !d.Fees.Percent.Equal(dec("0.5")) || !d.Fees.MinimumFlat.Equal(dec("2")) || !d.Fees.DynamicEstimate {
		t.Errorf("unexpected fee policy %+v", d.Fees)
	}

	if _, err = reg.Get("xrp"); !errors.Is(err, ErrUnsupportedChain) {
		t.Errorf("Get(xrp) err = %v, want ErrUnsupportedChain", err)
	}

	if got := len(reg.List()); got != 2 {
		t.Errorf("List() has %d chains, want 2", got)
	}
}

func TestNewRegistryBadConfig(t *testing.T) {
	if _, err := NewRegistry([]config.ChainConfig{{ID: "btc", Family: "bogus"}}); !errors.Is(err, ErrBadFamily) {
		t.Errorf("bad family err = %v, want ErrBadFamily", err)
	}

	_, err := NewRegistry([]config.ChainConfig{
		{ID: "btc", Family: "utxo", Fees: config.FeeConfig{Percent: "not-a-number"}},
	})
	if !errors.Is(err, ErrBadFee) {
		t.Errorf("bad fee err = %v, want ErrBadFee", err)
	}
}
