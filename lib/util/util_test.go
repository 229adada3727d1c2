package util

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestConversions(t *testing.T) {
	cases := []struct {
		minor    string
		decimals uint8
		standard string
	}{
		{"150000000", 8, "1.5"},
		{"1", 8, "0.00000001"},
		{"1000000000000000000", 18, "1"},
		{"0", 8, "0"},
	}

	for _, c := range cases {
		minor, _ := decimal.NewFromString(c.minor)
		std, _ := decimal.NewFromString(c.standard)

		if got := ToStandard(minor, c.decimals); !got.Equal(std) {
			t.Errorf("ToStandard(%s, %d) = %s, want %s", c.minor, c.decimals, got, std)
		}

		if got := ToMinor(std, c.decimals); !got.Equal(minor) {
			t.Errorf("ToMinor(%s, %d) = %s, want %s", c.standard, c.decimals, got, minor)
		}
	}
}

func TestFitsPrecision(t *testing.T) {
	cases := []struct {
		amount   string
		decimals uint8
		fits     bool
	}{
		{"1.123456789", 8, false},
		{"1.12345678", 8, true},
		{"1", 0, true},
		{"1.5", 0, false},
		{"0.000000000000000001", 18, true},
	}

	for _, c := range cases {
		amount, _ := decimal.NewFromString(c.amount)
		if got := FitsPrecision(amount, c.decimals); got != c.fits {
			t.Errorf("FitsPrecision(%s, %d) = %v, want %v", c.amount, c.decimals, got, c.fits)
		}
	}
}

func TestIn(t *testing.T) {
	ss := []string{"btc", "eth"}

	if !In(ss, "btc") {
		t.Error("expected btc to be in the list")
	}

	if In(ss, "xrp") {
		t.Error("did not expect xrp to be in the list")
	}
}
