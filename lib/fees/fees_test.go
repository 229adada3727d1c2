package fees

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/config"
	"github.com/tarancss/csd/lib/node"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)

	return d
}

func registry(t *testing.T, cfgs ...config.ChainConfig) *chain.Registry {
	t.Helper()

	reg, err := chain.NewRegistry(cfgs)
	if err != nil {
		t.Fatal(err)
	}

	return reg
}

func TestServiceFee(t *testing.T) {
	reg := registry(t, config.ChainConfig{
		ID: "eth", Family: "account", Decimals: 18,
		Fees: config.FeeConfig{Percent: "0.5", Minimum: "2"},
	})
	c := New(reg, nil, nil)

	cases := []struct {
		amount string
		want   string
	}{
		{"1000", "5"}, // 0.5% of 1000
		{"100", "2"},  // floor applies
		{"400", "2"},  // exactly at the floor
		{"401", "2.005"},
	}

	for _, cse := range cases {
		f, err := c.Compute("eth", dec(cse.amount), "0xdest")
		if err != nil {
			t.Fatalf("Compute(%s) failed: %v", cse.amount, err)
		}

		if !f.Service.Equal(dec(cse.want)) {
			t.Errorf("service fee for %s = %s, want %s", cse.amount, f.Service, cse.want)
		}

		if !f.Total.Equal(f.Service) {
			t.Errorf("total %s != service %s with no network or activation fee", f.Total, f.Service)
		}
	}
}

type fakeProber struct {
	active bool
	err    error
}

func (p fakeProber) Activated(string) (bool, error) {
	return p.active, p.err
}

func TestActivationFee(t *testing.T) {
	reg := registry(t, config.ChainConfig{
		ID: "xlm", Family: "explorer", Decimals: 7,
		Fees: config.FeeConfig{Percent: "0.1", Minimum: "0.5", Activation: "1"},
	})

	// destination not yet activated: charge it
	c := New(reg, nil, map[string]ActivationProber{"xlm": fakeProber{active: false}})

	f, err := c.Compute("xlm", dec("100"), "dest")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !f.Activation.Equal(dec("1")) || !f.Total.Equal(dec("1.5")) {
		t.Errorf("unexpected fee %+v", f)
	}

	// destination already funded: no activation fee
	c = New(reg, nil, map[string]ActivationProber{"xlm": fakeProber{active: true}})

	if f, err = c.Compute("xlm", dec("100"), "dest"); err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !f.Activation.IsZero() {
		t.Errorf("activation fee = %s, want 0 for an activated destination", f.Activation)
	}

	// no prober configured: charge conservatively
	c = New(reg, nil, nil)

	if f, err = c.Compute("xlm", dec("100"), "dest"); err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !f.Activation.Equal(dec("1")) {
		t.Errorf("activation fee = %s, want 1 without a prober", f.Activation)
	}
}

func TestNetworkFee(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		fmt.Fprint(rw, `{"result":{"feerate":0.0002,"blocks":6},"error":null}`)
	}))
	defer srv.Close()

	reg := registry(t, config.ChainConfig{
		ID: "btc", Family: "utxo", Decimals: 8,
		Fees: config.FeeConfig{Percent: "0.5", Minimum: "0.0001", Dynamic: true},
	})
	nodes := map[string]*node.Client{"btc": node.New(config.NodeConfig{URL: srv.URL}, 0)}

	c := New(reg, nodes, nil)

	f, err := c.Compute("btc", dec("1"), "dest")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	// 0.0002 per kvB for a 250 vbyte transaction
	if !f.Network.Equal(dec("0.00005")) {
		t.Errorf("network fee = %s, want 0.00005", f.Network)
	}
}

func TestNetworkFeeStatic(t *testing.T) {
	reg := registry(t, config.ChainConfig{
		ID: "eth", Family: "account", Decimals: 18,
		Fees: config.FeeConfig{Percent: "0.5", Minimum: "0.001"},
	})
	c := New(reg, nil, nil)

	f, err := c.Compute("eth", dec("1"), "0xdest")
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	if !f.Network.IsZero() {
		t.Errorf("network fee = %s, want 0 without dynamic estimation", f.Network)
	}
}
