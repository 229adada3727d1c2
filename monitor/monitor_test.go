package monitor

import (
	"testing"
	"time"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/config"
	"github.com/tarancss/csd/lib/fetch"
	"github.com/tarancss/csd/lib/msg"
	memmb "github.com/tarancss/csd/lib/msg/mem"
	"github.com/tarancss/csd/lib/store"
	memdb "github.com/tarancss/csd/lib/store/mem"
)

// quietFetcher observes nothing; the service tests only exercise monitor lifecycle.
type quietFetcher struct{}

func (quietFetcher) Fetch(chainID, address string) ([]fetch.Observed, error) {
	return nil, nil
}

func (quietFetcher) Detail(chainID, hash, address string) (fetch.Observed, error) {
	return fetch.Observed{}, nil
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}

		time.Sleep(10 * time.Millisecond)
	}

	t.Fatal("condition not reached in time")
}

func TestServiceLifecycle(t *testing.T) {
	db := memdb.New()
	mb := memmb.New()

	if _, err := db.AddAddress(store.WatchedAddress{WalletID: "w1", Chain: "btc", Addr: "addr1"}); err != nil {
		t.Fatal(err)
	}

	reg, err := chain.NewRegistry([]config.ChainConfig{
		{ID: "btc", Family: "utxo", Decimals: 8, Confirmations: 3},
	})
	if err != nil {
		t.Fatal(err)
	}

	s := New("memory", db, mb, reg, quietFetcher{}, time.Hour)

	if err = s.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	// the persisted address is monitored from the start
	if got := s.Watching(); got != 1 {
		t.Fatalf("Watching() = %d, want 1", got)
	}

	// a watch request from the settle service adds a monitor and persists the address
	if err = mb.SendWatchReq(msg.WatchReq{Chain: "btc", WalletID: "w2", Addr: "addr2", Act: msg.WATCH}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return s.Watching() == 2 })

	addrs, _ := db.GetAddresses(nil)
	if len(addrs) != 2 {
		t.Errorf("store has %d addresses, want 2", len(addrs))
	}

	// watching the same address twice is a no-op
	if err = s.Watch(store.WatchedAddress{WalletID: "w2", Chain: "btc", Addr: "addr2"}); err != nil {
		t.Fatal(err)
	}

	if got := s.Watching(); got != 2 {
		t.Errorf("Watching() after duplicate = %d, want 2", got)
	}

	// an unwatch request stops the monitor and removes the address
	if err = mb.SendWatchReq(msg.WatchReq{Chain: "btc", WalletID: "w2", Addr: "addr2", Act: msg.UNWATCH}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, func() bool { return s.Watching() == 1 })

	addrs, _ = db.GetAddresses(nil)
	if len(addrs) != 1 || addrs[0].Addr != "addr1" {
		t.Errorf("store addresses after unwatch = %v", addrs)
	}

	s.Stop()

	if got := s.Watching(); got != 1 {
		t.Errorf("Watching() after Stop = %d (monitors stay registered, just inactive)", got)
	}
}

func TestWatchUnknownChain(t *testing.T) {
	reg, err := chain.NewRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}

	s := New("memory", memdb.New(), memmb.New(), reg, quietFetcher{}, time.Hour)

	if err = s.Watch(store.WatchedAddress{WalletID: "w1", Chain: "xrp", Addr: "a"}); err == nil {
		t.Error("expected an error for an unconfigured chain")
	}
}
