package mem

import (
	"testing"

	"github.com/tarancss/csd/lib/msg"
)

func TestFanOutPerChain(t *testing.T) {
	m := New()

	btcCh, _, err := m.Deposits("btc")
	if err != nil {
		t.Fatal(err)
	}

	ethCh, _, err := m.Deposits("eth")
	if err != nil {
		t.Fatal(err)
	}

	e := msg.DepositEvent{Chain: "btc", Hash: "aa", Status: msg.StatusPending}
	if err = m.PublishDeposit(e); err != nil {
		t.Fatal(err)
	}

	got := <-btcCh
	if got.Hash != "aa" {
		t.Errorf("received %+v", got)
	}

	select {
	case e := <-ethCh:
		t.Errorf("eth subscriber received btc event %+v", e)
	default:
	}

	// retained for inspection
	if len(m.Depos) != 1 {
		t.Errorf("retained %d events, want 1", len(m.Depos))
	}
}

func TestCloseEndsSubscribers(t *testing.T) {
	m := New()

	wrCh, _, err := m.WatchReqs("btc")
	if err != nil {
		t.Fatal(err)
	}

	if err = m.Close(); err != nil {
		t.Fatal(err)
	}

	if err = m.Close(); err != nil { // idempotent
		t.Fatal(err)
	}

	if _, ok := <-wrCh; ok {
		t.Error("subscriber channel still open after Close")
	}
}
