package mem

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/store"
)

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)

	return d
}

func TestAddresses(t *testing.T) {
	m := New()

	a := store.WatchedAddress{WalletID: "w1", Chain: "btc", Addr: "addr1"}

	id, err := m.AddAddress(a)
	if err != nil || len(id) == 0 {
		t.Fatalf("AddAddress failed: %v %v", id, err)
	}

	// adding the same address again returns the existing id
	id2, err := m.AddAddress(a)
	if err != nil || string(id2) != string(id) {
		t.Errorf("duplicate AddAddress = %v, %v, want original id %v", id2, err, id)
	}

	if _, err = m.AddAddress(store.WatchedAddress{WalletID: "w2", Chain: "eth", Addr: "0xaa"}); err != nil {
		t.Fatal(err)
	}

	all, err := m.GetAddresses(nil)
	if err != nil || len(all) != 2 {
		t.Errorf("GetAddresses(nil) = %v, %v, want 2 addresses", all, err)
	}

	btc, err := m.GetAddresses([]string{"btc"})
	if err != nil || len(btc) != 1 || btc[0].Addr != "addr1" {
		t.Errorf("GetAddresses(btc) = %v, %v", btc, err)
	}

	if err = m.RemoveAddress(a); err != nil {
		t.Errorf("RemoveAddress failed: %v", err)
	}

	if err = m.RemoveAddress(a); !errors.Is(err, store.ErrAddrNotFound) {
		t.Errorf("RemoveAddress of unknown address = %v, want ErrAddrNotFound", err)
	}
}

func TestCreditDepositIdempotent(t *testing.T) {
	m := New()

	tx := store.Transaction{
		Hash: "aa", WalletID: "w1", Chain: "btc", Address: "addr1",
		Amount: dec("1.5"), Status: store.StatusConfirmed, Kind: store.KindDeposit,
	}

	if err := m.CreditDeposit(tx); err != nil {
		t.Fatalf("CreditDeposit failed: %v", err)
	}

	// a second credit for the same (hash, wallet) must not touch the balance
	if err := m.CreditDeposit(tx); !errors.Is(err, store.ErrDuplicate) {
		t.Errorf("duplicate CreditDeposit = %v, want ErrDuplicate", err)
	}

	w, err := m.Balance("w1")
	if err != nil || !w.Balance.Equal(dec("1.5")) {
		t.Errorf("balance = %v, %v, want 1.5", w, err)
	}

	got, err := m.FindTransaction("aa", "w1")
	if err != nil || got.Status != store.StatusConfirmed {
		t.Errorf("FindTransaction = %+v, %v", got, err)
	}

	// same hash for a different wallet is a distinct record
	if _, err = m.FindTransaction("aa", "w2"); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("FindTransaction other wallet = %v, want ErrDataNotFound", err)
	}
}

func TestDebitWithdrawal(t *testing.T) {
	m := New()
	m.SetBalance("w1", dec("100"), dec("10"))

	tx := store.Transaction{
		Hash: "id-1", WalletID: "w1", Chain: "eth", Address: "0xdest",
		Amount: dec("80"), Fee: dec("5"), Kind: store.KindWithdrawal,
	}

	// 80+5 > 100-10: insufficient
	if err := m.DebitWithdrawal(tx); !errors.Is(err, store.ErrInsufficientFunds) {
		t.Fatalf("DebitWithdrawal = %v, want ErrInsufficientFunds", err)
	}

	tx.Amount = dec("60")
	if err := m.DebitWithdrawal(tx); err != nil {
		t.Fatalf("DebitWithdrawal failed: %v", err)
	}

	w, _ := m.Balance("w1")
	if !w.Balance.Equal(dec("35")) {
		t.Errorf("balance after debit = %s, want 35", w.Balance)
	}

	got, err := m.FindTransaction("id-1", "w1")
	if err != nil || got.Status != store.StatusPending {
		t.Errorf("withdrawal record = %+v, %v, want PENDING", got, err)
	}
}

func TestDebitWithdrawalConcurrent(t *testing.T) {
	m := New()
	m.SetBalance("w1", dec("100"), decimal.Zero)

	var wg sync.WaitGroup

	errs := make([]error, 2)

	for i := 0; i < 2; i++ {
		wg.Add(1)

		go func(i int) {
			defer wg.Done()

			errs[i] = m.DebitWithdrawal(store.Transaction{
				Hash: "id-" + string(rune('a'+i)), WalletID: "w1",
				Chain: "eth", Amount: dec("60"), Kind: store.KindWithdrawal,
			})
		}(i)
	}

	wg.Wait()

	var ok, insufficient int

	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, store.ErrInsufficientFunds):
			insufficient++
		default:
			t.Errorf("unexpected error %v", err)
		}
	}

	// exactly one may pass the sufficiency check
	if ok != 1 || insufficient != 1 {
		t.Errorf("got %d successes and %d rejections, want 1 and 1", ok, insufficient)
	}

	w, _ := m.Balance("w1")
	if !w.Balance.Equal(dec("40")) {
		t.Errorf("balance = %s, want 40", w.Balance)
	}
}

func TestSetTransactionHash(t *testing.T) {
	m := New()
	m.SetBalance("w1", dec("10"), decimal.Zero)

	if err := m.DebitWithdrawal(store.Transaction{
		Hash: "req-1", WalletID: "w1", Chain: "eth", Amount: dec("1"), Kind: store.KindWithdrawal,
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.SetTransactionHash("req-1", "w1", "0xaa"); err != nil {
		t.Fatalf("SetTransactionHash failed: %v", err)
	}

	if _, err := m.FindTransaction("req-1", "w1"); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("old key still resolves: %v", err)
	}

	got, err := m.FindTransaction("0xaa", "w1")
	if err != nil || got.Hash != "0xaa" {
		t.Errorf("rekeyed record = %+v, %v", got, err)
	}

	if err = m.SetTransactionHash("missing", "w1", "0xbb"); !errors.Is(err, store.ErrDataNotFound) {
		t.Errorf("SetTransactionHash of unknown record = %v, want ErrDataNotFound", err)
	}
}
