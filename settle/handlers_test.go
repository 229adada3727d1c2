package settle

import (
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tarancss/hd"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/config"
	"github.com/tarancss/csd/lib/fees"
	"github.com/tarancss/csd/lib/msg"
	memmb "github.com/tarancss/csd/lib/msg/mem"
	"github.com/tarancss/csd/lib/store"
	memdb "github.com/tarancss/csd/lib/store/mem"
)

func testSettle(t *testing.T) (*Settle, *memdb.Mem, *memmb.Mem) {
	t.Helper()

	return testSettleChains(t, []config.ChainConfig{
		{ID: "eth", Family: "account", Decimals: 18, Confirmations: 12,
			Fees: config.FeeConfig{Percent: "0.5", Minimum: "2"}},
	})
}

func testSettleChains(t *testing.T, cc []config.ChainConfig) (*Settle, *memdb.Mem, *memmb.Mem) {
	t.Helper()

	db := memdb.New()
	mb := memmb.New()

	reg, err := chain.NewRegistry(cc)
	if err != nil {
		t.Fatal(err)
	}

	seed, err := hex.DecodeString(config.SeedDefault)
	if err != nil {
		t.Fatal(err)
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		t.Fatal(err)
	}

	calc := fees.New(reg, nil, nil)
	s := New("memory", db, mb, reg, nil, nil, hdw, calc)
	// settle through a fake so no chain client is needed
	s.q = NewQueue(reg, db, calc, &fakeBroadcaster{hash: "0xaa"}, mb)

	return s, db, mb
}

func doReq(s *Settle, method, target, body string) (*httptest.ResponseRecorder, Response) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	var res Response
	_ = json.NewDecoder(rec.Body).Decode(&res)

	return rec, res
}

func TestNetworksHandler(t *testing.T) {
	s, _, _ := testSettle(t)

	rec, res := doReq(s, "GET", "/networks", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var nets []string
	if err := json.Unmarshal([]byte(res.Body), &nets); err != nil || len(nets) != 1 || nets[0] != "eth" {
		t.Errorf("networks = %s, %v", res.Body, err)
	}
}

func TestDepositAddrHandler(t *testing.T) {
	s, db, mb := testSettle(t)

	wrCh, _, err := mb.WatchReqs("eth")
	if err != nil {
		t.Fatal(err)
	}

	rec, res := doReq(s, "POST", "/wallets/w1/address?net=eth&hd=0&id=5", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, err %s, want 202", rec.Code, res.Error)
	}

	address := res.Body
	if !strings.HasPrefix(address, "0x") || len(address) != 42 {
		t.Fatalf("address = %q, want a 20-byte hex address", address)
	}

	// the address is persisted and the monitor is asked to watch it
	addrs, _ := db.GetAddresses(nil)
	if len(addrs) != 1 || addrs[0].Addr != address || addrs[0].WalletID != "w1" {
		t.Errorf("stored addresses = %+v", addrs)
	}

	wr := <-wrCh
	if wr.Addr != address || wr.Act != msg.WATCH || wr.Chain != "eth" {
		t.Errorf("watch request = %+v", wr)
	}

	// missing chain query
	rec, _ = doReq(s, "POST", "/wallets/w1/address", "")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status without net = %d, want 400", rec.Code)
	}

	// unwatch
	rec, _ = doReq(s, "DELETE", "/wallets/w1/address?net=eth&addr="+address, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("unwatch status = %d, want 202", rec.Code)
	}

	wr = <-wrCh
	if wr.Addr != address || wr.Act != msg.UNWATCH {
		t.Errorf("unwatch request = %+v", wr)
	}
}

func TestDepositAddrCasing(t *testing.T) {
	s, db, _ := testSettleChains(t, []config.ChainConfig{
		{ID: "btc", Family: "utxo", Decimals: 8, Confirmations: 3},
		{ID: "eth", Family: "account", Decimals: 18, Confirmations: 12},
	})

	// base58 is case sensitive, the supplied address must survive verbatim
	base58 := "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2"

	rec, res := doReq(s, "POST", "/wallets/w1/address?net=btc&addr="+base58, "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, err %s, want 202", rec.Code, res.Error)
	}

	if res.Body != base58 {
		t.Errorf("address = %q, want %q", res.Body, base58)
	}

	addrs, _ := db.GetAddresses([]string{"btc"})
	if len(addrs) != 1 || addrs[0].Addr != base58 {
		t.Errorf("stored addresses = %+v", addrs)
	}

	// hex account addresses are keyed on one casing
	rec, res = doReq(s, "POST", "/wallets/w1/address?net=eth&addr=0xCBA75F167B03e34B8a572c50273C082401b073Ed", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, err %s, want 202", rec.Code, res.Error)
	}

	if res.Body != "0xcba75f167b03e34b8a572c50273c082401b073ed" {
		t.Errorf("address = %q, want lowercased hex", res.Body)
	}
}

func TestBalanceHandler(t *testing.T) {
	s, db, _ := testSettle(t)
	db.SetBalance("w1", dec("12.5"), dec("2"))

	rec, res := doReq(s, "GET", "/wallets/w1/balance", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var w store.Wallet
	if err := json.Unmarshal([]byte(res.Body), &w); err != nil {
		t.Fatal(err)
	}

	if !w.Balance.Equal(dec("12.5")) || !w.InOrder.Equal(dec("2")) {
		t.Errorf("balance = %+v", w)
	}
}

func TestWithdrawHandler(t *testing.T) {
	s, db, _ := testSettle(t)
	db.SetBalance("w1", dec("1000"), decimal.Zero)

	rec, res := doReq(s, "POST", "/withdraw",
		`{"wallet":"w1","chain":"eth","amount":"600","to":"0xdest"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, err %s, want 202", rec.Code, res.Error)
	}

	var receipt Receipt
	if err := json.Unmarshal([]byte(res.Body), &receipt); err != nil {
		t.Fatal(err)
	}

	if receipt.Hash != "0xaa" || !receipt.Fee.Total.Equal(dec("3")) {
		t.Errorf("receipt = %+v", receipt)
	}

	// a second 600 cannot be covered anymore
	rec, res = doReq(s, "POST", "/withdraw",
		`{"wallet":"w1","chain":"eth","amount":"600","to":"0xdest"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, err %s, want 400", rec.Code, res.Error)
	}

	// missing wallet
	rec, _ = doReq(s, "POST", "/withdraw", `{"chain":"eth","amount":"1","to":"0xdest"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status without wallet = %d, want 400", rec.Code)
	}
}

func TestTxHandler(t *testing.T) {
	s, db, _ := testSettle(t)

	if err := db.CreditDeposit(store.Transaction{
		Hash: "0xbb", WalletID: "w1", Chain: "eth", Address: "0xdep",
		Amount: dec("2"), Status: store.StatusConfirmed, Kind: store.KindDeposit,
	}); err != nil {
		t.Fatal(err)
	}

	rec, res := doReq(s, "GET", "/tx/0xbb?wallet=w1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var tx store.Transaction
	if err := json.Unmarshal([]byte(res.Body), &tx); err != nil {
		t.Fatal(err)
	}

	if tx.Hash != "0xbb" || tx.Kind != store.KindDeposit {
		t.Errorf("tx = %+v", tx)
	}

	if rec, _ = doReq(s, "GET", "/tx/0xcc?wallet=w1", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status for unknown tx = %d, want 404", rec.Code)
	}

	if rec, _ = doReq(s, "GET", "/tx/0xbb", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("status without wallet = %d, want 400", rec.Code)
	}
}
