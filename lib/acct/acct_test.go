package acct

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

// rpcServer mocks an ethereum node answering eth_getBalance with a fixed result per address.
func rpcServer(t *testing.T, balances map[string]string) *httptest.Server {
	t.Helper()

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
			Params []interface{}   `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("cannot decode rpc request: %v", err)
		}

		if req.Method != "eth_getBalance" {
			t.Errorf("unexpected method %s", req.Method)
		}

		addr, _ := req.Params[0].(string)
		res, ok := balances[addr]
		if !ok {
			res = "0x0"
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"jsonrpc": "2.0", "id": req.ID, "result": res,
		})
	}))
}

func TestBalance(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"0x357dd3856d856197c1a000bbab4abcb97dfc92c4": "0x2386f26fc10000", // 0.01 eth in wei
	})
	defer srv.Close()

	a, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("cannot connect: %v", err)
	}
	defer a.Close()

	bal, err := a.Balance("0x357dd3856d856197c1a000bbab4abcb97dfc92c4")
	if err != nil {
		t.Fatalf("cannot get balance: %v", err)
	}

	if bal.String() != "10000000000000000" {
		t.Errorf("expected 10000000000000000 wei, got %s", bal.String())
	}
}

func TestActivated(t *testing.T) {
	srv := rpcServer(t, map[string]string{
		"0x357dd3856d856197c1a000bbab4abcb97dfc92c4": "0x2386f26fc10000",
	})
	defer srv.Close()

	a, err := New(srv.URL, "")
	if err != nil {
		t.Fatalf("cannot connect: %v", err)
	}
	defer a.Close()

	act, err := a.Activated("0x357dd3856d856197c1a000bbab4abcb97dfc92c4")
	if err != nil {
		t.Fatalf("cannot probe account: %v", err)
	}

	if !act {
		t.Error("expected funded account to be activated")
	}

	if act, err = a.Activated("0xcba75f167b03e34b8a572c50273c082401b073ed"); err != nil {
		t.Fatalf("cannot probe account: %v", err)
	}

	if act {
		t.Error("expected unfunded account to not be activated")
	}
}
