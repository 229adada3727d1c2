package settle

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tarancss/hd"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/store"
)

// Errors returned to client requests.
var (
	ErrBadMethod  = errors.New("bad method in request")
	ErrBadRequest = errors.New("bad request")
	ErrMissingNet = errors.New("undefined chain - missing query: ?net=<chain>")
	ErrNoHash     = errors.New("a transaction hash is required")
	ErrNoWallet   = errors.New("a wallet id is required")
)

// Response defines the data structure returned to the client making the http request.
type Response struct {
	Body  string `json:"body"`
	Error string `json:"error,omitempty"`
}

// homeHandler just replies a welcome message to the client.
func (s *Settle) homeHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response
	// log request
	log.Printf("httpreq from %v %s\n", r.RemoteAddr, r.RequestURI)
	// just reply a welcome message
	res.Body = "Hello, this is your custody settlement daemon!"
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(res)
}

// networksHandler replies the chains available to the service.
func (s *Settle) networksHandler(rw http.ResponseWriter, r *http.Request) {
	var res Response

	pl := s.reg.List()

	rw.WriteHeader(http.StatusOK)
	tmp, _ := json.Marshal(pl)
	res.Body = string(tmp)
	// log request
	log.Printf("httpreq from %v %s res:%+v\n", r.RemoteAddr, r.RequestURI, pl)
	// reply
	rw.Header().Set("Content-Type", "application/json;charset=utf8")
	_ = json.NewEncoder(rw).Encode(&res)
}

// depositAddrHandler creates (POST) or removes (DELETE) a watched deposit address for the wallet. On POST the
// address is derived from the HD wallet unless the client provides one, persisted, imported into the chain
// node for UTXO chains and a watch request is published so the monitor starts polling it.
func (s *Settle) depositAddrHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var address string

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			res.Body = address

			rw.WriteHeader(http.StatusAccepted)
		}
		// log request and address
		log.Printf("httpreq from %v %s addr:%s err:%v\n", r.RemoteAddr, r.RequestURI, address, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	walletID, ok := mux.Vars(r)["wallet"]
	if !ok || walletID == "" {
		err = ErrNoWallet

		return
	}

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	net, okN := r.Form["net"]
	if !okN || len(net) != 1 { // we only allow 1 chain per request
		err = ErrMissingNet

		return
	}

	var d chain.Descriptor

	if d, err = s.reg.Get(net[0]); err != nil {
		return
	}

	switch r.Method {
	case "POST":
		if address, err = s.newDepositAddress(d, walletID, r.Form); err != nil {
			return
		}

		err = s.mb.SendWatchReq(msg.WatchReq{Chain: d.ID, WalletID: walletID, Addr: address, Act: msg.WATCH})
	case "DELETE":
		if tmp, okA := r.Form["addr"]; okA && len(tmp) == 1 {
			address = normalizeAddr(d, tmp[0])
		} else {
			err = ErrBadRequest

			return
		}

		err = s.mb.SendWatchReq(msg.WatchReq{Chain: d.ID, WalletID: walletID, Addr: address, Act: msg.UNWATCH})
	default:
		err = ErrBadMethod
	}
}

// normalizeAddr lowercases hex addresses so account chains key on one casing. Base58 addresses on utxo
// chains are case sensitive and pass through untouched.
func normalizeAddr(d chain.Descriptor, addr string) string {
	if d.Family == chain.FamilyAccount {
		return strings.ToLower(addr)
	}

	return addr
}

// newDepositAddress resolves the deposit address for the request and persists it as watched. Clients may
// supply the address directly (?addr=) or HD derivation indexes (?hd=&id=).
func (s *Settle) newDepositAddress(d chain.Descriptor, walletID string, form map[string][]string) (string, error) {
	var address string

	if tmp, ok := form["addr"]; ok && len(tmp) == 1 {
		address = normalizeAddr(d, tmp[0])
	} else {
		var account, id uint64

		var err error

		if tmp, ok := form["hd"]; ok {
			if account, err = strconv.ParseUint(tmp[0], 0, 32); err != nil {
				return "", fmt.Errorf("%w: bad hd account %s", ErrBadRequest, tmp[0])
			}
		}

		if tmp, ok := form["id"]; ok {
			if id, err = strconv.ParseUint(tmp[0], 0, 32); err != nil {
				return "", fmt.Errorf("%w: bad hd id %s", ErrBadRequest, tmp[0])
			}
		}

		addr, _, _, err := s.hdw.Address(uint32(account), hd.External, uint32(id))
		if err != nil {
			return "", fmt.Errorf("cannot derive deposit address: %w", err)
		}

		address = "0x" + hex.EncodeToString(addr)
	}

	if _, err := s.db.AddAddress(store.WatchedAddress{WalletID: walletID, Chain: d.ID, Addr: address}); err != nil {
		return "", err
	}

	// watch-only import so the node's wallet tracks the address, no rescan
	if d.Family == chain.FamilyUTXO {
		if n, ok := s.nodes[d.ID]; ok {
			if err := n.ImportWatchAddress(address); err != nil {
				return "", err
			}
		}
	}

	return address, nil
}

// balanceHandler replies the ledger balance row of the wallet.
func (s *Settle) balanceHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var w store.Wallet

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			rw.WriteHeader(http.StatusBadRequest)
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(w)
			res.Body = string(tmp)
		}
		// log request and balance
		log.Printf("httpreq from %v %s bal:%+v err:%v\n", r.RemoteAddr, r.RequestURI, w, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	walletID, ok := mux.Vars(r)["wallet"]
	if !ok || walletID == "" {
		err = ErrNoWallet

		return
	}

	w, err = s.db.Balance(walletID)
}

// withdrawHandler submits a withdrawal request to the queue and replies the settlement receipt. Domain
// rejections come back as bad requests; a failed broadcast leaves the withdrawal pending and is reported as
// a gateway error so the client knows the debit stands.
func (s *Settle) withdrawHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var rec Receipt

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			if errors.Is(err, ErrBroadcast) {
				rw.WriteHeader(http.StatusBadGateway)
			} else {
				rw.WriteHeader(http.StatusBadRequest)
			}
		} else {
			rw.WriteHeader(http.StatusAccepted)
		}

		tmp, _ := json.Marshal(rec)
		res.Body = string(tmp)
		// log request and receipt
		log.Printf("httpreq from %v %s rec:%+v err:%v\n", r.RemoteAddr, r.RequestURI, rec, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	var req WithdrawalRequest

	if err = json.NewDecoder(r.Body).Decode(&req); err != nil {
		log.Printf("Error decoding withdrawal request %+v\n", r.Body)

		return
	}

	if req.WalletID == "" {
		err = ErrNoWallet

		return
	}

	rec, err = s.q.Submit(req)
}

// txHandler replies the persisted transaction record for the requested hash and wallet.
func (s *Settle) txHandler(rw http.ResponseWriter, r *http.Request) {
	var err error

	var res Response

	var t store.Transaction

	defer func() {
		// reply to requester accordingly
		if err != nil {
			res.Error = fmt.Sprintf("%s", err)

			if errors.Is(err, store.ErrDataNotFound) {
				rw.WriteHeader(http.StatusNotFound)
			} else {
				rw.WriteHeader(http.StatusBadRequest)
			}
		} else {
			rw.WriteHeader(http.StatusOK)
			tmp, _ := json.Marshal(t)
			res.Body = string(tmp)
		}
		// log request and record
		log.Printf("httpreq from %v %s tx:%+v err:%v\n", r.RemoteAddr, r.RequestURI, t, err)
		// reply
		rw.Header().Set("Content-Type", "application/json;charset=utf8")
		_ = json.NewEncoder(rw).Encode(&res)
	}()

	hash, ok := mux.Vars(r)["hash"]
	if !ok || hash == "" {
		err = ErrNoHash

		return
	}

	if err = r.ParseForm(); err != nil {
		log.Print("Error parsing request URL")

		return
	}

	wallet, okW := r.Form["wallet"]
	if !okW || len(wallet) != 1 {
		err = ErrNoWallet

		return
	}

	t, err = s.db.FindTransaction(hash, wallet[0])
}
