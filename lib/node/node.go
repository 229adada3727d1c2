// Package node implements a JSON-RPC client to UTXO-style full nodes (ie. bitcoind compatible). Wallet-scoped
// calls are routed to a dedicated watch-only wallet that is created lazily on first use, so the node can track
// deposit addresses and balances without ever holding a private key.
package node

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/config"
)

const (
	defaultTimeout = 3 * time.Second
	retries        = 3 // attempts per call for transient failures
	retryWait      = 500 * time.Millisecond
)

// ErrEmptyResult is returned when the node replies without a result field.
var ErrEmptyResult = errors.New("node returned an empty result")

// RPCError is the error type returned by all node calls. Transient errors (connectivity, timeouts, node still
// warming up) may be retried; fatal errors are protocol-level and retrying them is pointless.
type RPCError struct {
	Method    string
	Message   string
	Transient bool
	Err       error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("node rpc %s: %s", e.Method, e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.Err
}

// IsTransient returns true when err is a retryable node error.
func IsTransient(err error) bool {
	var re *RPCError
	if errors.As(err, &re) {
		return re.Transient
	}

	return false
}

// Client is a JSON-RPC client to one chain's full node.
type Client struct {
	url    string
	user   string
	pass   string
	wallet string
	hc     *http.Client

	mu          sync.Mutex
	walletReady bool
}

// New returns a node client for the given configuration. timeout bounds each RPC call; zero selects the default.
func New(cfg config.NodeConfig, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = defaultTimeout
	}

	return &Client{
		url:    cfg.URL,
		user:   cfg.User,
		pass:   cfg.Pass,
		wallet: cfg.Wallet,
		hc:     &http.Client{Timeout: timeout},
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Call executes an RPC method against the node, decoding the result into result when non-nil. Transient
// failures are retried a fixed number of times before being returned.
func (c *Client) Call(method string, params []interface{}, result interface{}) error {
	return c.call(c.url, method, params, result)
}

// WalletCall executes a wallet-scoped RPC method against the watch-only wallet, making sure the wallet is
// loaded first.
func (c *Client) WalletCall(method string, params []interface{}, result interface{}) error {
	if err := c.ensureWallet(); err != nil {
		return err
	}

	return c.call(c.url+"/wallet/"+c.wallet, method, params, result)
}

func (c *Client) call(url, method string, params []interface{}, result interface{}) error {
	var err error
	for i := 0; i < retries; i++ {
		if err = c.post(url, method, params, result); err == nil || !IsTransient(err) {
			return err
		}

		time.Sleep(retryWait)
	}

	return err
}

func (c *Client) post(url, method string, params []interface{}, result interface{}) error {
	if params == nil {
		params = []interface{}{}
	}

	body, err := json.Marshal(rpcRequest{JSONRPC: "1.0", ID: "csd", Method: method, Params: params})
	if err != nil {
		return &RPCError{Method: method, Message: err.Error(), Err: err}
	}

	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return &RPCError{Method: method, Message: err.Error(), Err: err}
	}

	req.Header.Set("Content-Type", "application/json")

	if c.user != "" {
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		// connectivity or timeout
		return &RPCError{Method: method, Message: err.Error(), Transient: true, Err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &RPCError{Method: method, Message: err.Error(), Transient: true, Err: err}
	}

	if resp.StatusCode >= http.StatusInternalServerError && len(raw) == 0 {
		return &RPCError{Method: method, Message: resp.Status, Transient: true}
	}

	var rr rpcResponse
	if err = json.Unmarshal(raw, &rr); err != nil {
		return &RPCError{Method: method, Message: "malformed response: " + err.Error(), Err: err}
	}

	if rr.Error != nil {
		return &RPCError{Method: method, Message: rr.Error.Message, Transient: rr.Error.Code == -28} // -28: warming up
	}

	if result != nil {
		if len(rr.Result) == 0 || string(rr.Result) == "null" {
			return &RPCError{Method: method, Message: ErrEmptyResult.Error(), Err: ErrEmptyResult}
		}

		d := json.NewDecoder(bytes.NewReader(rr.Result))
		d.UseNumber()

		if err = d.Decode(result); err != nil {
			return &RPCError{Method: method, Message: "malformed result: " + err.Error(), Err: err}
		}
	}

	return nil
}

// ensureWallet loads the watch-only wallet, creating it when the node does not know it yet. "already loaded"
// and "already exists" replies count as success.
func (c *Client) ensureWallet() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.walletReady {
		return nil
	}

	err := c.call(c.url, "loadwallet", []interface{}{c.wallet}, nil)
	if err != nil {
		if tolerable(err, "already loaded") {
			c.walletReady = true

			return nil
		}

		if tolerable(err, "not found", "does not exist", "Path does not exist") {
			// createwallet name, disable_private_keys=true, blank=true: watch-only semantics, no keys ever
			err = c.call(c.url, "createwallet", []interface{}{c.wallet, true, true}, nil)
			if err != nil && !tolerable(err, "already exists") {
				return err
			}

			c.walletReady = true

			return nil
		}

		return err
	}

	c.walletReady = true

	return nil
}

func tolerable(err error, substrings ...string) bool {
	var re *RPCError
	if !errors.As(err, &re) {
		return false
	}

	for _, s := range substrings {
		if strings.Contains(re.Message, s) {
			return true
		}
	}

	return false
}

// ChainInfo is the subset of getblockchaininfo the monitor needs.
type ChainInfo struct {
	Chain  string `json:"chain"`
	Blocks int64  `json:"blocks"`
}

// GetChainInfo returns the node's view of the chain tip.
func (c *Client) GetChainInfo() (ChainInfo, error) {
	var ci ChainInfo
	err := c.Call("getblockchaininfo", nil, &ci)

	return ci, err
}

// ImportWatchAddress imports an address into the watch-only wallet without triggering a rescan. Historical
// transactions are picked up by an operational rescan, not here. Importing the same address twice is a no-op.
func (c *Client) ImportWatchAddress(addr string) error {
	err := c.WalletCall("importaddress", []interface{}{addr, "", false}, nil)
	if err != nil && tolerable(err, "already") {
		return nil
	}

	return err
}

// WalletTx is one entry of listtransactions.
type WalletTx struct {
	Address       string      `json:"address"`
	Category      string      `json:"category"` // send | receive | generate | immature | orphan
	Amount        json.Number `json:"amount"`
	Confirmations int64       `json:"confirmations"`
	TxID          string      `json:"txid"`
	BlockTime     int64       `json:"blocktime"`
}

// ListTransactions returns up to count wallet transactions skipping the first skip, including watch-only ones.
func (c *Client) ListTransactions(count, skip int) ([]WalletTx, error) {
	var txs []WalletTx
	err := c.WalletCall("listtransactions", []interface{}{"*", count, skip, true}, &txs)

	return txs, err
}

// Unspent is one entry of listunspent.
type Unspent struct {
	TxID          string      `json:"txid"`
	Vout          uint32      `json:"vout"`
	Address       string      `json:"address"`
	Amount        json.Number `json:"amount"`
	Confirmations int64       `json:"confirmations"`
}

// ListUnspent returns the unspent outputs paying the given addresses, any number of confirmations included.
func (c *Client) ListUnspent(addrs []string) ([]Unspent, error) {
	var us []Unspent
	err := c.WalletCall("listunspent", []interface{}{0, 9999999, addrs}, &us)

	return us, err
}

// TxDetail is the verbose result of gettransaction. Details carries the per-address breakdown used to compute
// the amount addressed to one watched address.
type TxDetail struct {
	TxID          string      `json:"txid"`
	Amount        json.Number `json:"amount"`
	Confirmations int64       `json:"confirmations"`
	BlockTime     int64       `json:"blocktime"`
	Details       []struct {
		Address  string      `json:"address"`
		Category string      `json:"category"`
		Amount   json.Number `json:"amount"`
	} `json:"details"`
}

// GetTransaction returns the wallet's detail of the given transaction.
func (c *Client) GetTransaction(txid string) (TxDetail, error) {
	var td TxDetail
	err := c.WalletCall("gettransaction", []interface{}{txid, true}, &td)

	return td, err
}

// GetRawTransaction returns the serialized transaction in hex.
func (c *Client) GetRawTransaction(txid string) (string, error) {
	var raw string
	err := c.Call("getrawtransaction", []interface{}{txid}, &raw)

	return raw, err
}

// Broadcast submits a raw signed transaction to the node's mempool, returning its hash.
func (c *Client) Broadcast(rawHex string) (string, error) {
	var txid string
	err := c.Call("sendrawtransaction", []interface{}{rawHex}, &txid)

	return txid, err
}

// EstimateFee asks the node for a fee rate (standard units per kvB) to confirm within target blocks. Nodes
// without an estimate available reply without a feerate; that maps to zero, not an error.
func (c *Client) EstimateFee(target int64) (decimal.Decimal, error) {
	var res struct {
		FeeRate json.Number `json:"feerate"`
		Errors  []string    `json:"errors"`
	}

	if err := c.Call("estimatesmartfee", []interface{}{target}, &res); err != nil {
		return decimal.Zero, err
	}

	if res.FeeRate == "" {
		return decimal.Zero, nil
	}

	rate, err := decimal.NewFromString(res.FeeRate.String())
	if err != nil {
		return decimal.Zero, &RPCError{Method: "estimatesmartfee", Message: "malformed feerate: " + res.FeeRate.String(), Err: err}
	}

	return rate, nil
}
