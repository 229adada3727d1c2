package fetch

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/chain"
)

const cacheExpiry = 30 * time.Minute

// explorerResponse is the etherscan-shaped envelope of explorer APIs: status "1" carries a result array,
// status "0" carries either an explicit empty condition or an error message.
type explorerResponse struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

type explorerTx struct {
	Hash          string `json:"hash"`
	From          string `json:"from"`
	To            string `json:"to"`
	Value         string `json:"value"`
	TimeStamp     string `json:"timeStamp"`
	Confirmations string `json:"confirmations"`
}

// fetchExplorer reads the explorer HTTP API of an account or explorer-only chain. Results are cached with a
// fixed expiry keyed by (chain, address); a cache hit short-circuits the network call.
func (s *Service) fetchExplorer(d chain.Descriptor, address string) ([]Observed, error) {
	if txs, ok := s.cache.get(d.ID, address); ok {
		return txs, nil
	}

	body, err := s.explorerGet(d, address)
	if err != nil {
		return nil, err
	}

	txs, err := decodeExplorer(d, address, body)
	if err != nil {
		return nil, err
	}

	s.cache.put(d.ID, address, txs)

	return txs, nil
}

// detailExplorer re-reads the address and picks the transaction out; explorer APIs already report the final
// addressed amount per entry.
func (s *Service) detailExplorer(d chain.Descriptor, hash, address string) (Observed, error) {
	txs, err := s.fetchExplorer(d, address)
	if err != nil {
		return Observed{}, err
	}

	for _, tx := range txs {
		if tx.Hash == hash {
			return tx, nil
		}
	}

	return Observed{}, &UpstreamError{Chain: d.ID, Reason: "transaction " + hash + " not reported for " + address}
}

func (s *Service) explorerGet(d chain.Descriptor, address string) ([]byte, error) {
	q := url.Values{}
	q.Set("module", "account")
	q.Set("action", "txlist")
	q.Set("address", address)
	q.Set("sort", "desc")

	if d.Explorer.APIKey != "" {
		q.Set("apikey", d.Explorer.APIKey)
	}

	body, err := s.breaker.Execute(func() (interface{}, error) {
		resp, err := s.hc.Get(d.Explorer.URL + "?" + q.Encode())
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, &UpstreamError{Chain: d.ID, Reason: "explorer replied " + resp.Status}
		}

		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, fmt.Errorf("[%s] explorer call: %w", d.ID, err)
	}

	return body.([]byte), nil
}

func decodeExplorer(d chain.Descriptor, address string, body []byte) ([]Observed, error) {
	var er explorerResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return nil, &UpstreamError{Chain: d.ID, Reason: "malformed explorer response", Err: err}
	}

	if er.Status == "" {
		return nil, &UpstreamError{Chain: d.ID, Reason: "explorer response missing status"}
	}

	// status "0" with an explicit empty condition is no transactions, not an error
	if er.Status == "0" {
		if strings.Contains(er.Message, "No transactions found") || er.Message == "NOTOK" && emptyResult(er.Result) {
			return []Observed{}, nil
		}

		return nil, &UpstreamError{Chain: d.ID, Reason: "explorer flagged error: " + er.Message}
	}

	var items []explorerTx
	if err := json.Unmarshal(er.Result, &items); err != nil {
		return nil, &UpstreamError{Chain: d.ID, Reason: "malformed explorer result", Err: err}
	}

	out := make([]Observed, 0, len(items))

	for _, it := range items {
		if it.Hash == "" || it.Value == "" {
			return nil, &UpstreamError{Chain: d.ID, Reason: "explorer result missing expected fields"}
		}

		amt, err := decimal.NewFromString(it.Value)
		if err != nil {
			return nil, &UpstreamError{Chain: d.ID, Reason: "bad value in explorer result: " + it.Value, Err: err}
		}

		var confs int64
		if it.Confirmations != "" {
			c, err := decimal.NewFromString(it.Confirmations)
			if err != nil {
				return nil, &UpstreamError{Chain: d.ID, Reason: "bad confirmations in explorer result: " + it.Confirmations, Err: err}
			}
			confs = c.IntPart()
		}

		var blockTime int64
		if it.TimeStamp != "" {
			if ts, err := decimal.NewFromString(it.TimeStamp); err == nil {
				blockTime = ts.IntPart()
			}
		}

		out = append(out, Observed{
			Hash:          it.Hash,
			Chain:         d.ID,
			Address:       address,
			RawAmount:     amt,
			Confirmations: confs,
			Incoming:      strings.EqualFold(it.To, address),
			BlockTime:     blockTime,
		})
	}

	return out, nil
}

func emptyResult(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))

	return s == "" || s == "[]" || s == "null" || strings.Contains(s, "No transactions found")
}

// resultCache holds fetched transaction lists with a fixed expiry.
type resultCache struct {
	mu     sync.Mutex
	expiry time.Duration
	m      map[string]cacheEntry
}

type cacheEntry struct {
	txs      []Observed
	deadline time.Time
}

func newResultCache(expiry time.Duration) *resultCache {
	return &resultCache{expiry: expiry, m: make(map[string]cacheEntry)}
}

func (c *resultCache) key(chainID, address string) string {
	return chainID + "|" + address
}

func (c *resultCache) get(chainID, address string) ([]Observed, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.m[c.key(chainID, address)]
	if !ok || time.Now().After(e.deadline) {
		return nil, false
	}

	return e.txs, true
}

func (c *resultCache) put(chainID, address string, txs []Observed) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.m[c.key(chainID, address)] = cacheEntry{txs: txs, deadline: time.Now().Add(c.expiry)}
}
