// Package fetch implements the chain-family-specific strategies that return a normalized list of observed
// transactions for an address. UTXO chains are read through the node's watch-only wallet; account and
// explorer-only chains are read through an explorer HTTP API with a fixed-expiry cache and a circuit breaker.
// Callers must not assume any ordering of the returned transactions.
package fetch

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/node"
)

// Observed is one transaction seen for a watched address. Transient: it is rebuilt on every poll from the
// external source and never persisted.
type Observed struct {
	Hash          string
	Chain         string
	Address       string
	RawAmount     decimal.Decimal // amount addressed to Address, in minor units
	Confirmations int64
	Incoming      bool
	BlockTime     int64
}

// UpstreamError flags a malformed or error-flagged upstream response. A poll cycle that hits one fails, but
// the process carries on.
type UpstreamError struct {
	Chain  string
	Reason string
	Err    error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("[%s] upstream: %s", e.Chain, e.Reason)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// Fetcher returns the observed transactions of an address and the detail of a single transaction.
type Fetcher interface {
	Fetch(chainID, address string) ([]Observed, error)
	Detail(chainID, hash, address string) (Observed, error)
}

// Service dispatches per chain family, resolved once through the chain registry.
type Service struct {
	reg     *chain.Registry
	nodes   map[string]*node.Client
	hc      *http.Client
	cache   *resultCache
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

// NewService returns a fetcher over the given registry. nodes maps chain ids of UTXO chains to their node
// clients. limiter bounds the aggregate upstream call rate of all monitors; nil disables limiting.
func NewService(reg *chain.Registry, nodes map[string]*node.Client, limiter *rate.Limiter) *Service {
	return &Service{
		reg:     reg,
		nodes:   nodes,
		hc:      &http.Client{Timeout: 3 * time.Second},
		cache:   newResultCache(cacheExpiry),
		breaker: newBreaker(),
		limiter: limiter,
	}
}

func newBreaker() *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "explorer",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)

			return counts.Requests > 10 && ratio >= 0.6
		},
	})
}

// Fetch returns the observed transactions for the address on the given chain.
func (s *Service) Fetch(chainID, address string) ([]Observed, error) {
	d, err := s.reg.Get(chainID)
	if err != nil {
		return nil, err
	}

	s.wait()

	switch d.Family {
	case chain.FamilyUTXO:
		return s.fetchNode(d, address)
	case chain.FamilyAccount, chain.FamilyExplorer:
		return s.fetchExplorer(d, address)
	}

	return nil, chain.ErrUnsupportedChain
}

// Detail returns the full, accurately-amounted view of one transaction for the address.
func (s *Service) Detail(chainID, hash, address string) (Observed, error) {
	d, err := s.reg.Get(chainID)
	if err != nil {
		return Observed{}, err
	}

	s.wait()

	switch d.Family {
	case chain.FamilyUTXO:
		return s.detailNode(d, hash, address)
	case chain.FamilyAccount, chain.FamilyExplorer:
		return s.detailExplorer(d, hash, address)
	}

	return Observed{}, chain.ErrUnsupportedChain
}

func (s *Service) wait() {
	if s.limiter != nil {
		_ = s.limiter.Wait(context.Background())
	}
}
