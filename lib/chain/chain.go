// Package chain implements the registry of configured chains. Each chain is described once at startup and the
// descriptor is immutable afterwards, so components resolve transport, precision, confirmation and fee policy
// through the registry instead of re-checking chain identifiers at every call site.
package chain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/config"
)

// Family is the closed set of chain families the fetch and settlement layers dispatch on.
type Family int

const (
	// FamilyUTXO is a Bitcoin-like chain accessed through a full node with a watch-only wallet.
	FamilyUTXO Family = iota
	// FamilyAccount is an account-based chain accessed through a node client plus an explorer API.
	FamilyAccount
	// FamilyExplorer is a chain for which only a third-party explorer API is available.
	FamilyExplorer
)

// Errors returned
var (
	ErrUnsupportedChain = errors.New("chain is not configured")
	ErrBadFamily        = errors.New("unknown chain family")
	ErrBadFee           = errors.New("invalid fee value in chain config")
)

// FeePolicy holds the withdrawal fee parameters of a chain.
type FeePolicy struct {
	Percent         decimal.Decimal // service fee percentage applied to the amount
	MinimumFlat     decimal.Decimal // floor for the service fee
	Activation      decimal.Decimal // one-time cost to initialize an unfunded destination, zero when not applicable
	DynamicEstimate bool            // whether the chain supports a native fee-estimation call
}

// Descriptor describes one configured chain.
type Descriptor struct {
	ID                    string
	Family                Family
	Decimals              uint8 // minor units per standard unit, as a power of ten
	RequiredConfirmations int64
	Fees                  FeePolicy
	Node                  config.NodeConfig
	Explorer              config.ExplorerConfig
}

// Registry maps chain identifiers to their descriptors. It is built once at process start and read-only after.
type Registry struct {
	m map[string]Descriptor
}

// ParseFamily converts the config string into a Family value.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "utxo":
		return FamilyUTXO, nil
	case "account":
		return FamilyAccount, nil
	case "explorer":
		return FamilyExplorer, nil
	}

	return 0, fmt.Errorf("%w: %s", ErrBadFamily, s)
}

// String returns the config spelling of the family.
func (f Family) String() string {
	switch f {
	case FamilyUTXO:
		return "utxo"
	case FamilyAccount:
		return "account"
	case FamilyExplorer:
		return "explorer"
	}

	return "unknown"
}

// NewRegistry builds a Registry from the chain configurations loaded at startup.
func NewRegistry(cfgs []config.ChainConfig) (*Registry, error) {
	r := &Registry{m: make(map[string]Descriptor, len(cfgs))}

	for _, c := range cfgs {
		fam, err := ParseFamily(c.Family)
		if err != nil {
			return nil, err
		}

		fees, err := parseFees(c.Fees)
		if err != nil {
			return nil, fmt.Errorf("[%s] %w", c.ID, err)
		}

		r.m[c.ID] = Descriptor{
			ID:                    c.ID,
			Family:                fam,
			Decimals:              c.Decimals,
			RequiredConfirmations: c.Confirmations,
			Fees:                  fees,
			Node:                  c.Node,
			Explorer:              c.Explorer,
		}
	}

	return r, nil
}

func parseFees(f config.FeeConfig) (FeePolicy, error) {
	var p FeePolicy

	var err error

	if p.Percent, err = parseFee(f.Percent); err != nil {
		return p, err
	}

	if p.MinimumFlat, err = parseFee(f.Minimum); err != nil {
		return p, err
	}

	if p.Activation, err = parseFee(f.Activation); err != nil {
		return p, err
	}

	p.DynamicEstimate = f.Dynamic

	return p, nil
}

func parseFee(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrBadFee, s)
	}

	return d, nil
}

// Get resolves a chain identifier to its descriptor.
func (r *Registry) Get(id string) (Descriptor, error) {
	d, ok := r.m[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %s", ErrUnsupportedChain, id)
	}

	return d, nil
}

// List returns the identifiers of all configured chains.
func (r *Registry) List() []string {
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}

	return ids
}
