// Package fees implements chain-aware withdrawal fee computation. The service fee is a percentage of the
// amount with a flat floor; the network fee comes from the chain's native estimation call when it has one;
// the activation fee applies only when the destination account is detected as not yet activated on chains
// that require explicit account creation.
package fees

import (
	"fmt"
	"log"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/node"
)

const (
	estimateTarget = 6   // blocks for estimatesmartfee
	typicalTxVSize = 250 // virtual bytes assumed for a withdrawal transaction
	vbytesPerKvB   = 1000
)

// Fee is the breakdown of a withdrawal's cost, in standard units. Total is debited on top of the principal.
type Fee struct {
	Network    decimal.Decimal `json:"network"`
	Activation decimal.Decimal `json:"activation"`
	Service    decimal.Decimal `json:"service"`
	Total      decimal.Decimal `json:"total"`
}

// ActivationProber reports whether a destination account already holds funds. Chains without an activation
// fee never consult it.
type ActivationProber interface {
	Activated(address string) (bool, error)
}

// Calculator computes withdrawal fees per chain.
type Calculator struct {
	reg     *chain.Registry
	nodes   map[string]*node.Client     // fee estimation for UTXO chains
	probers map[string]ActivationProber // activation checks for chains that charge one
}

// New returns a fee calculator over the given registry.
func New(reg *chain.Registry, nodes map[string]*node.Client, probers map[string]ActivationProber) *Calculator {
	return &Calculator{reg: reg, nodes: nodes, probers: probers}
}

// Compute returns the fee breakdown for withdrawing amount to toAddress on the given chain.
func (c *Calculator) Compute(chainID string, amount decimal.Decimal, toAddress string) (Fee, error) {
	d, err := c.reg.Get(chainID)
	if err != nil {
		return Fee{}, err
	}

	var f Fee

	f.Service = serviceFee(amount, d.Fees)

	if f.Network, err = c.networkFee(d); err != nil {
		return Fee{}, err
	}

	if f.Activation, err = c.activationFee(d, toAddress); err != nil {
		return Fee{}, err
	}

	f.Total = f.Service.Add(f.Network).Add(f.Activation)

	return f, nil
}

// serviceFee is max(amount x percent/100, minimum flat fee).
func serviceFee(amount decimal.Decimal, p chain.FeePolicy) decimal.Decimal {
	fee := amount.Mul(p.Percent).Div(decimal.NewFromInt(100))
	if fee.LessThan(p.MinimumFlat) {
		return p.MinimumFlat
	}

	return fee
}

// networkFee estimates the cost of getting the withdrawal mined. Chains without dynamic estimation default to
// zero and rely on the service fee alone.
func (c *Calculator) networkFee(d chain.Descriptor) (decimal.Decimal, error) {
	if !d.Fees.DynamicEstimate {
		return decimal.Zero, nil
	}

	nc, ok := c.nodes[d.ID]
	if !ok {
		return decimal.Zero, nil
	}

	rate, err := nc.EstimateFee(estimateTarget)
	if err != nil {
		return decimal.Zero, fmt.Errorf("[%s] fee estimation: %w", d.ID, err)
	}

	// feerate is standard units per kvB
	return rate.Mul(decimal.NewFromInt(typicalTxVSize)).Div(decimal.NewFromInt(vbytesPerKvB)), nil
}

// activationFee charges the account initialization cost when the destination is not activated yet.
func (c *Calculator) activationFee(d chain.Descriptor, toAddress string) (decimal.Decimal, error) {
	if d.Fees.Activation.IsZero() {
		return decimal.Zero, nil
	}

	p, ok := c.probers[d.ID]
	if !ok {
		// no prober configured: be conservative and charge it
		log.Printf("[%s] no activation prober, charging activation fee for %s", d.ID, toAddress)

		return d.Fees.Activation, nil
	}

	active, err := p.Activated(toAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("[%s] activation check: %w", d.ID, err)
	}

	if active {
		return decimal.Zero, nil
	}

	return d.Fees.Activation, nil
}
