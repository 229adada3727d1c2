// Package acct implements the client for account-based chains (ethereum compatible) on top of ethcli. The
// monitor side of account chains goes through the explorer fetcher; this client covers the settlement side:
// balance probes for activation checks and transaction broadcast.
package acct

import (
	"errors"
	"math/big"

	"github.com/shopspring/decimal"
	"github.com/tarancss/ethcli"
)

// ErrNoClient is returned when the node url cannot be dialed.
var ErrNoClient = errors.New("cannot connect to account chain node")

// Client wraps an ethcli connection to one account-based chain.
type Client struct {
	c *ethcli.EthCli
}

// New returns a connection to an account-chain node, using secret if necessary for Basic Authentication.
func New(node, secret string) (*Client, error) {
	c := ethcli.Init(node, secret)
	if c == nil {
		return nil, ErrNoClient
	}

	return &Client{c: c}, nil
}

// Close ends the connection.
func (a *Client) Close() {
	a.c.End()
}

// Balance returns the address balance in minor units (wei).
func (a *Client) Balance(address string) (decimal.Decimal, error) {
	bal, _, err := a.c.GetBalance(address, "")
	if err != nil {
		return decimal.Zero, err
	}

	return decimal.NewFromBigInt(bal, 0), nil
}

// Activated reports whether the destination account holds any funds. Unfunded accounts on chains with an
// activation fee policy are charged that fee on first withdrawal to them.
func (a *Client) Activated(address string) (bool, error) {
	bal, err := a.Balance(address)
	if err != nil {
		return false, err
	}

	return bal.IsPositive(), nil
}

// Send executes a transaction on the chain with the given parameters returning the expected fee and the
// transaction hash. amount is in minor units, key is the sender's hex-encoded private key.
func (a *Client) Send(from, to, amount string, data []byte, key string, price uint64, dryRun bool) (*big.Int, []byte, error) {
	gasPrice, gas, hash, err := a.c.SendTrx(from, to, "", amount, data, key, price, dryRun)

	fee := new(big.Int).SetUint64(gasPrice)
	fee.Mul(fee, new(big.Int).SetUint64(gas))

	return fee, hash, err
}
