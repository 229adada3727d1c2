package settle

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/tarancss/hd"

	"github.com/tarancss/csd/lib/acct"
	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/node"
	"github.com/tarancss/csd/lib/util"
)

// ErrNoBroadcaster is returned when no client is configured for the withdrawal's chain.
var ErrNoBroadcaster = errors.New("no broadcast client for chain")

// ChainBroadcaster dispatches withdrawals to the right client by chain family. UTXO withdrawals carry a
// signed raw transaction relayed through the node; account withdrawals are built and signed with a key
// derived from the HD wallet.
type ChainBroadcaster struct {
	nodes map[string]*node.Client
	accts map[string]*acct.Client
	hdw   *hd.HdWallet
}

// NewChainBroadcaster returns a broadcaster over the given per-chain clients.
func NewChainBroadcaster(nodes map[string]*node.Client, accts map[string]*acct.Client,
	hdw *hd.HdWallet) *ChainBroadcaster {
	return &ChainBroadcaster{nodes: nodes, accts: accts, hdw: hdw}
}

// Broadcast sends the withdrawal to its chain and returns the chain transaction hash.
func (b *ChainBroadcaster) Broadcast(d chain.Descriptor, req WithdrawalRequest) (string, error) {
	switch d.Family {
	case chain.FamilyUTXO:
		n, ok := b.nodes[d.ID]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNoBroadcaster, d.ID)
		}

		return n.Broadcast(req.SignedRaw)
	case chain.FamilyAccount:
		return b.sendAccount(d, req)
	default:
		return "", fmt.Errorf("%w: %s is %s", ErrNoBroadcaster, d.ID, d.Family)
	}
}

func (b *ChainBroadcaster) sendAccount(d chain.Descriptor, req WithdrawalRequest) (string, error) {
	a, ok := b.accts[d.ID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoBroadcaster, d.ID)
	}

	addr, key, _, err := b.hdw.Address(req.FromWallet, hd.External, req.FromIndex)
	if err != nil {
		return "", fmt.Errorf("cannot derive source address %d/%d: %w", req.FromWallet, req.FromIndex, err)
	}

	amount := util.ToMinor(req.Amount, d.Decimals)

	_, hash, err := a.Send("0x"+hex.EncodeToString(addr), req.ToAddress, amount.String(), nil,
		hex.EncodeToString(key), 0, req.DryRun)
	if err != nil {
		return "", err
	}

	return "0x" + hex.EncodeToString(hash), nil
}
