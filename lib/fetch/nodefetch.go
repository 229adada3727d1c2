package fetch

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/util"
)

const listBatch = 100 // transactions per listtransactions call

// fetchNode reads the watch-only wallet of a UTXO chain's node. Amounts come back in standard units and are
// normalized to minor units so all families look alike to the monitor.
func (s *Service) fetchNode(d chain.Descriptor, address string) ([]Observed, error) {
	c, ok := s.nodes[d.ID]
	if !ok {
		return nil, fmt.Errorf("%w: no node client for %s", chain.ErrUnsupportedChain, d.ID)
	}

	txs, err := c.ListTransactions(listBatch, 0)
	if err != nil {
		return nil, err
	}

	var out []Observed

	for _, tx := range txs {
		if tx.Address != address {
			continue
		}

		amt, err := amountToMinor(tx.Amount, d.Decimals)
		if err != nil {
			return nil, &UpstreamError{Chain: d.ID, Reason: "bad amount in listtransactions: " + tx.Amount.String(), Err: err}
		}

		out = append(out, Observed{
			Hash:          tx.TxID,
			Chain:         d.ID,
			Address:       address,
			RawAmount:     amt,
			Confirmations: tx.Confirmations,
			Incoming:      tx.Category == "receive",
			BlockTime:     tx.BlockTime,
		})
	}

	return out, nil
}

// detailNode sums the outputs of the transaction paying the watched address.
func (s *Service) detailNode(d chain.Descriptor, hash, address string) (Observed, error) {
	c, ok := s.nodes[d.ID]
	if !ok {
		return Observed{}, fmt.Errorf("%w: no node client for %s", chain.ErrUnsupportedChain, d.ID)
	}

	td, err := c.GetTransaction(hash)
	if err != nil {
		return Observed{}, err
	}

	sum := decimal.Zero
	found := false

	for _, det := range td.Details {
		if det.Address != address || det.Category != "receive" {
			continue
		}

		amt, err := amountToMinor(det.Amount, d.Decimals)
		if err != nil {
			return Observed{}, &UpstreamError{Chain: d.ID, Reason: "bad amount in gettransaction: " + det.Amount.String(), Err: err}
		}

		sum = sum.Add(amt)
		found = true
	}

	if !found {
		return Observed{}, &UpstreamError{Chain: d.ID, Reason: "transaction pays nothing to " + address}
	}

	return Observed{
		Hash:          td.TxID,
		Chain:         d.ID,
		Address:       address,
		RawAmount:     sum,
		Confirmations: td.Confirmations,
		Incoming:      true,
		BlockTime:     td.BlockTime,
	}, nil
}

func amountToMinor(n json.Number, decimals uint8) (decimal.Decimal, error) {
	amt, err := decimal.NewFromString(n.String())
	if err != nil {
		return decimal.Zero, err
	}

	// node wallets report incoming amounts as positive, outgoing negative
	return util.ToMinor(amt.Abs(), decimals), nil
}
