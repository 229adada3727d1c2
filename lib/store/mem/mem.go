// Package mem implements the store interface in process memory. It backs single-process deployments and the
// unit tests; its Ledger methods hold one mutex across check and mutation, which is the same guarantee the
// database backends provide with their transactions.
package mem

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/lib/util"
)

// Mem implements store.DB in memory.
type Mem struct {
	mu      sync.Mutex
	nextID  int
	addrs   map[string]store.WatchedAddress // key chain|addr
	txs     map[string]store.Transaction    // key hash|wallet
	wallets map[string]store.Wallet
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{
		addrs:   make(map[string]store.WatchedAddress),
		txs:     make(map[string]store.Transaction),
		wallets: make(map[string]store.Wallet),
	}
}

func addrKey(chain, addr string) string {
	return chain + "|" + addr
}

func txKey(hash, walletID string) string {
	return hash + "|" + walletID
}

// AddAddress saves an address if the address does not already exist.
func (m *Mem) AddAddress(a store.WatchedAddress) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := addrKey(a.Chain, a.Addr)
	if prev, ok := m.addrs[k]; ok {
		return prev.ID, nil
	}

	m.nextID++
	a.ID = []byte(strconv.Itoa(m.nextID))
	m.addrs[k] = a

	return a.ID, nil
}

// RemoveAddress deletes an address.
func (m *Mem) RemoveAddress(a store.WatchedAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := addrKey(a.Chain, a.Addr)
	if _, ok := m.addrs[k]; !ok {
		return store.ErrAddrNotFound
	}

	delete(m.addrs, k)

	return nil
}

// GetAddresses returns the watched addresses for the given chains, or all of them when chains is empty.
func (m *Mem) GetAddresses(chains []string) ([]store.WatchedAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []store.WatchedAddress

	for _, a := range m.addrs {
		if len(chains) == 0 || util.In(chains, a.Chain) {
			out = append(out, a)
		}
	}

	return out, nil
}

// FindTransaction returns the record for (hash, wallet) or store.ErrDataNotFound.
func (m *Mem) FindTransaction(hash, walletID string) (store.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.txs[txKey(hash, walletID)]
	if !ok {
		return store.Transaction{}, store.ErrDataNotFound
	}

	return t, nil
}

// SetTransactionStatus updates the status of an existing record.
func (m *Mem) SetTransactionStatus(hash, walletID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := txKey(hash, walletID)

	t, ok := m.txs[k]
	if !ok {
		return store.ErrDataNotFound
	}

	t.Status = status
	m.txs[k] = t

	return nil
}

// SetTransactionHash rekeys a record from oldHash to newHash.
func (m *Mem) SetTransactionHash(oldHash, walletID, newHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := txKey(oldHash, walletID)

	t, ok := m.txs[k]
	if !ok {
		return store.ErrDataNotFound
	}

	t.Hash = newHash
	delete(m.txs, k)
	m.txs[txKey(newHash, walletID)] = t

	return nil
}

// Balance returns the wallet's balance row, zero-valued when the wallet is unknown.
func (m *Mem) Balance(walletID string) (store.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[walletID]
	if !ok {
		return store.Wallet{ID: walletID}, nil
	}

	return w, nil
}

// SetBalance seeds a wallet balance. Test helper.
func (m *Mem) SetBalance(walletID string, balance, inOrder decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.wallets[walletID] = store.Wallet{ID: walletID, Balance: balance, InOrder: inOrder}
}

// CreditDeposit creates the deposit record and credits the wallet under one lock.
func (m *Mem) CreditDeposit(t store.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := txKey(t.Hash, t.WalletID)
	if _, ok := m.txs[k]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, k)
	}

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	m.txs[k] = t

	w := m.wallets[t.WalletID]
	w.ID = t.WalletID
	w.Balance = w.Balance.Add(t.Amount)
	m.wallets[t.WalletID] = w

	return nil
}

// DebitWithdrawal checks sufficiency, debits and creates the PENDING record under one lock.
func (m *Mem) DebitWithdrawal(t store.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := txKey(t.Hash, t.WalletID)
	if _, ok := m.txs[k]; ok {
		return fmt.Errorf("%w: %s", store.ErrDuplicate, k)
	}

	w := m.wallets[t.WalletID]

	total := t.Amount.Add(t.Fee)
	if w.Balance.Sub(w.InOrder).LessThan(total) {
		return store.ErrInsufficientFunds
	}

	w.ID = t.WalletID
	w.Balance = w.Balance.Sub(total)
	m.wallets[t.WalletID] = w

	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now()
	}

	t.Status = store.StatusPending
	m.txs[k] = t

	return nil
}
