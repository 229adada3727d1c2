// Package store defines the interface for database implementations to the settle and monitor microservices.
// The durable transaction record keyed by (hash, wallet) is the dedup backstop for deposit crediting: once a
// row exists, the deposit is never credited again, whatever the in-memory state of the monitors.
package store

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status values of a persisted transaction.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusFailed    = "FAILED"
)

// Kind values of a persisted transaction.
const (
	KindDeposit    = "deposit"
	KindWithdrawal = "withdrawal"
)

// Errors returned
var (
	ErrAddrNotFound      = errors.New("address was not found in store")
	ErrDataNotFound      = errors.New("data was not found in store")
	ErrDuplicate         = errors.New("record already exists in store")
	ErrInsufficientFunds = errors.New("insufficient funds")
)

// WatchedAddress is a deposit address being monitored for a wallet on one chain.
type WatchedAddress struct {
	ID       []byte `json:"id"`
	WalletID string `json:"wallet"`
	Chain    string `json:"chain"`
	Addr     string `json:"addr"`
}

// Transaction is the durable record of a deposit or withdrawal. (Hash, WalletID) is unique.
type Transaction struct {
	Hash      string          `json:"hash"`
	WalletID  string          `json:"wallet"`
	Chain     string          `json:"chain"`
	Address   string          `json:"address"` // watched address for deposits, destination for withdrawals
	Amount    decimal.Decimal `json:"amount"`  // principal in standard units
	Fee       decimal.Decimal `json:"fee"`     // total fee charged on top of the principal
	Status    string          `json:"status"`
	Kind      string          `json:"kind"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Wallet is a ledger balance row.
type Wallet struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
	InOrder decimal.Decimal `json:"inOrder"`
}

// Ledger is the transactional gateway to wallet balances. Implementations perform the sufficiency check and
// the mutation under the same lock or database transaction, together with the transaction-record write, so
// concurrent withdrawals can never both pass the check against a stale balance.
type Ledger interface {
	// Balance returns the wallet's balance row.
	Balance(walletID string) (Wallet, error)
	// CreditDeposit creates the deposit record and credits the wallet. Returns ErrDuplicate, crediting
	// nothing, when a record for (hash, wallet) already exists.
	CreditDeposit(t Transaction) error
	// DebitWithdrawal checks balance-inOrder covers amount+fee, debits the wallet and creates the PENDING
	// withdrawal record, all atomically. Returns ErrInsufficientFunds when the check fails.
	DebitWithdrawal(t Transaction) error
}

// DB defines required methods for the settle and monitor services.
type DB interface {
	// methods for the settle service
	AddAddress(a WatchedAddress) ([]byte, error)
	RemoveAddress(a WatchedAddress) error
	// methods for the monitor service
	GetAddresses(chains []string) ([]WatchedAddress, error)
	FindTransaction(hash, walletID string) (Transaction, error)
	SetTransactionStatus(hash, walletID, status string) error
	// SetTransactionHash rekeys a withdrawal record once the chain assigns the real hash. The record is
	// created under the request id before broadcast, so a crash in between leaves a findable PENDING row.
	SetTransactionHash(oldHash, walletID, newHash string) error

	Ledger
}
