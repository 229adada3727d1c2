// Package postgres implements the store interface for PostgreSQL. Ledger mutations use row locks
// (SELECT ... FOR UPDATE) so the sufficiency check and the balance update cannot race.
package postgres

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq" // registers the postgres driver
	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/store"
)

// Postgres implements a connection to a PostgreSQL database.
type Postgres struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS watched_addresses (
	id SERIAL PRIMARY KEY,
	wallet_id TEXT NOT NULL,
	chain TEXT NOT NULL,
	addr TEXT NOT NULL,
	UNIQUE (chain, addr)
);
CREATE TABLE IF NOT EXISTS transactions (
	hash TEXT NOT NULL,
	wallet_id TEXT NOT NULL,
	chain TEXT NOT NULL,
	address TEXT NOT NULL,
	amount NUMERIC NOT NULL,
	fee NUMERIC NOT NULL,
	status TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (hash, wallet_id)
);
CREATE TABLE IF NOT EXISTS wallets (
	id TEXT PRIMARY KEY,
	balance NUMERIC NOT NULL DEFAULT 0,
	in_order NUMERIC NOT NULL DEFAULT 0
);`

// New returns a Postgres connection for the given uri, creating the schema when missing.
func New(uri string) (*Postgres, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, fmt.Errorf("cannot open postgres DB in %s: %w", uri, err)
	}

	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("error creating postgres schema: %w", err)
	}

	return &Postgres{db: db}, nil
}

// ClosePostgres will close a database connection. Must be called at termination time.
func (p *Postgres) ClosePostgres() error {
	return p.db.Close()
}

// AddAddress saves an address if the address does not already exist.
func (p *Postgres) AddAddress(a store.WatchedAddress) ([]byte, error) {
	var id string

	err := p.db.QueryRow(`
		INSERT INTO watched_addresses (wallet_id, chain, addr) VALUES ($1, $2, $3)
		ON CONFLICT (chain, addr) DO UPDATE SET wallet_id = watched_addresses.wallet_id
		RETURNING id::text`, a.WalletID, a.Chain, a.Addr).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("could not insert address in db: %w", err)
	}

	return []byte(id), nil
}

// RemoveAddress deletes an address from the database.
func (p *Postgres) RemoveAddress(a store.WatchedAddress) error {
	res, err := p.db.Exec(`DELETE FROM watched_addresses WHERE chain = $1 AND addr = $2`, a.Chain, a.Addr)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrAddrNotFound
	}

	return nil
}

// GetAddresses returns the watched addresses for the given chains, or all of them when chains is empty.
func (p *Postgres) GetAddresses(chains []string) ([]store.WatchedAddress, error) {
	query := `SELECT id::text, wallet_id, chain, addr FROM watched_addresses`

	var args []interface{}

	if len(chains) > 0 {
		query += ` WHERE chain = ANY($1)`

		args = append(args, pq.Array(chains))
	}

	rows, err := p.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("error getting addresses from db: %w", err)
	}
	defer rows.Close()

	var out []store.WatchedAddress

	for rows.Next() {
		var id string

		var a store.WatchedAddress

		if err = rows.Scan(&id, &a.WalletID, &a.Chain, &a.Addr); err != nil {
			return nil, err
		}

		a.ID = []byte(id)
		out = append(out, a)
	}

	return out, rows.Err()
}

// FindTransaction returns the record for (hash, wallet) or store.ErrDataNotFound.
func (p *Postgres) FindTransaction(hash, walletID string) (store.Transaction, error) {
	var t store.Transaction

	var amount, fee string

	err := p.db.QueryRow(`
		SELECT hash, wallet_id, chain, address, amount::text, fee::text, status, kind, created_at
		FROM transactions WHERE hash = $1 AND wallet_id = $2`, hash, walletID).
		Scan(&t.Hash, &t.WalletID, &t.Chain, &t.Address, &amount, &fee, &t.Status, &t.Kind, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Transaction{}, store.ErrDataNotFound
	}

	if err != nil {
		return store.Transaction{}, fmt.Errorf("error finding transaction in db: %w", err)
	}

	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return store.Transaction{}, fmt.Errorf("bad amount in db: %w", err)
	}

	if t.Fee, err = decimal.NewFromString(fee); err != nil {
		return store.Transaction{}, fmt.Errorf("bad fee in db: %w", err)
	}

	return t, nil
}

// SetTransactionStatus updates the status of an existing record.
func (p *Postgres) SetTransactionStatus(hash, walletID, status string) error {
	res, err := p.db.Exec(`UPDATE transactions SET status = $3 WHERE hash = $1 AND wallet_id = $2`,
		hash, walletID, status)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrDataNotFound
	}

	return nil
}

// SetTransactionHash rekeys a record from oldHash to newHash.
func (p *Postgres) SetTransactionHash(oldHash, walletID, newHash string) error {
	res, err := p.db.Exec(`UPDATE transactions SET hash = $3 WHERE hash = $1 AND wallet_id = $2`,
		oldHash, walletID, newHash)
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n != 1 {
		return store.ErrDataNotFound
	}

	return nil
}

// Balance returns the wallet's balance row, zero-valued when the wallet is unknown.
func (p *Postgres) Balance(walletID string) (store.Wallet, error) {
	var balance, inOrder string

	err := p.db.QueryRow(`SELECT balance::text, in_order::text FROM wallets WHERE id = $1`, walletID).
		Scan(&balance, &inOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Wallet{ID: walletID}, nil
	}

	if err != nil {
		return store.Wallet{}, err
	}

	w := store.Wallet{ID: walletID}

	if w.Balance, err = decimal.NewFromString(balance); err != nil {
		return store.Wallet{}, fmt.Errorf("bad balance in db: %w", err)
	}

	if w.InOrder, err = decimal.NewFromString(inOrder); err != nil {
		return store.Wallet{}, fmt.Errorf("bad balance in db: %w", err)
	}

	return w, nil
}

// CreditDeposit creates the deposit record and credits the wallet inside one transaction.
func (p *Postgres) CreditDeposit(t store.Transaction) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.Exec(`
		INSERT INTO transactions (hash, wallet_id, chain, address, amount, fee, status, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash, wallet_id) DO NOTHING`,
		t.Hash, t.WalletID, t.Chain, t.Address, t.Amount.String(), t.Fee.String(), t.Status, t.Kind, createdAt(t))
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrDuplicate, t.Hash, t.WalletID)
	}

	_, err = tx.Exec(`
		INSERT INTO wallets (id, balance) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET balance = wallets.balance + EXCLUDED.balance`,
		t.WalletID, t.Amount.String())
	if err != nil {
		return err
	}

	return tx.Commit()
}

// DebitWithdrawal checks sufficiency under a row lock, debits and creates the PENDING record inside one
// transaction.
func (p *Postgres) DebitWithdrawal(t store.Transaction) error {
	tx, err := p.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance, inOrder string

	err = tx.QueryRow(`SELECT balance::text, in_order::text FROM wallets WHERE id = $1 FOR UPDATE`, t.WalletID).
		Scan(&balance, &inOrder)
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrInsufficientFunds
	}

	if err != nil {
		return err
	}

	bal, err := decimal.NewFromString(balance)
	if err != nil {
		return fmt.Errorf("bad balance in db: %w", err)
	}

	ord, err := decimal.NewFromString(inOrder)
	if err != nil {
		return fmt.Errorf("bad balance in db: %w", err)
	}

	total := t.Amount.Add(t.Fee)
	if bal.Sub(ord).LessThan(total) {
		return store.ErrInsufficientFunds
	}

	if _, err = tx.Exec(`UPDATE wallets SET balance = balance - $2 WHERE id = $1`,
		t.WalletID, total.String()); err != nil {
		return err
	}

	res, err := tx.Exec(`
		INSERT INTO transactions (hash, wallet_id, chain, address, amount, fee, status, kind, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (hash, wallet_id) DO NOTHING`,
		t.Hash, t.WalletID, t.Chain, t.Address, t.Amount.String(), t.Fee.String(),
		store.StatusPending, t.Kind, createdAt(t))
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s/%s", store.ErrDuplicate, t.Hash, t.WalletID)
	}

	return tx.Commit()
}

func createdAt(t store.Transaction) time.Time {
	if t.CreatedAt.IsZero() {
		return time.Now()
	}

	return t.CreatedAt
}
