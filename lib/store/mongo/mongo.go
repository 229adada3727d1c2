// Package mongo implements the store interface for MongoDB. Ledger mutations run inside a session
// transaction so the sufficiency check, the balance update and the transaction record share one boundary.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mgo "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tarancss/csd/lib/store"
)

const database = "csd"

// Mongo implements a connection to a MongoDB database.
type Mongo struct {
	c *mgo.Client
}

type mongoAddress struct {
	ID     primitive.ObjectID `bson:"_id,omitempty"`
	Wallet string             `bson:"wallet"`
	Chain  string             `bson:"chain"`
	Addr   string             `bson:"address"`
}

type mongoTx struct {
	Hash      string    `bson:"hash"`
	Wallet    string    `bson:"wallet"`
	Chain     string    `bson:"chain"`
	Address   string    `bson:"address"`
	Amount    string    `bson:"amount"`
	Fee       string    `bson:"fee"`
	Status    string    `bson:"status"`
	Kind      string    `bson:"kind"`
	CreatedAt time.Time `bson:"createdAt"`
}

type mongoWallet struct {
	ID      string `bson:"_id"`
	Balance string `bson:"balance"`
	InOrder string `bson:"inOrder"`
}

// New returns a Mongo client connection to the specified MongoDB database uri.
func New(uri string) (*Mongo, error) {
	c, err := mgo.NewClient(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("cannot connect to mongo DB in %s: %w", uri, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err = c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("error connecting to mongo DB: %w", err)
	}

	return &Mongo{c: c}, nil
}

// CloseMongo will close a database connection. Must be called at termination time.
func (m *Mongo) CloseMongo() error {
	return m.c.Disconnect(context.Background())
}

func (m *Mongo) addrs() *mgo.Collection {
	return m.c.Database(database).Collection("addr")
}

func (m *Mongo) txs() *mgo.Collection {
	return m.c.Database(database).Collection("tx")
}

func (m *Mongo) wallets() *mgo.Collection {
	return m.c.Database(database).Collection("wallet")
}

// AddAddress saves an address if the address does not already exist.
func (m *Mongo) AddAddress(a store.WatchedAddress) ([]byte, error) {
	ctx := context.Background()
	filter := bson.M{"chain": a.Chain, "address": a.Addr}

	var ma mongoAddress

	err := m.addrs().FindOne(ctx, filter).Decode(&ma)
	if errors.Is(err, mgo.ErrNoDocuments) {
		res, errIns := m.addrs().InsertOne(ctx, mongoAddress{Wallet: a.WalletID, Chain: a.Chain, Addr: a.Addr})
		if errIns != nil {
			return nil, fmt.Errorf("could not insert address in db: %w", errIns)
		}

		id := res.InsertedID.(primitive.ObjectID)

		return id[:], nil
	}

	if err != nil {
		return nil, fmt.Errorf("could not find address in db: %w", err)
	}

	return ma.ID[:], nil
}

// RemoveAddress deletes an address from the database.
func (m *Mongo) RemoveAddress(a store.WatchedAddress) error {
	res, err := m.addrs().DeleteOne(context.Background(), bson.M{"chain": a.Chain, "address": a.Addr})
	if err == nil && res.DeletedCount != 1 {
		err = store.ErrAddrNotFound
	}

	return err
}

// GetAddresses returns the watched addresses for the given chains, or all of them when chains is empty.
func (m *Mongo) GetAddresses(chains []string) ([]store.WatchedAddress, error) {
	ctx := context.Background()

	filter := bson.M{}
	if len(chains) > 0 {
		filter["chain"] = bson.M{"$in": chains}
	}

	cur, err := m.addrs().Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("error getting addresses from db: %w", err)
	}
	defer cur.Close(ctx)

	var out []store.WatchedAddress

	for cur.Next(ctx) {
		var ma mongoAddress
		if err = cur.Decode(&ma); err != nil {
			return nil, fmt.Errorf("error decoding address from db: %w", err)
		}

		out = append(out, store.WatchedAddress{ID: ma.ID[:], WalletID: ma.Wallet, Chain: ma.Chain, Addr: ma.Addr})
	}

	return out, nil
}

// FindTransaction returns the record for (hash, wallet) or store.ErrDataNotFound.
func (m *Mongo) FindTransaction(hash, walletID string) (store.Transaction, error) {
	var mt mongoTx

	err := m.txs().FindOne(context.Background(), bson.M{"hash": hash, "wallet": walletID}).Decode(&mt)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Transaction{}, store.ErrDataNotFound
	}

	if err != nil {
		return store.Transaction{}, fmt.Errorf("error finding transaction in db: %w", err)
	}

	return mt.transaction()
}

func (mt mongoTx) transaction() (store.Transaction, error) {
	amount, err := decimal.NewFromString(mt.Amount)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("bad amount in db: %w", err)
	}

	fee, err := decimal.NewFromString(mt.Fee)
	if err != nil {
		return store.Transaction{}, fmt.Errorf("bad fee in db: %w", err)
	}

	return store.Transaction{
		Hash: mt.Hash, WalletID: mt.Wallet, Chain: mt.Chain, Address: mt.Address,
		Amount: amount, Fee: fee, Status: mt.Status, Kind: mt.Kind, CreatedAt: mt.CreatedAt,
	}, nil
}

// SetTransactionStatus updates the status of an existing record.
func (m *Mongo) SetTransactionStatus(hash, walletID, status string) error {
	res, err := m.txs().UpdateOne(context.Background(),
		bson.M{"hash": hash, "wallet": walletID},
		bson.M{"$set": bson.M{"status": status}})
	if err == nil && res.MatchedCount != 1 {
		err = store.ErrDataNotFound
	}

	return err
}

// SetTransactionHash rekeys a record from oldHash to newHash.
func (m *Mongo) SetTransactionHash(oldHash, walletID, newHash string) error {
	res, err := m.txs().UpdateOne(context.Background(),
		bson.M{"hash": oldHash, "wallet": walletID},
		bson.M{"$set": bson.M{"hash": newHash}})
	if err == nil && res.MatchedCount != 1 {
		err = store.ErrDataNotFound
	}

	return err
}

// Balance returns the wallet's balance row, zero-valued when the wallet is unknown.
func (m *Mongo) Balance(walletID string) (store.Wallet, error) {
	var mw mongoWallet

	err := m.wallets().FindOne(context.Background(), bson.M{"_id": walletID}).Decode(&mw)
	if errors.Is(err, mgo.ErrNoDocuments) {
		return store.Wallet{ID: walletID}, nil
	}

	if err != nil {
		return store.Wallet{}, fmt.Errorf("error finding wallet in db: %w", err)
	}

	return mw.wallet()
}

func (mw mongoWallet) wallet() (store.Wallet, error) {
	balance, err := parseOrZero(mw.Balance)
	if err != nil {
		return store.Wallet{}, err
	}

	inOrder, err := parseOrZero(mw.InOrder)
	if err != nil {
		return store.Wallet{}, err
	}

	return store.Wallet{ID: mw.ID, Balance: balance, InOrder: inOrder}, nil
}

func parseOrZero(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, nil
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad balance in db: %w", err)
	}

	return d, nil
}

// CreditDeposit creates the deposit record and credits the wallet inside one session transaction.
func (m *Mongo) CreditDeposit(t store.Transaction) error {
	return m.c.UseSession(context.Background(), func(sctx mgo.SessionContext) error {
		if err := sctx.StartTransaction(); err != nil {
			return err
		}

		n, err := m.txs().CountDocuments(sctx, bson.M{"hash": t.Hash, "wallet": t.WalletID})
		if err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		if n > 0 {
			_ = sctx.AbortTransaction(sctx)

			return fmt.Errorf("%w: %s/%s", store.ErrDuplicate, t.Hash, t.WalletID)
		}

		if _, err = m.txs().InsertOne(sctx, newMongoTx(t)); err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		if err = m.applyBalance(sctx, t.WalletID, t.Amount); err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		return sctx.CommitTransaction(sctx)
	})
}

// DebitWithdrawal checks sufficiency, debits and creates the PENDING record inside one session transaction.
func (m *Mongo) DebitWithdrawal(t store.Transaction) error {
	return m.c.UseSession(context.Background(), func(sctx mgo.SessionContext) error {
		if err := sctx.StartTransaction(); err != nil {
			return err
		}

		n, err := m.txs().CountDocuments(sctx, bson.M{"hash": t.Hash, "wallet": t.WalletID})
		if err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		if n > 0 {
			_ = sctx.AbortTransaction(sctx)

			return fmt.Errorf("%w: %s/%s", store.ErrDuplicate, t.Hash, t.WalletID)
		}

		var mw mongoWallet
		if err = m.wallets().FindOne(sctx, bson.M{"_id": t.WalletID}).Decode(&mw); err != nil && !errors.Is(err, mgo.ErrNoDocuments) {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		mw.ID = t.WalletID

		w, err := mw.wallet()
		if err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		total := t.Amount.Add(t.Fee)
		if w.Balance.Sub(w.InOrder).LessThan(total) {
			_ = sctx.AbortTransaction(sctx)

			return store.ErrInsufficientFunds
		}

		if err = m.applyBalance(sctx, t.WalletID, total.Neg()); err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		t.Status = store.StatusPending
		if _, err = m.txs().InsertOne(sctx, newMongoTx(t)); err != nil {
			_ = sctx.AbortTransaction(sctx)

			return err
		}

		return sctx.CommitTransaction(sctx)
	})
}

func (m *Mongo) applyBalance(ctx context.Context, walletID string, delta decimal.Decimal) error {
	var mw mongoWallet

	err := m.wallets().FindOne(ctx, bson.M{"_id": walletID}).Decode(&mw)
	if errors.Is(err, mgo.ErrNoDocuments) {
		_, err = m.wallets().InsertOne(ctx, mongoWallet{ID: walletID, Balance: delta.String(), InOrder: "0"})

		return err
	}

	if err != nil {
		return err
	}

	balance, err := parseOrZero(mw.Balance)
	if err != nil {
		return err
	}

	_, err = m.wallets().UpdateOne(ctx, bson.M{"_id": walletID},
		bson.M{"$set": bson.M{"balance": balance.Add(delta).String()}})

	return err
}

func newMongoTx(t store.Transaction) mongoTx {
	createdAt := t.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	return mongoTx{
		Hash: t.Hash, Wallet: t.WalletID, Chain: t.Chain, Address: t.Address,
		Amount: t.Amount.String(), Fee: t.Fee.String(), Status: t.Status, Kind: t.Kind, CreatedAt: createdAt,
	}
}
