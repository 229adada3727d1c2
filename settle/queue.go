package settle

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/fees"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/lib/util"
)

// Errors returned by withdrawal submission.
var (
	ErrPrecisionExceeded = errors.New("amount has more decimal places than the chain supports")
	ErrBadAmount         = errors.New("amount must be positive")
	ErrNoDestination     = errors.New("destination address is required")
	ErrNoSignedTx        = errors.New("a signed raw transaction is required for this chain")
	ErrBroadcast         = errors.New("broadcast failed, withdrawal left pending for reconciliation")
	ErrQueueClosed       = errors.New("withdrawal queue is shut down")
)

var (
	withdrawalsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csd_withdrawals_settled_total",
		Help: "Withdrawals broadcast to their chain.",
	}, []string{"chain"})
	withdrawalsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csd_withdrawals_rejected_total",
		Help: "Withdrawals rejected before broadcast.",
	}, []string{"chain"})
)

// WithdrawalRequest describes one withdrawal to be settled on chain. For UTXO chains the caller supplies the
// signed raw transaction; for account chains the source address is derived from the HD wallet indexes.
type WithdrawalRequest struct {
	ID         string          `json:"id"` // assigned on submission
	UserID     string          `json:"user"`
	WalletID   string          `json:"wallet"`
	Chain      string          `json:"chain"`
	Amount     decimal.Decimal `json:"amount"` // standard units
	ToAddress  string          `json:"to"`
	SignedRaw  string          `json:"raw,omitempty"`    // UTXO chains
	FromWallet uint32          `json:"hdWallet"`         // account chains
	FromIndex  uint32          `json:"hdId"`             // account chains
	DryRun     bool            `json:"dryRun,omitempty"` // account chains: do not send, only validate
}

// Receipt is the synchronous reply to a withdrawal submission.
type Receipt struct {
	ID     string   `json:"id"`
	Hash   string   `json:"hash,omitempty"` // chain hash, empty while the broadcast is pending
	Fee    fees.Fee `json:"fee"`
	Status string   `json:"status"`
}

// Broadcaster sends a prepared withdrawal to its chain and returns the chain transaction hash.
type Broadcaster interface {
	Broadcast(d chain.Descriptor, req WithdrawalRequest) (string, error)
}

type job struct {
	req   WithdrawalRequest
	reply chan outcome
}

type outcome struct {
	rec Receipt
	err error
}

// Queue settles withdrawals. Submissions for the same wallet are processed strictly one after another so the
// sufficiency check and the debit can never race; independent wallets settle in parallel lanes.
type Queue struct {
	reg  *chain.Registry
	db   store.DB
	calc *fees.Calculator
	bc   Broadcaster
	mb   msg.Broker

	mu     sync.Mutex
	lanes  map[string]chan job
	closed bool
	subs   sync.WaitGroup // in-flight submissions, lanes only close once these drained
	wg     sync.WaitGroup // lane workers
}

// NewQueue returns a withdrawal queue ready to accept submissions.
func NewQueue(reg *chain.Registry, db store.DB, calc *fees.Calculator, bc Broadcaster, mb msg.Broker) *Queue {
	return &Queue{
		reg:   reg,
		db:    db,
		calc:  calc,
		bc:    bc,
		mb:    mb,
		lanes: make(map[string]chan job),
	}
}

// Submit validates the request, queues it on the wallet's lane and waits for the settlement outcome. Domain
// errors are returned immediately and are never retried.
func (q *Queue) Submit(req WithdrawalRequest) (Receipt, error) {
	d, err := q.reg.Get(req.Chain)
	if err != nil {
		return Receipt{}, err
	}

	if req.ToAddress == "" {
		return Receipt{}, ErrNoDestination
	}

	if !req.Amount.IsPositive() {
		return Receipt{}, ErrBadAmount
	}

	if !util.FitsPrecision(req.Amount, d.Decimals) {
		return Receipt{}, fmt.Errorf("%w: %s on %s (%d decimals)",
			ErrPrecisionExceeded, req.Amount, req.Chain, d.Decimals)
	}

	if d.Family == chain.FamilyUTXO && req.SignedRaw == "" {
		return Receipt{}, ErrNoSignedTx
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	lane, err := q.lane(req.WalletID)
	if err != nil {
		return Receipt{}, err
	}
	defer q.subs.Done()

	j := job{req: req, reply: make(chan outcome, 1)}
	lane <- j
	out := <-j.reply

	return out.rec, out.err
}

// lane returns the wallet's serial lane, starting its worker on first use. The caller is registered as an
// in-flight submission under the same lock that guards closed, so Stop cannot close the lane mid-send.
func (q *Queue) lane(walletID string) (chan job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}

	q.subs.Add(1)

	ch, ok := q.lanes[walletID]
	if !ok {
		ch = make(chan job)
		q.lanes[walletID] = ch

		q.wg.Add(1)

		go func() {
			defer q.wg.Done()

			for j := range ch {
				rec, err := q.settle(j.req)
				j.reply <- outcome{rec: rec, err: err}
			}
		}()
	}

	return ch, nil
}

// settle runs one withdrawal to a terminal state: compute fees, debit the ledger together with the PENDING
// record, then broadcast. A failure after the debit leaves the PENDING record in place so a reconciliation
// pass can retry the broadcast without debiting again.
func (q *Queue) settle(req WithdrawalRequest) (Receipt, error) {
	d, err := q.reg.Get(req.Chain)
	if err != nil {
		return Receipt{}, err
	}

	fee, err := q.calc.Compute(req.Chain, req.Amount, req.ToAddress)
	if err != nil {
		return Receipt{}, fmt.Errorf("cannot compute fee: %w", err)
	}

	t := store.Transaction{
		Hash:     req.ID,
		WalletID: req.WalletID,
		Chain:    req.Chain,
		Address:  req.ToAddress,
		Amount:   req.Amount,
		Fee:      fee.Total,
		Status:   store.StatusPending,
		Kind:     store.KindWithdrawal,
	}

	if err = q.db.DebitWithdrawal(t); err != nil {
		withdrawalsRejected.WithLabelValues(req.Chain).Inc()
		q.publish(req, "", fee, msg.StatusRejected)

		return Receipt{ID: req.ID, Fee: fee, Status: msg.StatusRejected}, err
	}

	hash, err := q.bc.Broadcast(d, req)
	if err != nil {
		log.Printf("[%s] Error broadcasting withdrawal %s: %v", req.Chain, req.ID, err)

		return Receipt{ID: req.ID, Fee: fee, Status: msg.StatusPending},
			fmt.Errorf("%w: %v", ErrBroadcast, err)
	}

	if err = q.db.SetTransactionHash(req.ID, req.WalletID, hash); err != nil {
		log.Printf("[%s] Error saving hash %s for withdrawal %s: %v", req.Chain, hash, req.ID, err)
	} else if err = q.db.SetTransactionStatus(hash, req.WalletID, store.StatusConfirmed); err != nil {
		log.Printf("[%s] Error confirming withdrawal %s: %v", req.Chain, hash, err)
	}

	withdrawalsSettled.WithLabelValues(req.Chain).Inc()
	q.publish(req, hash, fee, msg.StatusSettled)

	return Receipt{ID: req.ID, Hash: hash, Fee: fee, Status: msg.StatusSettled}, nil
}

func (q *Queue) publish(req WithdrawalRequest, hash string, fee fees.Fee, status string) {
	e := msg.WithdrawalEvent{
		Chain:    req.Chain,
		WalletID: req.WalletID,
		Hash:     hash,
		Amount:   req.Amount.String(),
		Fee:      fee.Total.String(),
		Status:   status,
	}
	if e.Hash == "" {
		e.Hash = req.ID
	}

	if err := q.mb.PublishWithdrawal(e); err != nil {
		log.Printf("[%s] Error publishing withdrawal event: %v", req.Chain, err)
	}
}

// Stop drains the lanes and waits for in-flight settlements to finish. Submissions after Stop are rejected.
func (q *Queue) Stop() {
	q.mu.Lock()

	if q.closed {
		q.mu.Unlock()

		return
	}

	q.closed = true
	q.mu.Unlock()

	// no new submissions can register anymore; wait for in-flight ones before closing their lanes
	q.subs.Wait()

	q.mu.Lock()
	for _, ch := range q.lanes {
		close(ch)
	}
	q.mu.Unlock()

	q.wg.Wait()
}
