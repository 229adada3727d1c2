// Package depmon implements the per-address deposit monitor. One monitor owns exactly one (chain, address)
// pair, polls the transaction fetcher on its own timer and drives a per-hash confirmation state machine:
//
//	UNSEEN -> PENDING(k) -> PENDING(k') (k' != k) -> CONFIRMED -> STORED
//
// Its in-memory state is owned exclusively by the monitor instance and lost on restart; the durable
// transaction record keyed by (hash, wallet) is the authoritative dedup source, so a restart can never credit
// a deposit twice.
package depmon

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/fetch"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/lib/util"
)

// Polling policy.
const (
	DefaultInterval      = 30 * time.Second
	MaxBackoff           = 5 * time.Minute
	MaxConsecutiveErrors = 5
)

var (
	depositsCredited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csd_deposits_credited_total",
		Help: "Deposits credited to the ledger.",
	}, []string{"chain"})
	pollErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "csd_poll_errors_total",
		Help: "Failed deposit monitor poll cycles.",
	}, []string{"chain"})
)

// Monitor watches one (chain, address) pair for one wallet.
type Monitor struct {
	chain    chain.Descriptor
	walletID string
	addr     string
	fetcher  fetch.Fetcher
	db       store.DB
	mb       msg.Broker
	interval time.Duration

	mu            sync.Mutex
	active        bool
	errCount      int
	processed     map[string]struct{}
	lastBroadcast map[string]int64
	stopCh        chan struct{}
}

// New returns an active monitor for the pair. interval zero selects the default polling cadence.
func New(d chain.Descriptor, walletID, addr string, f fetch.Fetcher, db store.DB, mb msg.Broker,
	interval time.Duration) *Monitor {
	if interval == 0 {
		interval = DefaultInterval
	}

	return &Monitor{
		chain:         d,
		walletID:      walletID,
		addr:          addr,
		fetcher:       f,
		db:            db,
		mb:            mb,
		interval:      interval,
		active:        true,
		processed:     make(map[string]struct{}),
		lastBroadcast: make(map[string]int64),
		stopCh:        make(chan struct{}),
	}
}

// Key identifies the monitor within its service.
func (m *Monitor) Key() string {
	return m.chain.ID + "|" + m.addr
}

// Active reports whether the monitor is still polling.
func (m *Monitor) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.active
}

// Stop deactivates the monitor and cancels its pending timer. Idempotent. In-flight network calls are not
// aborted; their results are discarded at the top of the next cycle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopLocked()
}

func (m *Monitor) stopLocked() {
	if !m.active {
		return
	}

	m.active = false
	close(m.stopCh)
}

// Run polls until the monitor is stopped. Polls execute one-at-a-time; the waiting interval grows
// exponentially with consecutive errors. Run returns when the monitor stops itself or Stop is called.
func (m *Monitor) Run() {
	log.Printf("[%s] monitoring %s for wallet %s", m.chain.ID, m.addr, m.walletID)

	for m.Active() {
		if err := m.Poll(); err != nil {
			log.Printf("[%s] poll %s: %v", m.chain.ID, m.addr, err)
		}

		select {
		case <-time.After(m.delay()):
		case <-m.stopCh:
		}
	}

	log.Printf("[%s] monitor for %s done", m.chain.ID, m.addr)
}

func (m *Monitor) delay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.interval
	for i := 0; i < m.errCount; i++ {
		d *= 2
		if d >= MaxBackoff {
			return MaxBackoff
		}
	}

	return d
}

// Poll runs exactly one cycle: fetch, dedup, advance the state machine of every observed hash. Tests drive
// the monitor deterministically by calling Poll directly.
func (m *Monitor) Poll() error {
	if !m.Active() {
		return nil
	}

	txs, err := m.fetcher.Fetch(m.chain.ID, m.addr)
	if err != nil {
		m.cycleFailed(err)

		return err
	}

	// a hash that cannot be advanced (detail fetch, dedup lookup, credit) fails the whole cycle so the
	// backoff and fail-stop policy also covers a persistently broken upstream detail or store
	var cycleErr error

	for _, tx := range txs {
		if !tx.Incoming || !tx.RawAmount.IsPositive() {
			continue
		}

		if err := m.advance(tx); err != nil && cycleErr == nil {
			cycleErr = err
		}
	}

	if cycleErr != nil {
		m.cycleFailed(cycleErr)

		return cycleErr
	}

	m.resetErrors()

	return nil
}

// cycleFailed counts the failed cycle and fail-stops the monitor once the cap is hit, publishing the
// operational event so an external supervisor can restart it.
func (m *Monitor) cycleFailed(err error) {
	pollErrors.WithLabelValues(m.chain.ID).Inc()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.errCount++
	if m.errCount < MaxConsecutiveErrors {
		return
	}

	log.Printf("[%s] stopping monitor for %s after %d consecutive errors, last: %v",
		m.chain.ID, m.addr, m.errCount, err)
	m.stopLocked()

	if errPub := m.mb.PublishMonitorStopped(msg.MonitorEvent{
		Chain:  m.chain.ID,
		Addr:   m.addr,
		Reason: err.Error(),
	}); errPub != nil {
		log.Printf("[%s] publishing monitor stop event: %v", m.chain.ID, errPub)
	}
}

func (m *Monitor) resetErrors() {
	m.mu.Lock()
	m.errCount = 0
	m.mu.Unlock()
}

// advance moves one observed transaction through the state machine.
func (m *Monitor) advance(tx fetch.Observed) error {
	if m.isProcessed(tx.Hash) {
		return nil
	}

	// durable dedup: a record for (hash, wallet) means the deposit was already credited
	if _, err := m.db.FindTransaction(tx.Hash, m.walletID); err == nil {
		m.markProcessed(tx.Hash)

		return nil
	} else if !errors.Is(err, store.ErrDataNotFound) {
		log.Printf("[%s] dedup lookup %s: %v", m.chain.ID, tx.Hash, err)

		return err
	}

	if tx.Confirmations < m.chain.RequiredConfirmations {
		m.broadcastPending(tx)

		return nil
	}

	return m.confirm(tx)
}

// broadcastPending publishes the confirmation progress of a pending deposit, suppressing rebroadcast while
// the count is unchanged.
func (m *Monitor) broadcastPending(tx fetch.Observed) {
	m.mu.Lock()
	last, seen := m.lastBroadcast[tx.Hash]

	if seen && last == tx.Confirmations {
		m.mu.Unlock()

		return
	}

	m.lastBroadcast[tx.Hash] = tx.Confirmations
	m.mu.Unlock()

	amount := util.ToStandard(tx.RawAmount, m.chain.Decimals)

	if err := m.mb.PublishDeposit(msg.DepositEvent{
		Chain:         m.chain.ID,
		WalletID:      m.walletID,
		Address:       m.addr,
		Hash:          tx.Hash,
		Amount:        amount.String(),
		Confirmations: tx.Confirmations,
		Status:        msg.StatusPending,
	}); err != nil {
		log.Printf("[%s] publishing pending deposit %s: %v", m.chain.ID, tx.Hash, err)
	}
}

// confirm fetches the full transaction detail, credits the ledger together with the durable record and only
// then marks the hash processed. Any failure leaves the hash unmarked so the next poll retries; the durable
// record's (hash, wallet) key keeps the retry from double-crediting.
func (m *Monitor) confirm(tx fetch.Observed) error {
	det, err := m.fetcher.Detail(m.chain.ID, tx.Hash, m.addr)
	if err != nil {
		log.Printf("[%s] detail %s: %v", m.chain.ID, tx.Hash, err)

		return err
	}

	amount := util.ToStandard(det.RawAmount, m.chain.Decimals)

	err = m.db.CreditDeposit(store.Transaction{
		Hash:     tx.Hash,
		WalletID: m.walletID,
		Chain:    m.chain.ID,
		Address:  m.addr,
		Amount:   amount,
		Status:   store.StatusConfirmed,
		Kind:     store.KindDeposit,
	})
	if err != nil && !errors.Is(err, store.ErrDuplicate) {
		log.Printf("[%s] crediting deposit %s: %v", m.chain.ID, tx.Hash, err)

		return err
	}

	if err == nil {
		depositsCredited.WithLabelValues(m.chain.ID).Inc()
	}

	if errPub := m.mb.PublishDeposit(msg.DepositEvent{
		Chain:         m.chain.ID,
		WalletID:      m.walletID,
		Address:       m.addr,
		Hash:          tx.Hash,
		Amount:        amount.String(),
		Confirmations: det.Confirmations,
		Status:        msg.StatusConfirmed,
	}); errPub != nil {
		log.Printf("[%s] publishing confirmed deposit %s: %v", m.chain.ID, tx.Hash, errPub)
	}

	m.markProcessed(tx.Hash)

	return nil
}

func (m *Monitor) isProcessed(hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.processed[hash]

	return ok
}

func (m *Monitor) markProcessed(hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.processed[hash] = struct{}{}
	delete(m.lastBroadcast, hash)
}
