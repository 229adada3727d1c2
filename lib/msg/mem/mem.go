// Package mem implements the message broker interface in process memory, for single-process deployments and
// unit tests.
package mem

import (
	"sync"

	"github.com/tarancss/csd/lib/msg"
)

const queueSize = 100

// Mem implements an in-process broker.
type Mem struct {
	mu        sync.Mutex
	closed    bool
	watchSubs map[string][]chan msg.WatchReq
	depSubs   map[string][]chan msg.DepositEvent

	// published events retained for inspection
	Depos    []msg.DepositEvent
	Withs    []msg.WithdrawalEvent
	Monitors []msg.MonitorEvent
}

// New returns an empty in-process broker.
func New() *Mem {
	return &Mem{
		watchSubs: make(map[string][]chan msg.WatchReq),
		depSubs:   make(map[string][]chan msg.DepositEvent),
	}
}

// Setup is a no-op for the in-process broker.
func (m *Mem) Setup() error {
	return nil
}

// Close closes all subscriber channels.
func (m *Mem) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true

	for _, subs := range m.watchSubs {
		for _, ch := range subs {
			close(ch)
		}
	}

	for _, subs := range m.depSubs {
		for _, ch := range subs {
			close(ch)
		}
	}

	return nil
}

// SendWatchReq delivers the request to all subscribers of its chain.
func (m *Mem) SendWatchReq(wr msg.WatchReq) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.watchSubs[wr.Chain] {
		ch <- wr
	}

	return nil
}

// WatchReqs subscribes to watch requests for the given chain.
func (m *Mem) WatchReqs(chain string) (<-chan msg.WatchReq, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan msg.WatchReq, queueSize)
	m.watchSubs[chain] = append(m.watchSubs[chain], ch)

	return ch, make(chan error, 1), nil
}

// PublishDeposit delivers the event to all subscribers of its chain.
func (m *Mem) PublishDeposit(e msg.DepositEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Depos = append(m.Depos, e)

	for _, ch := range m.depSubs[e.Chain] {
		ch <- e
	}

	return nil
}

// PublishWithdrawal retains the event.
func (m *Mem) PublishWithdrawal(e msg.WithdrawalEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Withs = append(m.Withs, e)

	return nil
}

// PublishMonitorStopped retains the operational event.
func (m *Mem) PublishMonitorStopped(e msg.MonitorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Monitors = append(m.Monitors, e)

	return nil
}

// Deposits subscribes to deposit events for the given chain.
func (m *Mem) Deposits(chain string) (<-chan msg.DepositEvent, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch := make(chan msg.DepositEvent, queueSize)
	m.depSubs[chain] = append(m.depSubs[chain], ch)

	return ch, make(chan error, 1), nil
}
