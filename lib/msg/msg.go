// Package msg defines the interface for different message brokers.
//
// The settle service publishes watch requests so monitors start or stop observing deposit addresses, and the
// monitor service publishes deposit, withdrawal and operational events. Publication is fire-and-forget with
// at-least-once delivery; consumers deduplicate through the durable store, never through the broker.
package msg

// Actions to be applied to a watched address.
const (
	WATCH   = 0
	UNWATCH = 1
)

// Event status values.
const (
	StatusPending   = "PENDING"
	StatusConfirmed = "CONFIRMED"
	StatusSettled   = "SETTLED"
	StatusRejected  = "REJECTED"
	StatusStopped   = "STOPPED"
)

// WatchReq defines the message the settle service publishes to ask the monitor to watch an address.
type WatchReq struct {
	Chain    string `json:"chain"`
	WalletID string `json:"wallet"`
	Addr     string `json:"addr"`
	Act      int    `json:"act"`
}

// DepositEvent is published on every confirmation-count change of a pending deposit and once on confirmation.
type DepositEvent struct {
	Chain         string `json:"chain"`
	WalletID      string `json:"wallet"`
	Address       string `json:"address"`
	Hash          string `json:"hash"`
	Amount        string `json:"amount"`
	Confirmations int64  `json:"confirmations"`
	Status        string `json:"status"`
}

// WithdrawalEvent is published when a withdrawal settles or is rejected.
type WithdrawalEvent struct {
	Chain    string `json:"chain"`
	WalletID string `json:"wallet"`
	Hash     string `json:"hash"`
	Amount   string `json:"amount"`
	Fee      string `json:"fee"`
	Status   string `json:"status"`
}

// MonitorEvent is the operational event published when a monitor stops itself, so an external supervisor can
// restart it.
type MonitorEvent struct {
	Chain  string `json:"chain"`
	Addr   string `json:"addr"`
	Reason string `json:"reason"`
}

// Broker is the product agnostic message broker layer.
type Broker interface {
	Setup() error
	Close() error

	// methods for the settle service
	SendWatchReq(r WatchReq) error
	Deposits(chain string) (<-chan DepositEvent, <-chan error, error)

	// methods for the monitor service
	WatchReqs(chain string) (<-chan WatchReq, <-chan error, error)
	PublishDeposit(e DepositEvent) error
	PublishWithdrawal(e WithdrawalEvent) error
	PublishMonitorStopped(e MonitorEvent) error
}
