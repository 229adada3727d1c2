// Package csd and its sub-packages implement the custody settlement backend that reconciles an internal ledger
// against external blockchains.
/*
csd provides you with two microservices:

1) a settlement microservice (package settle) that implements a RESTful API for custody requests such as deriving
 deposit addresses for a wallet, checking ledger balances and submitting withdrawals. Withdrawals are settled
 through a queue that serializes work per wallet, computes chain-aware fees and debits the ledger transactionally.

2) a monitor microservice (package monitor) that watches deposit addresses on the configured chains. For each
 watched (chain, address) pair a deposit monitor polls the chain view, tracks confirmation progress and credits
 the ledger exactly once per transaction hash.

Architecture

The settle and monitor services communicate via a message broker. When a wallet requests a deposit address, the
settlement service derives it from the custody HD wallet, persists it and asks the monitor service to watch it.
The monitor publishes deposit events (pending and confirmed) to the broker so settlement services and front-ends
can notify their users in real time. The message broker is implemented as a product agnostic layer (package
lib/msg) and is configured via a JSON config file at service startup.

Both services persist through a layered store (package lib/store) that provides a database product agnostic
interface with MongoDB and PostgreSQL backends. The store holds watched addresses, the internal ledger and the
durable transaction records whose (hash, wallet) key guards against double-crediting.

Chain access is split between a node layer (package lib/node) implementing the JSON-RPC interface of UTXO-style
full nodes with a watch-only wallet, an account-chain client (package lib/acct) and explorer HTTP APIs. A
transaction fetcher layer (package lib/fetch) normalizes all of them behind one interface, resolved per chain
through a registry (package lib/chain) loaded once at startup.

The microservices can also be monitored via a Prometheus API by setting the flag "-m" at startup.

Settle

The settlement microservice (package settle) can be started running cmd/settle/main.go. It exposes an HTTP
RESTful API to request deposit addresses, query balances and transaction records, and submit withdrawals. Each
withdrawal is validated against the chain's decimal policy, charged a service fee (plus network and activation
fees where the chain requires them) and debited from the ledger under the same transaction that creates its
pending record, so a crash between debit and broadcast is always recoverable.

Monitor

The monitor microservice (package monitor) can be started running cmd/monitor/main.go. It loads the watched
addresses from the store, runs one deposit monitor per (chain, address) pair and consumes settle requests to
start or stop watching addresses. Monitors back off exponentially on upstream failures and stop themselves after
too many consecutive errors so that operational alerting can react.
*/
package csd
