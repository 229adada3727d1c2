// Package settle implements the settlement microservice.
//
// It serves the RESTful API wallets use to request deposit addresses, query balances and submit withdrawals,
// and it owns the withdrawal queue that settles withdrawals on chain. Deposit detection itself runs in the
// monitor microservice; the two communicate only through the message broker and the durable store.
package settle

import (
	"context"
	"log"
	"net/http"

	"github.com/tarancss/hd"

	"github.com/tarancss/csd/lib/acct"
	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/fees"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/node"
	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/lib/store/db"
)

// Settle contains the data necessary to deliver the service.
type Settle struct {
	dbtype string
	db     store.DB
	reg    *chain.Registry
	nodes  map[string]*node.Client // UTXO chain nodes
	accts  map[string]*acct.Client // account chain clients
	hdw    *hd.HdWallet
	mb     msg.Broker
	q      *Queue
	s      *http.Server  // http server
	ss     *http.Server  // https server
	sc     chan struct{} // server channel used for graceful shutdowns
}

// New returns a pointer to a new Settle service.
func New(dbtype string, dbConn store.DB, mb msg.Broker, reg *chain.Registry, nodes map[string]*node.Client,
	accts map[string]*acct.Client, hdw *hd.HdWallet, calc *fees.Calculator) *Settle {
	bc := NewChainBroadcaster(nodes, accts, hdw)

	return &Settle{
		dbtype: dbtype,
		db:     dbConn,
		reg:    reg,
		nodes:  nodes,
		accts:  accts,
		hdw:    hdw,
		mb:     mb,
		q:      NewQueue(reg, dbConn, calc, bc, mb),
	}
}

// Stop shuts down the http servers, drains the withdrawal queue and closes the connections to the message
// broker, the chain clients and the database.
func (s *Settle) Stop() {
	var err error

	if s.s != nil {
		if err = s.s.Shutdown(context.Background()); err != nil {
			log.Printf("Error in http server shutdown: %v", err)
		}
	}

	if s.ss != nil {
		if err = s.ss.Shutdown(context.Background()); err != nil {
			log.Printf("Error in https server shutdown: %v", err)
		}
	}

	if s.sc != nil {
		close(s.sc) // indicate server shutdowns have finished
	}

	s.q.Stop()

	if err = s.mb.Close(); err != nil {
		log.Printf("Error closing message broker: %v", err)
	}

	for _, a := range s.accts {
		a.Close()
	}

	if s.db != nil {
		err = db.Close(s.dbtype, s.db)
		log.Printf("Disconnecting %v database, err:%v", s.dbtype, err)
	}
}

// ManageEvents starts go routines to consume the deposit and withdrawal events published by the monitor
// service. For each connected chain two channels are opened, one for events and one for errors.
func (s *Settle) ManageEvents() error {
	for _, id := range s.reg.List() {
		eveCh, errCh, err := s.mb.Deposits(id)
		if err != nil {
			return err
		}

		go func(chainID string) {
			log.Printf("[%s] Start listening to deposit event channel", chainID)

			for eve := range eveCh {
				log.Printf("[%s] Received event %+v", chainID, eve)
			}

			log.Printf("[%s] Stop listening to deposit event channel", chainID)
		}(id)

		go func(chainID string) {
			log.Printf("[%s] Start listening to err channel", chainID)

			for e := range errCh {
				log.Printf("[%s] Received error %+v", chainID, e)
			}

			log.Printf("[%s] Stop listening to err channel", chainID)
		}(id)
	}

	return nil
}
