// Package monitor implements the deposit monitoring microservice. It runs one deposit monitor per watched
// (chain, address) pair and consumes settle requests from the broker to start or stop watching addresses.
package monitor

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/fetch"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/monitor/depmon"
)

var monitorsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "csd_monitors_active",
	Help: "Deposit monitors currently polling.",
})

// Service implements the monitor service.
type Service struct {
	dbtype   string
	db       store.DB
	mb       msg.Broker
	reg      *chain.Registry
	fetcher  fetch.Fetcher
	interval time.Duration

	mu   sync.Mutex
	mons map[string]*depmon.Monitor
	wg   sync.WaitGroup
}

// New instantiates a new monitor service. interval zero selects the monitors' default cadence.
func New(dbtype string, db store.DB, mb msg.Broker, reg *chain.Registry, fetcher fetch.Fetcher,
	interval time.Duration) *Service {
	return &Service{
		dbtype:   dbtype,
		db:       db,
		mb:       mb,
		reg:      reg,
		fetcher:  fetcher,
		interval: interval,
		mons:     make(map[string]*depmon.Monitor),
	}
}

// Start loads the watched addresses from the store, launches a monitor for each and starts consuming settle
// requests for every configured chain.
func (s *Service) Start() error {
	addrs, err := s.db.GetAddresses(s.reg.List())
	if err != nil {
		return fmt.Errorf("monitor: cannot load watched addresses: %w", err)
	}

	if len(addrs) == 0 {
		log.Print("No watched addresses in store yet.")
	}

	for _, a := range addrs {
		if err := s.Watch(a); err != nil {
			log.Printf("[%s] cannot watch %s: %v", a.Chain, a.Addr, err)
		}
	}

	for _, id := range s.reg.List() {
		if err := s.manageWatchRequests(id); err != nil {
			return err
		}
	}

	return nil
}

// Watch starts a monitor for the address unless one is already running.
func (s *Service) Watch(a store.WatchedAddress) error {
	d, err := s.reg.Get(a.Chain)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := a.Chain + "|" + a.Addr
	if _, ok := s.mons[key]; ok {
		return nil
	}

	m := depmon.New(d, a.WalletID, a.Addr, s.fetcher, s.db, s.mb, s.interval)
	s.mons[key] = m

	s.wg.Add(1)
	monitorsActive.Inc()

	go func() {
		defer s.wg.Done()
		defer monitorsActive.Dec()
		m.Run()
	}()

	return nil
}

// Unwatch stops and forgets the monitor for the address.
func (s *Service) Unwatch(chainID, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chainID + "|" + addr
	if m, ok := s.mons[key]; ok {
		m.Stop()
		delete(s.mons, key)
	}
}

// Watching returns the number of monitors currently registered.
func (s *Service) Watching() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.mons)
}

// manageWatchRequests starts a go routine to receive and manage settle requests for addresses to be watched
// on the given chain.
func (s *Service) manageWatchRequests(chainID string) error {
	reqCh, errCh, err := s.mb.WatchReqs(chainID)
	if err != nil {
		return fmt.Errorf("monitor: cannot get watch requests: %w", err)
	}

	go func() {
		log.Printf("[%s] Start listening to settle request channel", chainID)

		for {
			select {
			case req, ok := <-reqCh:
				if !ok {
					log.Printf("[%s] Stop listening to settle request channel", chainID)

					return
				}

				s.handleWatchReq(chainID, req)
			case e, ok := <-errCh:
				if !ok {
					return
				}

				log.Printf("[%s] Received error %+v", chainID, e)
			}
		}
	}()

	return nil
}

func (s *Service) handleWatchReq(chainID string, req msg.WatchReq) {
	if req.Chain != chainID || req.Addr == "" || (req.Act != msg.WATCH && req.Act != msg.UNWATCH) {
		log.Printf("[%s] Request has wrong chain %s, missing address %s or wrong action %d",
			chainID, req.Chain, req.Addr, req.Act)

		return
	}

	a := store.WatchedAddress{WalletID: req.WalletID, Chain: req.Chain, Addr: req.Addr}

	if req.Act == msg.WATCH {
		if _, err := s.db.AddAddress(a); err != nil {
			log.Printf("[%s] Error adding watched address to DB %v", chainID, err)
		}

		if err := s.Watch(a); err != nil {
			log.Printf("[%s] Error watching address %s: %v", chainID, req.Addr, err)
		}

		return
	}

	s.Unwatch(req.Chain, req.Addr)

	if err := s.db.RemoveAddress(a); err != nil {
		log.Printf("[%s] Error deleting watched address from DB %v", chainID, err)
	}
}

// Stop will send termination signals to all monitors and wait for them to finish.
func (s *Service) Stop() {
	s.mu.Lock()
	for _, m := range s.mons {
		m.Stop()
	}
	s.mu.Unlock()

	s.wg.Wait()
}
