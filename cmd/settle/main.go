// Package main: settle service.
//
// The settle service shares its database with the monitor service: watched addresses written here are picked
// up by the monitor through the broker, and deposit records written by the monitor are served here through
// the transaction and balance endpoints.
package main

import (
	"encoding/hex"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarancss/hd"

	"github.com/tarancss/csd/lib/acct"
	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/config"
	"github.com/tarancss/csd/lib/fees"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/msg/amqp"
	"github.com/tarancss/csd/lib/msg/mem"
	"github.com/tarancss/csd/lib/node"
	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/lib/store/db"
	"github.com/tarancss/csd/settle"
)

const nodeTimeout = 3 * time.Second

func main() {
	// get command line flags
	confPath := flag.String("c", "", "flag to get configuration from json file")
	metrics := flag.Bool("m", false, "flag to monitor the server with Prometheus at http://localhost:9100")
	flag.Parse()

	// extract configuration
	conf, err := config.ExtractConfiguration(*confPath)
	if err != nil {
		panic(err)
	}

	log.Printf("Configuration:%+v", conf)

	// connect to database
	var dbConn store.DB

	if dbConn, err = db.New(conf.DbType, conf.DbConn); err != nil {
		panic(err)
	}

	log.Printf("Connecting to database:%+v\n", conf.DbConn)

	// load chain registry and per-chain clients
	reg, err := chain.NewRegistry(conf.Chains)
	if err != nil {
		panic(err)
	}

	nodes := make(map[string]*node.Client)
	accts := make(map[string]*acct.Client)
	probers := make(map[string]fees.ActivationProber)

	for _, id := range reg.List() {
		d, _ := reg.Get(id)

		switch {
		case d.Family == chain.FamilyUTXO && d.Node.URL != "":
			nodes[id] = node.New(d.Node, nodeTimeout)
		case d.Family == chain.FamilyAccount && d.Node.URL != "":
			a, errA := acct.New(d.Node.URL, d.Node.Pass)
			if errA != nil {
				panic(errA)
			}

			accts[id] = a
			probers[id] = a
		}
	}

	log.Print("Chain clients loaded")

	// load Prometheus monitor
	if *metrics {
		go func() {
			log.Println("Serving metrics API")

			h := http.NewServeMux()

			h.Handle("/metrics", promhttp.Handler())
			http.ListenAndServe(":9100", h)
		}()
	}

	// load message broker
	var mb msg.Broker

	switch conf.MbType {
	case "amqp":
		var amb *amqp.Amqp

		if amb, err = amqp.New(conf.MbConn); err != nil {
			time.Sleep(10 * time.Second) // wait 10s for AMQP to be ready and try to reconnect

			if amb, err = amqp.New(conf.MbConn); err != nil {
				panic(err)
			}
		}

		mb = amb
	case "mem":
		mb = mem.New()
	default:
		log.Panicf("Unknown message broker type: %s", conf.MbType)
	}

	if err = mb.Setup(); err != nil {
		panic(err)
	}

	// load HD wallet
	seed, err := hex.DecodeString(conf.Seed)
	if err != nil {
		panic(err)
	}

	hdw, err := hd.Init(seed)
	if err != nil {
		panic(err)
	}

	// create settle service
	calc := fees.New(reg, nodes, probers)
	s := settle.New(conf.DbType, dbConn, mb, reg, nodes, accts, hdw, calc)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		s.Stop()
		close(finish)
	}()

	// manage deposit events published by the monitor
	if err = s.ManageEvents(); err != nil {
		log.Printf("Error setting up broker readers for events:%v", err)
	}

	// init RESTful API, wait for its return and log response
	log.Printf("Settle: %s\n", s.Init(conf.RestfulEndpoint, conf.Port, conf.SSLPort, conf.SSLCert, conf.SSLKey))

	<-finish
}
