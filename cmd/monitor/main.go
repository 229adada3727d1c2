// Package main: monitor service.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/tarancss/csd/lib/chain"
	"github.com/tarancss/csd/lib/config"
	"github.com/tarancss/csd/lib/fetch"
	"github.com/tarancss/csd/lib/msg"
	"github.com/tarancss/csd/lib/msg/amqp"
	"github.com/tarancss/csd/lib/msg/mem"
	"github.com/tarancss/csd/lib/node"
	"github.com/tarancss/csd/lib/store"
	"github.com/tarancss/csd/lib/store/db"
	"github.com/tarancss/csd/monitor"
)

const (
	nodeTimeout   = 3 * time.Second
	upstreamRate  = 5 // aggregate upstream calls per second across all monitors
	upstreamBurst = 10
)

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

	// load chain registry and node clients
	reg, err := chain.NewRegistry(conf.Chains)
	if err != nil {
		panic(err)
	}

	nodes := make(map[string]*node.Client)

	for _, id := range reg.List() {
		d, _ := reg.Get(id)
		if d.Family == chain.FamilyUTXO && d.Node.URL != "" {
			nodes[id] = node.New(d.Node, nodeTimeout)
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

	// create monitor service
	fetcher := fetch.NewService(reg, nodes, rate.NewLimiter(upstreamRate, upstreamBurst))
	m := monitor.New(conf.DbType, dbConn, mb, reg, fetcher, 0)

	// capture CTRL+C or docker's SIGTERM for gracious exit
	finish := make(chan int)

	go func() {
		sigchan := make(chan os.Signal, 10)
		signal.Notify(sigchan, os.Interrupt, syscall.SIGTERM)
		<-sigchan
		log.Println("Program killed !")
		// do last actions and wait for all write operations to end
		m.Stop()

		if errClose := mb.Close(); errClose != nil {
			log.Printf("Closing messageBroker: %v", errClose)
		}

		if errClose := db.Close(conf.DbType, dbConn); errClose != nil {
			log.Printf("Closing database: %v", errClose)
		}

		close(finish)
	}()

	// launch the deposit monitors and the watch request consumers
	if err = m.Start(); err != nil {
		panic(err)
	}

	log.Printf("Monitoring %d addresses", m.Watching())

	<-finish
}
