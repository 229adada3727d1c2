package settle

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

const timeout = 15

func (s *Settle) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/", s.homeHandler)
	r.HandleFunc("/networks", s.networksHandler).Methods("GET")                // get all available chains
	r.HandleFunc("/wallets/{wallet}/address", s.depositAddrHandler)            // watch or unwatch a deposit address
	r.HandleFunc("/wallets/{wallet}/balance", s.balanceHandler).Methods("GET") // get ledger balance
	r.HandleFunc("/withdraw", s.withdrawHandler).Methods("POST")               // submit a withdrawal
	r.HandleFunc("/tx/{hash}", s.txHandler).Methods("GET")                     // get transaction record

	return r
}

// Init sets up and starts the http/https server to service the RESTful API of the settle service. If
// sslPort, sslCert and sslKey are informed, it will start an https (TLS) server on the specified endpoint.
func (s *Settle) Init(endpoint, port, sslPort, sslCert, sslKey string) string {
	var err, errTLS error

	// API definition
	r := s.router()
	http.Handle("/", r)

	// setup shutdown channel
	s.sc = make(chan struct{})

	// start http server
	if port != "" {
		s.s = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + port,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			err = s.s.ListenAndServe()
		}()

		log.Printf("Listening to API http requests on %s:%s", endpoint, port)
	}
	// start https server
	if sslPort != "" && sslCert != "" && sslKey != "" {
		s.ss = &http.Server{
			Handler:      r,
			Addr:         endpoint + ":" + sslPort,
			WriteTimeout: timeout * time.Second,
			ReadTimeout:  timeout * time.Second,
		}

		go func() {
			errTLS = s.ss.ListenAndServeTLS(sslCert, sslKey)
		}()

		log.Printf("Listening to API https requests on %s:%s", endpoint, sslPort)
	}
	// wait for servers to be shutdown
	<-s.sc

	return fmt.Sprintf("shutdown http server:%v, https server:%v", err, errTLS)
}
