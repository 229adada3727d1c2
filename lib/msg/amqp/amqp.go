// Package amqp implements the message broker interface for AMQP compliant brokers (ie RabbitMQ)
package amqp

import (
	"encoding/json"
	"log"

	"github.com/streadway/amqp"

	"github.com/tarancss/csd/lib/msg"
)

// Exchange names: sr carries settle requests (watch/unwatch), de carries deposit, withdrawal and monitor
// events.
const (
	reqExchange   = "sr"
	eventExchange = "de"
)

// Amqp implements a connection to a broker and a channel for reuse.
type Amqp struct {
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New instantiates a new amqp broker.
func New(uri string) (*Amqp, error) {
	r := Amqp{}

	var err error

	if r.conn, err = amqp.Dial(uri); err != nil {
		return &r, err
	}

	log.Printf("Connected to %s", uri)

	return &r, nil
}

// Setup obtains an amqp channel and declares the message broker exchanges.
func (r *Amqp) Setup() error {
	channel, err := r.conn.Channel()
	if err != nil {
		return err
	}
	defer channel.Close()

	if err = channel.ExchangeDeclare(reqExchange, "topic", true, false, false, false, nil); err != nil {
		return err
	}

	return channel.ExchangeDeclare(eventExchange, "topic", true, false, false, false, nil)
}

// Close terminates gracefully the connection to the AMQP message broker.
func (r *Amqp) Close() error {
	if r.ch != nil {
		if err := r.ch.Close(); err != nil {
			log.Printf("Error closing amqp.Channel:%e", err)
		}

		r.ch = nil
	}

	return r.conn.Close()
}

func (r *Amqp) publish(exchange, key string, v interface{}) error {
	jsonDoc, err := json.Marshal(v)
	if err != nil {
		return err
	}

	if r.ch == nil {
		if r.ch, err = r.conn.Channel(); err != nil {
			return err
		}
	}

	return r.ch.Publish(exchange, key, false, false, amqp.Publishing{
		Body:        jsonDoc,
		ContentType: "application/json",
	})
}

// SendWatchReq publishes a watch request to the sr exchange.
func (r *Amqp) SendWatchReq(wr msg.WatchReq) error {
	return r.publish(reqExchange, wr.Chain+".watch", wr)
}

// PublishDeposit publishes a deposit event to the de exchange.
func (r *Amqp) PublishDeposit(e msg.DepositEvent) error {
	return r.publish(eventExchange, e.Chain+".deposit."+e.Hash, e)
}

// PublishWithdrawal publishes a withdrawal event to the de exchange.
func (r *Amqp) PublishWithdrawal(e msg.WithdrawalEvent) error {
	return r.publish(eventExchange, e.Chain+".withdrawal."+e.Hash, e)
}

// PublishMonitorStopped publishes the operational fail-stop event to the de exchange.
func (r *Amqp) PublishMonitorStopped(e msg.MonitorEvent) error {
	return r.publish(eventExchange, e.Chain+".monitor.stopped", e)
}

// consume declares a durable queue bound to the exchange with the given routing key pattern and returns its
// delivery channel.
func (r *Amqp) consume(exchange, queue, pattern string) (<-chan amqp.Delivery, error) {
	channel, err := r.conn.Channel()
	if err != nil {
		return nil, err
	}

	if _, err = channel.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return nil, err
	}

	if err = channel.QueueBind(queue, pattern, exchange, false, nil); err != nil {
		return nil, err
	}

	return channel.Consume(queue, "", true, false, false, false, nil)
}

// WatchReqs returns a channel of watch requests for the given chain. The error channel carries decoding
// failures; the request channel closes when the broker connection does.
func (r *Amqp) WatchReqs(chain string) (<-chan msg.WatchReq, <-chan error, error) {
	deliveries, err := r.consume(reqExchange, "sr-"+chain, chain+".watch")
	if err != nil {
		return nil, nil, err
	}

	reqCh := make(chan msg.WatchReq)
	errCh := make(chan error, 1)

	go func() {
		defer close(reqCh)

		for d := range deliveries {
			var wr msg.WatchReq
			if err := json.Unmarshal(d.Body, &wr); err != nil {
				errCh <- err

				continue
			}
			reqCh <- wr
		}
	}()

	return reqCh, errCh, nil
}

// Deposits returns a channel of deposit events for the given chain.
func (r *Amqp) Deposits(chain string) (<-chan msg.DepositEvent, <-chan error, error) {
	deliveries, err := r.consume(eventExchange, "de-"+chain, chain+".deposit.*")
	if err != nil {
		return nil, nil, err
	}

	eveCh := make(chan msg.DepositEvent)
	errCh := make(chan error, 1)

	go func() {
		defer close(eveCh)

		for d := range deliveries {
			var e msg.DepositEvent
			if err := json.Unmarshal(d.Body, &e); err != nil {
				errCh <- err

				continue
			}
			eveCh <- e
		}
	}()

	return eveCh, errCh, nil
}
