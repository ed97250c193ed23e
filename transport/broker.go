package transport

import (
	"github.com/streadway/amqp"
)

//go:generate mockgen -package mocks -destination mocks/broker_mock.go github.com/RidgeA/faas-rpc/transport Connection,Channel

const (
	ExchangeDirect = amqp.ExchangeDirect
	ExchangeTopic  = amqp.ExchangeTopic
	ExchangeFanout = amqp.ExchangeFanout
)

type (
	// Connection is the broker connection primitive the rpc layer needs.
	Connection interface {
		Channel() (Channel, error)
		NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
		IsClosed() bool
		Close() error
	}

	// Channel is the subset of an AMQP channel used for topology
	// declaration, publishing and consuming.
	Channel interface {
		ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
		QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
		QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
		QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error)
		Qos(prefetchCount, prefetchSize int, global bool) error
		Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
		Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
		Ack(tag uint64, multiple bool) error
		Cancel(consumer string, noWait bool) error
		NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
		NotifyCancel(receiver chan string) chan string
		Close() error
	}

	// Dialer opens a connection to the broker at url.
	Dialer func(url string) (Connection, error)
)

// ValidExchangeKind reports whether kind is one of the exchange kinds
// the rpc topology supports.
func ValidExchangeKind(kind string) bool {
	switch kind {
	case ExchangeDirect, ExchangeTopic, ExchangeFanout:
		return true
	}
	return false
}
