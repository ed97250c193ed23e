// Package rpc runs named functions behind an AMQP broker. A consumer
// registers functions in a Dispatcher and serves them with a Server; a
// producer calls them through a Client and gets back a Response carrying
// a status code, the way an HTTP call would.
package rpc

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"

	"github.com/RidgeA/faas-rpc/transport"
)

var (
	serverLogger   = loggo.GetLogger("faasrpc.server")
	clientLogger   = loggo.GetLogger("faasrpc.client")
	registryLogger = loggo.GetLogger("faasrpc.registry")
)

type (
	// Logger is the logging surface components write to. loggo.Logger
	// satisfies it.
	Logger interface {
		Debugf(string, ...interface{})
		Infof(string, ...interface{})
		Warningf(string, ...interface{})
		Errorf(string, ...interface{})
	}

	// OptionsFunc configures a Server or a ReconnectServer.
	OptionsFunc func(*options)

	options struct {
		url      string
		dial     transport.Dialer
		prefetch int
		logger   Logger
		metrics  *Collector
		clock    clock.Clock
	}
)

func defaultOptions() options {
	return options{
		dial:     transport.DialAMQP,
		prefetch: 1,
		logger:   serverLogger,
		clock:    clock.WallClock,
	}
}

func newOptions(opts ...OptionsFunc) options {
	o := defaultOptions()
	for _, setter := range opts {
		setter(&o)
	}
	return o
}

// SetURL sets the broker url.
func SetURL(url string) OptionsFunc {
	return func(o *options) {
		o.url = url
	}
}

// SetDialer replaces the AMQP dialer, typically with an in-memory broker.
func SetDialer(dial transport.Dialer) OptionsFunc {
	return func(o *options) {
		o.dial = dial
	}
}

// SetPrefetchCount bounds the number of unacknowledged deliveries.
func SetPrefetchCount(n int) OptionsFunc {
	return func(o *options) {
		o.prefetch = n
	}
}

func SetLogger(l Logger) OptionsFunc {
	return func(o *options) {
		o.logger = l
	}
}

// SetMetrics enables request and reconnect metrics.
func SetMetrics(c *Collector) OptionsFunc {
	return func(o *options) {
		o.metrics = c
	}
}

func SetClock(clk clock.Clock) OptionsFunc {
	return func(o *options) {
		o.clock = clk
	}
}

func since(clk clock.Clock, start time.Time) time.Duration {
	return clk.Now().Sub(start)
}
