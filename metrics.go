package rpc

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "faasrpc"

// Collector is a prometheus.Collector for consumer and producer
// activity. A nil *Collector records nothing.
type Collector struct {
	requests        *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	reconnects      prometheus.Counter
	calls           *prometheus.CounterVec
}

func NewMetricsCollector() *Collector {
	return &Collector{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of requests handled by the consumer.",
			}, []string{"faas", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "request_duration_seconds",
				Help:      "The time taken to handle a request.",
				Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
			}, []string{"faas"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "reconnects_total",
				Help:      "The number of consumer reconnections.",
			},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "client_calls_total",
				Help:      "The number of calls made by producers.",
			}, []string{"faas", "status"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.requests.Describe(ch)
	c.requestDuration.Describe(ch)
	c.reconnects.Describe(ch)
	c.calls.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.requests.Collect(ch)
	c.requestDuration.Collect(ch)
	c.reconnects.Collect(ch)
	c.calls.Collect(ch)
}

func (c *Collector) observeRequest(faas string, status int, d time.Duration) {
	if c == nil {
		return
	}
	c.requests.WithLabelValues(faas, strconv.Itoa(status)).Inc()
	c.requestDuration.WithLabelValues(faas).Observe(d.Seconds())
}

func (c *Collector) observeReconnect() {
	if c == nil {
		return
	}
	c.reconnects.Inc()
}

// observeCall records a client call; status "error" marks calls that got
// no response.
func (c *Collector) observeCall(faas, status string) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(faas, status).Inc()
}
