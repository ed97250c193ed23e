package rpc

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"github.com/streadway/amqp"
	"gopkg.in/tomb.v2"

	"github.com/RidgeA/faas-rpc/config"
	"github.com/RidgeA/faas-rpc/transport"
)

// Server owns one broker connection for a consumer: it declares the
// topology, consumes the queue and answers each request on the reply
// queue named by the caller. It stops for good on the first broker
// failure; ReconnectServer starts a fresh one.
type Server struct {
	tomb       tomb.Tomb
	dispatcher *Dispatcher
	topology   config.Topology
	opts       options
	tag        string

	conn       transport.Connection
	ch         transport.Channel
	connClosed chan *amqp.Error
	chClosed   chan *amqp.Error
	cancelled  chan string
	consuming  bool

	mu        sync.Mutex
	state     State
	reconnect bool
}

var _ worker.Worker = (*Server)(nil)

// NewServer starts consuming topology.Queue with handlers from
// dispatcher. The dispatcher is frozen.
func NewServer(dispatcher *Dispatcher, topology config.Topology, opts ...OptionsFunc) (*Server, error) {
	o := newOptions(opts...)
	if err := validate(dispatcher, topology, o); err != nil {
		return nil, errors.Trace(err)
	}
	dispatcher.Freeze()
	s := &Server{
		dispatcher: dispatcher,
		topology:   topology,
		opts:       o,
		tag:        "faasrpc-" + uuid.NewString(),
	}
	s.tomb.Go(s.loop)
	return s, nil
}

func validate(dispatcher *Dispatcher, topology config.Topology, o options) error {
	if dispatcher == nil {
		return errors.NotValidf("nil dispatcher")
	}
	if o.dial == nil {
		return errors.NotValidf("nil dialer")
	}
	if o.clock == nil {
		return errors.NotValidf("nil clock")
	}
	if o.prefetch < 0 {
		return errors.NotValidf("prefetch count %d", o.prefetch)
	}
	return errors.Trace(topology.Validate())
}

// Kill asks the server to stop: the consumer is cancelled, the message in
// flight is answered and the connection closed.
func (s *Server) Kill() {
	s.tomb.Kill(nil)
}

// Wait returns nil after Kill, or the broker failure that stopped the
// server.
func (s *Server) Wait() error {
	return s.tomb.Wait()
}

// Stop kills the server and waits for it.
func (s *Server) Stop() error {
	s.Kill()
	return s.Wait()
}

// Dead is closed once the server has stopped.
func (s *Server) Dead() <-chan struct{} {
	return s.tomb.Dead()
}

func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ShouldReconnect reports whether the server stopped because of the
// broker rather than because it was asked to.
func (s *Server) ShouldReconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconnect
}

func (s *Server) transition(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := checkTransition(s.state, to); err != nil {
		return errors.Trace(err)
	}
	s.opts.logger.Debugf("%s -> %s", s.state, to)
	s.state = to
	return nil
}

func (s *Server) dying() bool {
	select {
	case <-s.tomb.Dying():
		return true
	default:
		return false
	}
}

func (s *Server) loop() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deliveries, err := s.setup()
	if err != nil {
		return s.lost(err)
	}
	s.opts.logger.Infof("consuming %q with FaaS %v", s.topology.Queue, s.dispatcher.Names())
	for {
		// A stop request wins over pending deliveries.
		if s.dying() {
			return s.shutdown()
		}
		select {
		case <-s.tomb.Dying():
			return s.shutdown()
		case reason, ok := <-s.connClosed:
			return s.lost(closeReason("connection", reason, ok))
		case reason, ok := <-s.chClosed:
			return s.lost(closeReason("channel", reason, ok))
		case tag, ok := <-s.cancelled:
			if !ok {
				return s.lost(s.stopReason())
			}
			return s.lost(errors.Errorf("consumer %q cancelled by the broker", tag))
		case d, ok := <-deliveries:
			if !ok {
				return s.lost(s.stopReason())
			}
			s.handle(ctx, d)
		}
	}
}

// stopReason explains why deliveries ended, preferring a reason the
// broker has already reported.
func (s *Server) stopReason() error {
	select {
	case tag, ok := <-s.cancelled:
		if ok {
			return errors.Errorf("consumer %q cancelled by the broker", tag)
		}
	default:
	}
	select {
	case reason, ok := <-s.connClosed:
		return closeReason("connection", reason, ok)
	default:
	}
	select {
	case reason, ok := <-s.chClosed:
		return closeReason("channel", reason, ok)
	default:
	}
	return errors.New("delivery channel closed")
}

func (s *Server) setup() (<-chan amqp.Delivery, error) {
	var (
		t          = s.topology
		queue      amqp.Queue
		deliveries <-chan amqp.Delivery
	)
	steps := []struct {
		state State
		run   func() error
	}{
		{Connecting, s.connect},
		{ChannelOpening, s.openChannel},
		{DeclaringExchange, func() error {
			return s.ch.ExchangeDeclare(t.Exchange, t.ExchangeType, false, false, false, false, nil)
		}},
		{DeclaringQueue, func() (err error) {
			queue, err = s.ch.QueueDeclare(t.Queue, false, false, false, false, nil)
			return err
		}},
		{BindingQueue, func() error {
			return s.ch.QueueBind(queue.Name, t.RoutingKey, t.Exchange, false, nil)
		}},
		{SettingQoS, func() error {
			return s.ch.Qos(s.opts.prefetch, 0, false)
		}},
		{Consuming, func() (err error) {
			deliveries, err = s.ch.Consume(queue.Name, s.tag, false, false, false, false, nil)
			s.consuming = err == nil
			return err
		}},
	}
	for _, step := range steps {
		if s.dying() {
			return nil, tomb.ErrDying
		}
		if err := s.transition(step.state); err != nil {
			return nil, err
		}
		if err := step.run(); err != nil {
			return nil, errors.Annotate(err, step.state.String())
		}
	}
	return deliveries, nil
}

func (s *Server) connect() error {
	s.opts.logger.Infof("connecting to %s", transport.Redact(s.opts.url))
	conn, err := s.opts.dial(s.opts.url)
	if err != nil {
		return errors.Trace(err)
	}
	s.conn = conn
	s.connClosed = conn.NotifyClose(make(chan *amqp.Error, 1))
	return nil
}

func (s *Server) openChannel() error {
	ch, err := s.conn.Channel()
	if err != nil {
		return errors.Trace(err)
	}
	s.ch = ch
	s.chClosed = ch.NotifyClose(make(chan *amqp.Error, 1))
	s.cancelled = ch.NotifyCancel(make(chan string, 1))
	return nil
}

// lost tears the connection down after a broker failure and marks the
// server for reconnection.
func (s *Server) lost(cause error) error {
	if s.dying() || errors.Is(cause, tomb.ErrDying) {
		return s.shutdown()
	}
	s.opts.logger.Warningf("lost %s: %v", transport.Redact(s.opts.url), cause)
	s.mu.Lock()
	s.reconnect = true
	s.mu.Unlock()
	s.teardown()
	return cause
}

func (s *Server) shutdown() error {
	s.opts.logger.Infof("stopping consumer %q", s.tag)
	s.teardown()
	return tomb.ErrDying
}

func (s *Server) teardown() {
	if s.State() == Disconnected {
		_ = s.transition(Closed)
		return
	}
	if err := s.transition(Closing); err != nil {
		s.opts.logger.Errorf("%v", err)
	}
	if s.ch != nil {
		if s.consuming {
			logClose(s.opts.logger, "consumer", s.ch.Cancel(s.tag, false))
		}
		logClose(s.opts.logger, "channel", s.ch.Close())
	}
	if s.conn != nil {
		logClose(s.opts.logger, "connection", s.conn.Close())
	}
	if err := s.transition(Closed); err != nil {
		s.opts.logger.Errorf("%v", err)
	}
}

// handle acknowledges a delivery before running its handler, then
// publishes the response to the caller's reply queue.
func (s *Server) handle(ctx context.Context, d amqp.Delivery) {
	name, _ := headerString(d.Headers, HeaderFaaSName)
	s.opts.logger.Infof("received message for FaaS %q [delivery_tag=#%d | corr_id=%q | app_id=%q]",
		name, d.DeliveryTag, d.CorrelationId, d.AppId)
	if err := s.ch.Ack(d.DeliveryTag, false); err != nil {
		s.opts.logger.Warningf("cannot acknowledge message #%d: %v", d.DeliveryTag, err)
	}

	start := s.opts.clock.Now()
	resp := s.dispatcher.Dispatch(ctx, Metadata{
		AppID:         d.AppId,
		CorrelationID: d.CorrelationId,
		Headers:       d.Headers,
	}, d.Body)
	if !s.dispatcher.has(name) {
		name = ""
	}
	s.opts.metrics.observeRequest(name, resp.Status, since(s.opts.clock, start))

	if d.ReplyTo == "" {
		s.opts.logger.Debugf("message #%d has no reply-to, dropping response %d", d.DeliveryTag, resp.Status)
		return
	}
	err := s.ch.Publish(transport.DefaultExchange, d.ReplyTo, false, false, amqp.Publishing{
		ContentType:     resp.ContentType,
		ContentEncoding: resp.Encoding,
		Headers:         resp.Headers,
		CorrelationId:   d.CorrelationId,
		Body:            resp.Body,
	})
	if err != nil {
		s.opts.logger.Errorf("cannot publish reply to %q: %v", d.ReplyTo, err)
		return
	}
	s.opts.logger.Debugf("reply %d published with routing key %q", resp.Status, d.ReplyTo)
}

func closeReason(what string, reason *amqp.Error, ok bool) error {
	if !ok || reason == nil {
		return errors.Errorf("%s closed", what)
	}
	return errors.Errorf("%s closed: %v", what, reason)
}

func logClose(logger Logger, what string, err error) {
	if err != nil && err != amqp.ErrClosed {
		logger.Debugf("closing %s: %v", what, err)
	}
}
