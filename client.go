package rpc

import (
	"context"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/streadway/amqp"
	"gopkg.in/tomb.v2"

	"github.com/RidgeA/faas-rpc/codec"
	"github.com/RidgeA/faas-rpc/config"
	"github.com/RidgeA/faas-rpc/transport"
)

const unknownAppID = "Unknown"

type (
	ClientOptionsFunc func(*Client)

	// Client publishes requests and matches replies arriving on its reply
	// queue by correlation id. It is safe for concurrent use.
	Client struct {
		tomb       tomb.Tomb
		ch         transport.Channel
		topology   config.Topology
		appID      string
		consumer   string
		queue      string
		tag        string
		timeout    time.Duration
		singleShot bool
		clock      clock.Clock
		logger     Logger
		metrics    *Collector

		mu        sync.Mutex
		listeners map[string]chan amqp.Delivery
		spent     bool
	}
)

// WithCallTimeout bounds the wait for each reply. Zero leaves the wait to
// the caller's context.
func WithCallTimeout(d time.Duration) ClientOptionsFunc {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithSingleShot makes the client serve one call: the reply queue is
// deleted once the first reply arrives.
func WithSingleShot() ClientOptionsFunc {
	return func(c *Client) {
		c.singleShot = true
	}
}

// WithAppID sets the caller identity sent with requests that carry none.
func WithAppID(id string) ClientOptionsFunc {
	return func(c *Client) {
		if id != "" {
			c.appID = id
		}
	}
}

// WithResponseConsumer names the reply queue after consumer instead of
// letting the broker pick a name.
func WithResponseConsumer(consumer string) ClientOptionsFunc {
	return func(c *Client) {
		c.consumer = consumer
	}
}

func WithClientLogger(l Logger) ClientOptionsFunc {
	return func(c *Client) {
		c.logger = l
	}
}

func WithClientMetrics(m *Collector) ClientOptionsFunc {
	return func(c *Client) {
		c.metrics = m
	}
}

func WithClientClock(clk clock.Clock) ClientOptionsFunc {
	return func(c *Client) {
		c.clock = clk
	}
}

// NewClient opens a channel on conn and starts consuming an exclusive
// reply queue. Requests go to topology's exchange and routing key.
func NewClient(conn transport.Connection, topology config.Topology, opts ...ClientOptionsFunc) (*Client, error) {
	c := &Client{
		topology:  topology,
		appID:     unknownAppID,
		tag:       "faasrpc-reply-" + uuid.NewString(),
		clock:     clock.WallClock,
		logger:    clientLogger,
		listeners: make(map[string]chan amqp.Delivery),
	}
	for _, setter := range opts {
		setter(c)
	}
	if conn == nil {
		return nil, errors.NotValidf("nil connection")
	}
	if c.timeout < 0 {
		return nil, errors.NotValidf("call timeout %s", c.timeout)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, errors.Annotate(err, "opening reply channel")
	}
	deliveries, closed, err := c.consume(ch)
	if err != nil {
		logClose(c.logger, "reply channel", ch.Close())
		return nil, errors.Trace(err)
	}
	c.ch = ch
	c.tomb.Go(func() error {
		return c.loop(deliveries, closed)
	})
	return c, nil
}

func (c *Client) consume(ch transport.Channel) (<-chan amqp.Delivery, chan *amqp.Error, error) {
	q, err := ch.QueueDeclare(transport.ReplyQueueName(c.consumer, instanceID()), false, true, true, false, nil)
	if err != nil {
		return nil, nil, errors.Annotate(err, "declaring reply queue")
	}
	c.queue = q.Name
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	deliveries, err := ch.Consume(q.Name, c.tag, true, true, false, false, nil)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "consuming reply queue %q", q.Name)
	}
	c.logger.Debugf("consuming replies on %q", q.Name)
	return deliveries, closed, nil
}

// instanceID follows the name.pid.host convention, with a random suffix
// so that clients within one process do not share a queue.
func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown.host"
	}
	return strconv.Itoa(os.Getpid()) + "." + host + "." + uuid.NewString()[:8]
}

// ReplyQueue is the name of the queue replies arrive on.
func (c *Client) ReplyQueue() string {
	return c.queue
}

// Pending is the number of calls waiting for a reply.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.listeners)
}

// Call serializes object with s and publishes it for faasName.
func (c *Client) Call(ctx context.Context, faasName string, s codec.Serializer, object interface{}) (*Response, error) {
	req, err := PrepareRequest(faasName, codec.NewPipeline(s), object)
	if err != nil {
		return nil, err
	}
	return c.Publish(ctx, req)
}

// PrepareRequest builds a finalized request for faasName. Serialization
// failures are returned as *codec.SerializationError.
func PrepareRequest(faasName string, p codec.Pipeline, object interface{}) (*Request, error) {
	if faasName == "" {
		return nil, errors.NotValidf("empty FaaS name")
	}
	body, err := p.Marshal(object)
	if err != nil {
		return nil, err
	}
	req := NewRequest(object)
	req.Finalize(body, p.TextEncoding(), p.Serializer.ContentType(), amqp.Table{
		HeaderFaaSName: faasName,
	})
	return req, nil
}

// Publish sends a finalized request and waits for its reply.
func (c *Client) Publish(ctx context.Context, req *Request) (*Response, error) {
	if !req.Finalized() {
		return nil, errors.NotValidf("request without body")
	}
	name, _ := req.Header(HeaderFaaSName)
	id := uuid.NewString()
	listener, err := c.addListener(id)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer c.removeListener(id)

	appID := req.AppID
	if appID == "" {
		appID = c.appID
	}
	c.logger.Debugf("calling %q, reply to: %s, correlation id: %s", name, c.queue, id)
	err = c.ch.Publish(c.topology.Exchange, c.topology.RoutingKey, false, false, amqp.Publishing{
		ContentType:     req.ContentType,
		ContentEncoding: req.Encoding,
		Headers:         req.Headers,
		DeliveryMode:    amqp.Persistent,
		CorrelationId:   id,
		ReplyTo:         c.queue,
		AppId:           appID,
		Body:            req.Body,
	})
	if err != nil {
		c.metrics.observeCall(name, "error")
		return nil, errors.Annotatef(err, "publishing request for %q", name)
	}

	resp, err := c.wait(ctx, id, listener)
	if err != nil {
		c.metrics.observeCall(name, "error")
		return nil, err
	}
	c.metrics.observeCall(name, strconv.Itoa(resp.Status))
	return resp, nil
}

func (c *Client) wait(ctx context.Context, id string, listener <-chan amqp.Delivery) (*Response, error) {
	var timeout <-chan time.Time
	if c.timeout > 0 {
		timeout = c.clock.After(c.timeout)
	}
	select {
	case d := <-listener:
		return decodeResponse(d)
	case <-ctx.Done():
		return nil, errors.Annotatef(ctx.Err(), "waiting for reply %s", id)
	case <-timeout:
		return nil, errors.Timeoutf("reply %s after %s", id, c.timeout)
	case <-c.tomb.Dead():
		// The reply may have been routed just before a single-shot
		// client stopped.
		select {
		case d := <-listener:
			return decodeResponse(d)
		default:
		}
		err := c.tomb.Err()
		if err == nil {
			err = errors.New("client closed")
		}
		return nil, errors.Annotatef(err, "waiting for reply %s", id)
	}
}

func (c *Client) loop(deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) error {
	for {
		select {
		case <-c.tomb.Dying():
			return tomb.ErrDying
		case reason, ok := <-closed:
			return closeReason("reply channel", reason, ok)
		case d, ok := <-deliveries:
			if !ok {
				if c.isSpent() {
					return nil
				}
				return errors.New("reply consumer stopped")
			}
			if c.dispatchResponse(d) && c.singleShot {
				c.finish()
				return nil
			}
		}
	}
}

func (c *Client) dispatchResponse(d amqp.Delivery) bool {
	id := d.CorrelationId
	c.mu.Lock()
	listener, exists := c.listeners[id]
	if exists {
		delete(c.listeners, id)
	}
	c.mu.Unlock()
	if !exists {
		c.logger.Debugf("discarding reply with unknown correlation id %q", id)
		return false
	}
	c.logger.Debugf("dispatching reply, correlation id: %s", id)
	listener <- d
	return true
}

// finish deletes the reply queue of a single-shot client.
func (c *Client) finish() {
	c.mu.Lock()
	c.spent = true
	c.mu.Unlock()
	if _, err := c.ch.QueueDelete(c.queue, false, false, false); err != nil {
		c.logger.Debugf("deleting reply queue %q: %v", c.queue, err)
	}
}

func (c *Client) isSpent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.spent
}

func (c *Client) addListener(id string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.spent || (c.singleShot && len(c.listeners) > 0) {
		return nil, errors.NotValidf("second call on a single-shot client")
	}
	select {
	case <-c.tomb.Dead():
		return nil, errors.New("client closed")
	default:
	}
	listener := make(chan amqp.Delivery, 1)
	c.listeners[id] = listener
	return listener, nil
}

func (c *Client) removeListener(id string) {
	c.mu.Lock()
	delete(c.listeners, id)
	c.mu.Unlock()
}

// Close stops the reply consumer, deletes the reply queue and closes the
// channel. It may be called more than once.
func (c *Client) Close() error {
	c.tomb.Kill(nil)
	if err := c.tomb.Wait(); err != nil {
		c.logger.Debugf("reply consumer stopped with: %v", err)
	}
	logClose(c.logger, "reply consumer", c.ch.Cancel(c.tag, false))
	if _, err := c.ch.QueueDelete(c.queue, false, false, false); err != nil {
		logClose(c.logger, "reply queue", err)
	}
	if err := c.ch.Close(); err != nil && err != amqp.ErrClosed {
		return errors.Trace(err)
	}
	return nil
}

// decodeResponse rebuilds a Response from a reply using the serializer
// named in its headers. Error statuses always carry text.
func decodeResponse(d amqp.Delivery) (*Response, error) {
	fail := func(err error) (*Response, error) {
		return nil, &ResponseDecodingError{CorrelationID: d.CorrelationId, Cause: err}
	}
	status, err := headerInt(d.Headers, HeaderStatus)
	if err != nil {
		return fail(err)
	}
	name, ok := headerString(d.Headers, HeaderSerializer)
	if !ok {
		return fail(errors.NotFoundf("%s header", HeaderSerializer))
	}
	s, err := codec.Lookup(name)
	if err != nil {
		return fail(err)
	}

	resp := &Response{Status: status}
	resp.Finalize(d.Body, d.ContentEncoding, d.ContentType, d.Headers)
	p := codec.NewPipeline(s)
	if IsError(status) {
		p = codec.NewPipeline(codec.Text)
	}
	if d.ContentEncoding != "" && !codec.IsBinary(p.Serializer) {
		p.Encoding = d.ContentEncoding
	}
	object, raw, err := p.Unmarshal(d.Body)
	if err != nil {
		return fail(err)
	}
	resp.Raw = raw
	if IsError(status) {
		resp.ErrorMessage, _ = object.(string)
		return resp, nil
	}
	resp.Object = object
	return resp, nil
}
