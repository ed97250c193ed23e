// In-memory implementation of the broker primitives just for testing purposes.
// Not meant to use in production

package inmemory

import (
	"fmt"
	"strings"
	"sync"

	"github.com/juju/errors"
	"github.com/streadway/amqp"

	"github.com/RidgeA/faas-rpc/transport"
)

type (
	// Broker is a single process AMQP 0-9-1 look-alike: exchanges, queues,
	// bindings, consumers, prefetch and acknowledgements.
	Broker struct {
		mu        sync.Mutex
		exchanges map[string]*exchange
		queues    map[string]*queue
		conns     map[*Connection]struct{}
		dialErr   error
		dials     int
		published int
		nextQueue int
	}

	Connection struct {
		broker   *Broker
		closed   bool
		channels map[*Channel]struct{}
		notify   []chan *amqp.Error
	}

	Channel struct {
		conn         *Connection
		closed       bool
		prefetch     int
		lastTag      uint64
		unacked      map[uint64]*unacked
		consumers    map[string]*consumer
		notifyClose  []chan *amqp.Error
		notifyCancel []chan string
	}

	exchange struct {
		name     string
		kind     string
		bindings []binding
	}

	binding struct {
		queue string
		key   string
	}

	queue struct {
		name       string
		exclusive  *Connection
		autoDelete bool
		messages   []message
		consumers  []*consumer
		next       int
	}

	message struct {
		exchange    string
		key         string
		publishing  amqp.Publishing
		redelivered bool
	}

	unacked struct {
		queue string
		msg   message
	}

	consumer struct {
		tag     string
		queue   *queue
		channel *Channel
		autoAck bool
		inbox   []amqp.Delivery
		out     chan amqp.Delivery
		wake    chan struct{}
		done    chan struct{}
	}

	// QueueInfo is a snapshot of a queue.
	QueueInfo struct {
		Name      string
		Messages  int
		Consumers int
	}
)

var (
	_ transport.Connection = (*Connection)(nil)
	_ transport.Channel    = (*Channel)(nil)
	_ amqp.Acknowledger    = (*Channel)(nil)
)

func New() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{},
		queues:    map[string]*queue{},
		conns:     map[*Connection]struct{}{},
	}
}

// Dial has the transport.Dialer signature; the url is ignored.
func (b *Broker) Dial(url string) (transport.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	conn := &Connection{broker: b, channels: map[*Channel]struct{}{}}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// SetDialError makes subsequent dials fail with err until reset with nil.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// Dials returns the number of dial attempts so far.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Published returns the number of messages accepted for routing.
func (b *Broker) Published() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published
}

// Queue reports the state of the named queue.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return QueueInfo{Name: q.name, Messages: len(q.messages), Consumers: len(q.consumers)}, true
}

// Exchange returns the kind of the named exchange.
func (b *Broker) Exchange(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Publish routes msg as if a client had published it.
func (b *Broker) Publish(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.route(exchange, key, msg)
}

// Disconnect forcibly closes every connection, as a broker restart would.
func (b *Broker) Disconnect() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for conn := range b.conns {
		conn.shutdown(&amqp.Error{
			Code:    amqp.ConnectionForced,
			Reason:  "CONNECTION_FORCED - broker forced connection closure with reason 'shutdown'",
			Server:  true,
			Recover: true,
		})
	}
}

// CancelConsumers cancels every consumer of the queue from the broker
// side, notifying NotifyCancel listeners.
func (b *Broker) CancelConsumers(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		for _, c := range append([]*consumer(nil), q.consumers...) {
			c.channel.removeConsumer(c, true)
		}
	}
}

func (b *Broker) route(exchangeName, key string, msg amqp.Publishing) error {
	var targets []string
	if exchangeName == transport.DefaultExchange {
		targets = []string{key}
	} else {
		ex, ok := b.exchanges[exchangeName]
		if !ok {
			return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchangeName), Server: true}
		}
		for _, bd := range ex.bindings {
			if matches(ex.kind, bd.key, key) {
				targets = append(targets, bd.queue)
			}
		}
	}
	b.published++
	seen := map[string]bool{}
	for _, name := range targets {
		q, ok := b.queues[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		q.messages = append(q.messages, message{exchange: exchangeName, key: key, publishing: msg})
		b.drain(q)
	}
	return nil
}

func matches(kind, bindingKey, routingKey string) bool {
	switch kind {
	case transport.ExchangeFanout:
		return true
	case transport.ExchangeTopic:
		return topicMatch(strings.Split(bindingKey, "."), strings.Split(routingKey, "."))
	}
	return bindingKey == routingKey
}

func topicMatch(pattern, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatch(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatch(pattern[1:], words[1:])
	}
	return len(words) > 0 && pattern[0] == words[0] && topicMatch(pattern[1:], words[1:])
}

// drain hands queued messages to consumers round-robin, honouring the
// prefetch limit of each consumer's channel.
func (b *Broker) drain(q *queue) {
	for len(q.messages) > 0 {
		c := q.nextConsumer()
		if c == nil {
			return
		}
		msg := q.messages[0]
		q.messages = q.messages[1:]
		c.deliver(msg)
	}
}

func (q *queue) nextConsumer() *consumer {
	for i := 0; i < len(q.consumers); i++ {
		c := q.consumers[(q.next+i)%len(q.consumers)]
		if c.autoAck || c.channel.prefetch == 0 || len(c.channel.unacked) < c.channel.prefetch {
			q.next = (q.next + i + 1) % len(q.consumers)
			return c
		}
	}
	return nil
}

func (c *consumer) deliver(msg message) {
	ch := c.channel
	ch.lastTag++
	if !c.autoAck {
		ch.unacked[ch.lastTag] = &unacked{queue: c.queue.name, msg: msg}
	}
	p := msg.publishing
	c.inbox = append(c.inbox, amqp.Delivery{
		Acknowledger:    ch,
		Headers:         p.Headers,
		ContentType:     p.ContentType,
		ContentEncoding: p.ContentEncoding,
		DeliveryMode:    p.DeliveryMode,
		Priority:        p.Priority,
		CorrelationId:   p.CorrelationId,
		ReplyTo:         p.ReplyTo,
		Expiration:      p.Expiration,
		MessageId:       p.MessageId,
		Timestamp:       p.Timestamp,
		Type:            p.Type,
		UserId:          p.UserId,
		AppId:           p.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     ch.lastTag,
		Redelivered:     msg.redelivered,
		Exchange:        msg.exchange,
		RoutingKey:      msg.key,
		Body:            p.Body,
	})
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *consumer) pump(mu *sync.Mutex) {
	defer close(c.out)
	for {
		mu.Lock()
		if len(c.inbox) == 0 {
			mu.Unlock()
			select {
			case <-c.wake:
				continue
			case <-c.done:
				return
			}
		}
		d := c.inbox[0]
		c.inbox = c.inbox[1:]
		mu.Unlock()
		select {
		case c.out <- d:
		case <-c.done:
			return
		}
	}
}

func (conn *Connection) Channel() (transport.Channel, error) {
	b := conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{
		conn:      conn,
		unacked:   map[uint64]*unacked{},
		consumers: map[string]*consumer{},
	}
	conn.channels[ch] = struct{}{}
	return ch, nil
}

func (conn *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn.closed {
		close(receiver)
		return receiver
	}
	conn.notify = append(conn.notify, receiver)
	return receiver
}

func (conn *Connection) IsClosed() bool {
	b := conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return conn.closed
}

// Close is a graceful, client initiated close.
func (conn *Connection) Close() error {
	b := conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if conn.closed {
		return amqp.ErrClosed
	}
	conn.shutdown(nil)
	return nil
}

func (conn *Connection) shutdown(reason *amqp.Error) {
	if conn.closed {
		return
	}
	conn.closed = true
	notifyAll(conn.notify, reason)
	for ch := range conn.channels {
		ch.shutdown(reason)
	}
	b := conn.broker
	for name, q := range b.queues {
		if q.exclusive == conn {
			delete(b.queues, name)
			b.unbindAll(name)
		}
	}
	delete(b.conns, conn)
	for _, n := range conn.notify {
		close(n)
	}
	conn.notify = nil
}

// notifyAll hands reason to listeners without blocking; a nil reason is
// a graceful close and is only signalled by closing the channels.
func notifyAll(listeners []chan *amqp.Error, reason *amqp.Error) {
	if reason == nil {
		return
	}
	for _, n := range listeners {
		select {
		case n <- reason:
		default:
		}
	}
}

func (b *Broker) unbindAll(queue string) {
	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != queue {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}
}

// fail closes the channel with a server error, as the broker does on a
// failed method. Must be called with the broker lock held.
func (ch *Channel) fail(code int, format string, args ...interface{}) error {
	err := &amqp.Error{Code: code, Reason: fmt.Sprintf(format, args...), Server: true}
	ch.shutdown(err)
	return err
}

func (ch *Channel) check() error {
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	if !transport.ValidExchangeKind(kind) {
		return ch.fail(amqp.CommandInvalid, "COMMAND_INVALID - unknown exchange type '%s'", kind)
	}
	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind {
			return ch.fail(amqp.PreconditionFailed,
				"PRECONDITION_FAILED - inequivalent arg 'type' for exchange '%s': received '%s' but current is '%s'",
				name, kind, ex.kind)
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind}
	return nil
}

func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		b.nextQueue++
		name = fmt.Sprintf("amq.gen-%d", b.nextQueue)
	}
	q, ok := b.queues[name]
	if ok {
		if q.exclusive != nil && q.exclusive != ch.conn {
			return amqp.Queue{}, ch.fail(amqp.ResourceLocked,
				"RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name)
		}
	} else {
		q = &queue{name: name, autoDelete: autoDelete}
		if exclusive {
			q.exclusive = ch.conn
		}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no exchange '%s'", exchangeName)
	}
	if _, ok := b.queues[name]; !ok {
		return ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s'", name)
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return 0, err
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	for _, c := range append([]*consumer(nil), q.consumers...) {
		c.channel.removeConsumer(c, c.channel != ch)
	}
	delete(b.queues, name)
	b.unbindAll(name)
	return len(q.messages), nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, ch.fail(amqp.NotFound, "NOT_FOUND - no queue '%s'", queueName)
	}
	if tag == "" {
		tag = fmt.Sprintf("ctag-%p-%d", ch, len(ch.consumers)+1)
	}
	if _, exists := ch.consumers[tag]; exists {
		return nil, ch.fail(amqp.NotAllowed, "NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag)
	}
	c := &consumer{
		tag:     tag,
		queue:   q,
		channel: ch,
		autoAck: autoAck,
		out:     make(chan amqp.Delivery),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	go c.pump(&b.mu)
	b.drain(q)
	return c.out, nil
}

func (ch *Channel) Publish(exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	if err := b.route(exchangeName, key, msg); err != nil {
		ch.shutdown(err.(*amqp.Error))
		return err
	}
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	if _, ok := ch.unacked[tag]; !ok {
		return ch.fail(amqp.PreconditionFailed, "PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}
	for t, u := range ch.unacked {
		if t == tag || (multiple && t < tag) {
			delete(ch.unacked, t)
			if q, ok := b.queues[u.queue]; ok {
				defer b.drain(q)
			}
		}
	}
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	for t, u := range ch.unacked {
		if t == tag || (multiple && t < tag) {
			delete(ch.unacked, t)
			if q, ok := b.queues[u.queue]; ok {
				if requeue {
					u.msg.redelivered = true
					q.messages = append([]message{u.msg}, q.messages...)
				}
				defer b.drain(q)
			}
		}
	}
	return nil
}

func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.check(); err != nil {
		return err
	}
	c, ok := ch.consumers[tag]
	if !ok {
		return errors.NotFoundf("consumer %q", tag)
	}
	ch.removeConsumer(c, false)
	return nil
}

// removeConsumer detaches c from its queue and closes its delivery
// channel. Server side cancellations are reported to NotifyCancel.
func (ch *Channel) removeConsumer(c *consumer, notify bool) {
	delete(ch.consumers, c.tag)
	q := c.queue
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if notify {
		for _, n := range ch.notifyCancel {
			select {
			case n <- c.tag:
			default:
			}
		}
	}
	close(c.done)
	b := ch.conn.broker
	if q.autoDelete && len(q.consumers) == 0 {
		if _, ok := b.queues[q.name]; ok {
			delete(b.queues, q.name)
			b.unbindAll(q.name)
		}
	}
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifyClose = append(ch.notifyClose, receiver)
	return receiver
}

func (ch *Channel) NotifyCancel(receiver chan string) chan string {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifyCancel = append(ch.notifyCancel, receiver)
	return receiver
}

func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.shutdown(nil)
	return nil
}

// shutdown requeues unacknowledged messages, stops consumers and
// notifies listeners. Must be called with the broker lock held.
func (ch *Channel) shutdown(reason *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	// Listeners hear the reason before consumers see their deliveries end.
	notifyAll(ch.notifyClose, reason)
	for _, c := range ch.consumers {
		ch.removeConsumer(c, false)
	}
	b := ch.conn.broker
	for tag, u := range ch.unacked {
		delete(ch.unacked, tag)
		if q, ok := b.queues[u.queue]; ok {
			u.msg.redelivered = true
			q.messages = append([]message{u.msg}, q.messages...)
			defer b.drain(q)
		}
	}
	delete(ch.conn.channels, ch)
	for _, n := range ch.notifyClose {
		close(n)
	}
	ch.notifyClose = nil
	for _, n := range ch.notifyCancel {
		close(n)
	}
	ch.notifyCancel = nil
}
