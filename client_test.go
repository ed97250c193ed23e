package rpc_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/worker/v4/workertest"
	"github.com/streadway/amqp"
	gc "gopkg.in/check.v1"

	rpc "github.com/RidgeA/faas-rpc"
	"github.com/RidgeA/faas-rpc/codec"
	"github.com/RidgeA/faas-rpc/example/foobar"
	"github.com/RidgeA/faas-rpc/transport"
	"github.com/RidgeA/faas-rpc/transport/inmemory"
)

type clientSuite struct {
	broker *inmemory.Broker
	conn   transport.Connection
}

var _ = gc.Suite(&clientSuite{})

func (s *clientSuite) SetUpTest(c *gc.C) {
	s.broker = inmemory.New()
	var err error
	s.conn, err = s.broker.Dial(testURL)
	c.Assert(err, jc.ErrorIsNil)
}

// declareExchange leaves the exchange without bindings so requests are
// dropped.
func (s *clientSuite) declareExchange(c *gc.C) {
	ch, err := s.conn.Channel()
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ch.ExchangeDeclare(testTopology.Exchange, transport.ExchangeDirect, false, false, false, false, nil), jc.ErrorIsNil)
	c.Assert(ch.Close(), jc.ErrorIsNil)
}

func (s *clientSuite) startServer(c *gc.C) *rpc.Server {
	d := rpc.NewDispatcher()
	c.Assert(foobar.Register(d), jc.ErrorIsNil)
	srv, err := rpc.NewServer(d, testTopology, rpc.SetDialer(s.broker.Dial))
	c.Assert(err, jc.ErrorIsNil)
	waitFor(c, "server to consume", func() bool { return srv.State() == rpc.Consuming })
	return srv
}

func (s *clientSuite) TestReplyQueue(c *gc.C) {
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(client.ReplyQueue(), gc.Matches, "amq.gen-.*")
	info, ok := s.broker.Queue(client.ReplyQueue())
	c.Assert(ok, jc.IsTrue)
	c.Check(info.Consumers, gc.Equals, 1)

	c.Assert(client.Close(), jc.ErrorIsNil)
	_, ok = s.broker.Queue(client.ReplyQueue())
	c.Check(ok, jc.IsFalse)
	c.Assert(client.Close(), jc.ErrorIsNil)
}

func (s *clientSuite) TestNamedReplyQueue(c *gc.C) {
	client, err := rpc.NewClient(s.conn, producerTopology, rpc.WithResponseConsumer("sum"))
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()
	c.Check(client.ReplyQueue(), gc.Matches, `sum\.reply\..*`)
}

func (s *clientSuite) TestSerializationFailurePublishesNothing(c *gc.C) {
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	_, err = client.Call(context.Background(), foobar.CountName, codec.Text, "mañana mañana")
	var serErr *codec.SerializationError
	c.Assert(errors.As(err, &serErr), jc.IsTrue)
	var encErr *codec.ContentEncodingError
	c.Check(errors.As(err, &encErr), jc.IsTrue)
	c.Check(s.broker.Published(), gc.Equals, 0)
	c.Check(client.Pending(), gc.Equals, 0)
}

func (s *clientSuite) TestPublishRequiresFinalizedRequest(c *gc.C) {
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	_, err = client.Publish(context.Background(), rpc.NewRequest("unencoded"))
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *clientSuite) TestTimeout(c *gc.C) {
	s.declareExchange(c)
	clk := testclock.NewClock(time.Now())
	client, err := rpc.NewClient(s.conn, producerTopology, rpc.WithCallTimeout(5*time.Second), rpc.WithClientClock(clk))
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	result := make(chan error, 1)
	go func() {
		_, err := foobar.CallCount(context.Background(), client, "")
		result <- err
	}()
	c.Assert(clk.WaitAdvance(5*time.Second, longWait, 1), jc.ErrorIsNil)

	select {
	case err := <-result:
		c.Check(err, jc.Satisfies, errors.IsTimeout)
	case <-time.After(longWait):
		c.Fatalf("call did not time out")
	}
	c.Check(client.Pending(), gc.Equals, 0)
}

func (s *clientSuite) TestContextCancelled(c *gc.C) {
	s.declareExchange(c)
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := foobar.CallCount(ctx, client, "")
		result <- err
	}()
	waitFor(c, "call to be pending", func() bool { return client.Pending() == 1 })
	cancel()

	select {
	case err := <-result:
		c.Check(errors.Is(err, context.Canceled), jc.IsTrue)
	case <-time.After(longWait):
		c.Fatalf("call was not cancelled")
	}
	c.Check(client.Pending(), gc.Equals, 0)
}

func (s *clientSuite) TestConcurrentCalls(c *gc.C) {
	srv := s.startServer(c)
	defer workertest.CleanKill(c, srv)
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := foobar.CallSum(context.Background(), client, map[string]interface{}{"foo": i, "bar": 100})
			errs[i] = err
			if err == nil {
				results[i] = resp.Object
			}
		}(i)
	}
	wg.Wait()
	for i := 0; i < 10; i++ {
		c.Assert(errs[i], jc.ErrorIsNil)
		c.Check(results[i], jc.DeepEquals, map[string]interface{}{"result": float64(i + 100)}, gc.Commentf("call %d", i))
	}
}

func (s *clientSuite) TestUnknownCorrelationIDDiscarded(c *gc.C) {
	srv := s.startServer(c)
	defer workertest.CleanKill(c, srv)
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	err = s.broker.Publish(transport.DefaultExchange, client.ReplyQueue(), amqp.Publishing{
		CorrelationId: "stray",
		Headers:       amqp.Table{rpc.HeaderStatus: "200", rpc.HeaderSerializer: "TextSerializer"},
		Body:          codec.Base64.Frame([]byte("stray")),
	})
	c.Assert(err, jc.ErrorIsNil)

	resp, err := foobar.CallSum(context.Background(), client, map[string]interface{}{"foo": 1, "bar": 1})
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.Object, jc.DeepEquals, map[string]interface{}{"result": 2.0})
}

func (s *clientSuite) TestSingleShot(c *gc.C) {
	srv := s.startServer(c)
	defer workertest.CleanKill(c, srv)
	client, err := rpc.NewClient(s.conn, producerTopology, rpc.WithSingleShot())
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	resp, err := foobar.CallCount(context.Background(), client, "")
	c.Assert(err, jc.ErrorIsNil)
	c.Check(resp.Object, gc.Equals, "2")

	waitFor(c, "reply queue deletion", func() bool {
		_, ok := s.broker.Queue(client.ReplyQueue())
		return !ok
	})
	_, err = foobar.CallCount(context.Background(), client, "")
	c.Check(err, jc.Satisfies, errors.IsNotValid)
}

func (s *clientSuite) TestReplyConsumerLost(c *gc.C) {
	s.declareExchange(c)
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	result := make(chan error, 1)
	go func() {
		_, err := foobar.CallCount(context.Background(), client, "")
		result <- err
	}()
	waitFor(c, "call to be pending", func() bool { return client.Pending() == 1 })
	s.broker.Disconnect()

	select {
	case err := <-result:
		c.Check(err, gc.ErrorMatches, "waiting for reply .*: .*closed.*")
	case <-time.After(longWait):
		c.Fatalf("call did not fail")
	}
}

// fakeReplies answers each request routed to the topology with the next
// of headers and body.
func (s *clientSuite) fakeReplies(c *gc.C, headers []amqp.Table, body []byte) {
	ch, err := s.conn.Channel()
	c.Assert(err, jc.ErrorIsNil)
	_, err = ch.QueueDeclare("fake", false, false, false, false, nil)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(ch.QueueBind("fake", testTopology.RoutingKey, testTopology.Exchange, false, nil), jc.ErrorIsNil)
	deliveries, err := ch.Consume("fake", "", true, false, false, false, nil)
	c.Assert(err, jc.ErrorIsNil)
	go func() {
		for _, h := range headers {
			d, ok := <-deliveries
			if !ok {
				return
			}
			_ = ch.Publish(transport.DefaultExchange, d.ReplyTo, false, false, amqp.Publishing{
				CorrelationId: d.CorrelationId,
				Headers:       h,
				Body:          body,
			})
		}
	}()
}

func (s *clientSuite) TestDecodeRejectsUnknownSerializer(c *gc.C) {
	s.declareExchange(c)
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	// Answer whatever request arrives with a reply no serializer claims.
	s.fakeReplies(c, []amqp.Table{
		{rpc.HeaderStatus: "200", rpc.HeaderSerializer: "YamlSerializer"},
	}, codec.Base64.Frame([]byte("a: b")))

	_, err = foobar.CallCount(context.Background(), client, "")
	var decErr *rpc.ResponseDecodingError
	c.Assert(errors.As(err, &decErr), jc.IsTrue)
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	c.Check(fmt.Sprint(err), gc.Matches, `ResponseDecodingError: .*YamlSerializer.*`)
}

func (s *clientSuite) TestDecodeRejectsBadStatusHeader(c *gc.C) {
	s.declareExchange(c)
	client, err := rpc.NewClient(s.conn, producerTopology)
	c.Assert(err, jc.ErrorIsNil)
	defer client.Close()

	s.fakeReplies(c, []amqp.Table{
		{rpc.HeaderSerializer: "TextSerializer"},
		{rpc.HeaderStatus: "two hundred", rpc.HeaderSerializer: "TextSerializer"},
	}, codec.Base64.Frame([]byte("ok")))

	_, err = foobar.CallCount(context.Background(), client, "")
	c.Check(err, jc.Satisfies, errors.IsNotFound)
	c.Check(fmt.Sprint(err), gc.Matches, `ResponseDecodingError: .*Response-Status header not found`)

	_, err = foobar.CallCount(context.Background(), client, "")
	c.Check(err, jc.Satisfies, errors.IsNotValid)
	c.Check(fmt.Sprint(err), gc.Matches, `ResponseDecodingError: .*Response-Status header "two hundred" not valid`)
}
