package transport

import (
	"github.com/juju/errors"
	"github.com/streadway/amqp"
)

type (
	// AMQPConnection adapts *amqp.Connection to Connection.
	AMQPConnection struct {
		conn *amqp.Connection
	}

	OptionsFunc func(config *amqp.Config)
)

var _ Channel = (*amqp.Channel)(nil)

// DefaultProperties are the client properties DialAMQP advertises.
var DefaultProperties = amqp.Table{
	"product":         "faas-rpc",
	"connection_name": "faas-rpc",
}

// DialAMQP connects to a RabbitMQ broker. It is the default Dialer.
func DialAMQP(url string) (Connection, error) {
	return DialAMQPConfig(url, SetProperties(DefaultProperties))
}

// DialAMQPConfig connects with the amqp.Config produced by the options.
func DialAMQPConfig(url string, options ...OptionsFunc) (Connection, error) {
	conn, err := amqp.DialConfig(url, NewConfig(options...))
	if err != nil {
		return nil, errors.Annotatef(err, "dialing %s", Redact(url))
	}
	return &AMQPConnection{conn: conn}, nil
}

// NewConfig returns the default client config with the options applied.
func NewConfig(options ...OptionsFunc) amqp.Config {
	config := amqp.Config{
		Heartbeat: defaultHeartbeat,
		Locale:    "en_US",
	}
	for _, f := range options {
		f(&config)
	}
	return config
}

// SetProperties merges client properties advertised to the broker.
func SetProperties(props amqp.Table) OptionsFunc {
	return func(config *amqp.Config) {
		if config.Properties == nil {
			config.Properties = amqp.Table{}
		}
		for k, v := range props {
			config.Properties[k] = v
		}
	}
}

func (c *AMQPConnection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ch, nil
}

func (c *AMQPConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *AMQPConnection) IsClosed() bool {
	return c.conn.IsClosed()
}

// Close treats an already closed connection as success.
func (c *AMQPConnection) Close() error {
	err := c.conn.Close()
	if err == amqp.ErrClosed {
		return nil
	}
	return err
}
