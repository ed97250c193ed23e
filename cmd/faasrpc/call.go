package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"

	rpc "github.com/RidgeA/faas-rpc"
	"github.com/RidgeA/faas-rpc/codec"
	"github.com/RidgeA/faas-rpc/config"
	"github.com/RidgeA/faas-rpc/transport"
)

var callDoc = `
Publishes one request and prints the response.

The message is sent as text by default. With --serializer JsonSerializer
it must be a JSON document.

Examples:
    faasrpc call foobar_count "foo, bar and more foo"
    faasrpc call foobar_sum '{"foo": 2, "bar": 3}' --serializer JsonSerializer
`

type callCommand struct {
	cmd.CommandBase
	out        cmd.Output
	configPath string
	serializer string
	timeout    time.Duration
	faasName   string
	message    string

	dial transport.Dialer
}

type callResult struct {
	Status int         `yaml:"status" json:"status"`
	Object interface{} `yaml:"object,omitempty" json:"object,omitempty"`
	Error  string      `yaml:"error,omitempty" json:"error,omitempty"`
}

func newCallCommand() *callCommand {
	return &callCommand{dial: transport.DialAMQP}
}

// Info implements cmd.Command.
func (c *callCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "call",
		Args:    "<faas> <message>",
		Purpose: "call a function once",
		Doc:     callDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *callCommand) SetFlags(f *gnuflag.FlagSet) {
	c.out.AddFlags(f, "yaml", map[string]cmd.Formatter{
		"yaml": cmd.FormatYaml,
		"json": cmd.FormatJson,
	})
	f.StringVar(&c.configPath, "config", "", "producer .ini file")
	f.StringVar(&c.serializer, "serializer", codec.Text.Name(), "request serializer")
	f.DurationVar(&c.timeout, "timeout", 0, "reply timeout, overriding the configuration")
}

// Init implements cmd.Command.
func (c *callCommand) Init(args []string) error {
	if len(args) < 2 {
		return errors.New("expected a FaaS name and a message")
	}
	c.faasName, c.message = args[0], args[1]
	if c.configPath == "" {
		c.configPath = os.Getenv(config.DefaultProducerEnvVar)
	}
	if c.configPath == "" {
		return errors.Errorf("no producer configuration: set %s or use --config", config.DefaultProducerEnvVar)
	}
	if c.timeout < 0 {
		return errors.NotValidf("timeout %s", c.timeout)
	}
	return cmd.CheckEmpty(args[2:])
}

// Run implements cmd.Command.
func (c *callCommand) Run(ctx *cmd.Context) error {
	s, err := codec.Lookup(c.serializer)
	if err != nil {
		return errors.Trace(err)
	}
	object, err := c.object(s)
	if err != nil {
		return errors.Trace(err)
	}
	cfg, err := config.LoadProducer(ctx.AbsPath(c.configPath))
	if err != nil {
		return errors.Trace(err)
	}
	conn, err := c.dial(cfg.Connection.URL())
	if err != nil {
		return errors.Annotatef(err, "connecting to %s", cfg.Connection.Redacted())
	}
	defer conn.Close()

	timeout := cfg.Options.CallTimeout
	if c.timeout > 0 {
		timeout = c.timeout
	}
	client, err := rpc.NewClient(conn, cfg.Topology,
		rpc.WithSingleShot(),
		rpc.WithAppID(cfg.ProducerApplicationID),
		rpc.WithResponseConsumer(cfg.Options.ResponseConsumer),
		rpc.WithCallTimeout(timeout),
	)
	if err != nil {
		return errors.Trace(err)
	}
	defer client.Close()

	resp, err := client.Call(context.Background(), c.faasName, s, object)
	if err != nil {
		return errors.Trace(err)
	}
	return c.out.Write(ctx, callResult{
		Status: resp.Status,
		Object: resp.Object,
		Error:  resp.ErrorMessage,
	})
}

func (c *callCommand) object(s codec.Serializer) (interface{}, error) {
	if s != codec.JSON {
		return c.message, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(c.message), &v); err != nil {
		return nil, errors.NotValidf("JSON message %q", c.message)
	}
	return v, nil
}
