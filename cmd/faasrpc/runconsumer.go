package main

import (
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/cmd/v3"
	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	rpc "github.com/RidgeA/faas-rpc"
	"github.com/RidgeA/faas-rpc/config"
	"github.com/RidgeA/faas-rpc/example/foobar"
	"github.com/RidgeA/faas-rpc/transport"
)

var runConsumerDoc = `
Runs a consumer for the foobar functions, reconnecting whenever the
broker goes away, until interrupted.

The configuration file is taken from --config or from the
CONSUMER_CONFIG_FILEPATH environment variable.
`

type runConsumerCommand struct {
	cmd.CommandBase
	configPath  string
	metricsAddr string

	dial      transport.Dialer
	register  func(*rpc.Dispatcher) error
	interrupt func() (<-chan os.Signal, func())
	started   func(*rpc.ReconnectServer)
}

func newRunConsumerCommand() *runConsumerCommand {
	return &runConsumerCommand{
		dial:      transport.DialAMQP,
		register:  foobar.Register,
		interrupt: notifyInterrupt,
	}
}

func notifyInterrupt() (<-chan os.Signal, func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch, func() { signal.Stop(ch) }
}

// Info implements cmd.Command.
func (c *runConsumerCommand) Info() *cmd.Info {
	return &cmd.Info{
		Name:    "runconsumer",
		Purpose: "run an RPC consumer",
		Doc:     runConsumerDoc,
	}
}

// SetFlags implements cmd.Command.
func (c *runConsumerCommand) SetFlags(f *gnuflag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "consumer .ini file")
	f.StringVar(&c.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
}

// Init implements cmd.Command.
func (c *runConsumerCommand) Init(args []string) error {
	if c.configPath == "" {
		c.configPath = os.Getenv(config.DefaultConsumerEnvVar)
	}
	if c.configPath == "" {
		return errors.Errorf("the .ini configuration file has not been provided: "+
			"set %s or use --config", config.DefaultConsumerEnvVar)
	}
	return cmd.CheckEmpty(args)
}

// Run implements cmd.Command.
func (c *runConsumerCommand) Run(ctx *cmd.Context) error {
	cfg, err := config.LoadConsumer(ctx.AbsPath(c.configPath))
	if err != nil {
		return err
	}
	d := rpc.NewDispatcher()
	if err := c.register(d); err != nil {
		return errors.Trace(err)
	}

	opts := []rpc.OptionsFunc{
		rpc.SetURL(cfg.Connection.URL()),
		rpc.SetDialer(c.dial),
		rpc.SetPrefetchCount(cfg.Options.PrefetchCount),
	}
	if c.metricsAddr != "" {
		collector := rpc.NewMetricsCollector()
		stop, err := serveMetrics(c.metricsAddr, collector)
		if err != nil {
			return errors.Trace(err)
		}
		defer stop()
		opts = append(opts, rpc.SetMetrics(collector))
	}

	server, err := rpc.NewReconnectServer(d, cfg.Topology, opts...)
	if err != nil {
		return errors.Trace(err)
	}
	logger.Infof("running %s", cfg.VerboseName)
	for _, name := range d.Names() {
		logger.Infof("registered FaaS: %s", name)
	}
	if c.started != nil {
		c.started(server)
	}

	signals, stopSignals := c.interrupt()
	defer stopSignals()
	done := make(chan error, 1)
	go func() {
		done <- server.Wait()
	}()
	select {
	case sig := <-signals:
		ctx.Infof("received %v, stopping", sig)
		server.Kill()
		return errors.Trace(<-done)
	case err := <-done:
		return errors.Trace(err)
	}
}

func serveMetrics(addr string, collector prometheus.Collector) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, errors.Trace(err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server: %v", err)
		}
	}()
	logger.Infof("serving metrics on %s", addr)
	return func() { _ = srv.Close() }, nil
}
