// Package config reads the .ini files describing how a consumer or a
// producer reaches the broker.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"

	"github.com/RidgeA/faas-rpc/transport"
)

const (
	// DefaultProducerEnvVar names the variable holding the producer
	// configuration path.
	DefaultProducerEnvVar = "PRODUCER_CONFIG_FILEPATH"
	// DefaultConsumerEnvVar names the variable holding the consumer
	// configuration path.
	DefaultConsumerEnvVar = "CONSUMER_CONFIG_FILEPATH"

	serverSection = "server"
	clientSection = "client"
)

type (
	// Topology is the exchange/queue/routing key triple a consumer binds
	// and a producer publishes to.
	Topology struct {
		Exchange     string
		ExchangeType string
		Queue        string
		RoutingKey   string
	}

	ServerOptions struct {
		PrefetchCount int
		// MaxWorkers is accepted for compatibility; handlers run on the
		// consuming goroutine.
		MaxWorkers int
	}

	ClientOptions struct {
		ResponseConsumer string
		// CallTimeout of zero leaves the deadline to the caller's context.
		CallTimeout time.Duration
	}

	Consumer struct {
		VerboseName string
		Root        string
		Connection  ConnectionParams
		Topology    Topology
		Options     ServerOptions
	}

	Producer struct {
		VerboseName           string
		Root                  string
		ProducerApplicationID string
		Connection            ConnectionParams
		Topology              Topology
		Options               ClientOptions
	}

	// ConsumerConfigurationError is returned when a consumer
	// configuration cannot be read.
	ConsumerConfigurationError struct {
		Path  string
		Cause error
	}
)

func (e *ConsumerConfigurationError) Error() string {
	return fmt.Sprintf("an error occurred while trying to read consumer configuration %q: %v", e.Path, e.Cause)
}

func (e *ConsumerConfigurationError) Unwrap() error {
	return e.Cause
}

// Validate checks the exchange kind.
func (t Topology) Validate() error {
	if t.Exchange == "" {
		return errors.NotValidf("empty exchange")
	}
	if !transport.ValidExchangeKind(t.ExchangeType) {
		return errors.NotValidf("exchange type %q", t.ExchangeType)
	}
	return nil
}

// LoadConsumer reads a consumer configuration file.
func LoadConsumer(path string) (*Consumer, error) {
	cfg, err := loadConsumer(path)
	if err != nil {
		return nil, &ConsumerConfigurationError{Path: path, Cause: err}
	}
	return cfg, nil
}

func loadConsumer(path string) (*Consumer, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, errors.Trace(err)
	}
	server := file.Section(serverSection)
	cfg := &Consumer{
		VerboseName: server.Key("verbose_name").String(),
		Root:        server.Key("root").String(),
		Topology:    readTopology(file.Section(serverSection + ".amqp_entities")),
	}
	if cfg.Connection, err = readConnection(file.Section(serverSection + ".connection")); err != nil {
		return nil, errors.Trace(err)
	}
	options := file.Section(serverSection + ".options")
	cfg.Options.PrefetchCount = options.Key("prefetch_count").MustInt(1)
	cfg.Options.MaxWorkers = options.Key("max_workers").MustInt(1)
	if cfg.Options.PrefetchCount < 0 {
		return nil, errors.NotValidf("prefetch_count %d", cfg.Options.PrefetchCount)
	}
	if err := cfg.Topology.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return cfg, nil
}

// LoadProducer reads a producer configuration file.
func LoadProducer(path string) (*Producer, error) {
	file, err := ini.Load(path)
	if err != nil {
		return nil, errors.Annotatef(err, "reading producer configuration %q", path)
	}
	client := file.Section(clientSection)
	cfg := &Producer{
		VerboseName:           client.Key("verbose_name").String(),
		Root:                  client.Key("root").String(),
		ProducerApplicationID: client.Key("producer_application_id").String(),
		Topology:              readTopology(file.Section(clientSection + ".amqp_entities")),
	}
	if cfg.Connection, err = readConnection(file.Section(clientSection + ".connection")); err != nil {
		return nil, errors.Annotatef(err, "producer configuration %q", path)
	}
	options := file.Section(clientSection + ".options")
	cfg.Options.ResponseConsumer = options.Key("response_consumer").String()
	if key := options.Key("call_timeout"); key.String() != "" {
		if cfg.Options.CallTimeout, err = key.Duration(); err != nil {
			return nil, errors.NotValidf("call_timeout %q", key.String())
		}
	}
	if cfg.Topology.Exchange == "" {
		return nil, errors.NotValidf("producer configuration %q without exchange", path)
	}
	return cfg, nil
}

// LoadProducerFromEnv reads the producer configuration whose path is
// held by the named environment variable.
func LoadProducerFromEnv(envVar string) (*Producer, error) {
	path, ok := os.LookupEnv(envVar)
	if !ok || path == "" {
		return nil, errors.NotFoundf("environment variable %s", envVar)
	}
	cfg, err := LoadProducer(path)
	return cfg, errors.Trace(err)
}

func readTopology(section *ini.Section) Topology {
	return Topology{
		Exchange:     section.Key("exchange").String(),
		ExchangeType: section.Key("exchange_type").MustString(transport.ExchangeDirect),
		Queue:        section.Key("queue").String(),
		RoutingKey:   section.Key("routing_key").String(),
	}
}

// readConnection accepts either discrete keys or a single "url" key.
func readConnection(section *ini.Section) (ConnectionParams, error) {
	if url := section.Key("url").String(); url != "" {
		return ParseURL(url)
	}
	params := ConnectionParams{
		Host:        section.Key("host").MustString("localhost"),
		Port:        section.Key("port").MustInt(defaultPort),
		User:        section.Key("user").MustString("guest"),
		Password:    section.Key("password").MustString("guest"),
		VirtualHost: section.Key("virtual_host").MustString("/"),
	}
	return params, errors.Trace(params.Validate())
}
