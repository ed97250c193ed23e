package config

import (
	_ "embed"
	"os"
	"path/filepath"
	"strconv"

	"github.com/juju/errors"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type (
	// Defaults are the values written by createconfig.
	Defaults struct {
		Consumer ConsumerDefaults `yaml:"consumer"`
		Producer ProducerDefaults `yaml:"producer"`
	}

	ConsumerDefaults struct {
		Entities struct {
			Exchange     string `yaml:"exchange"`
			ExchangeType string `yaml:"exchange_type"`
			Queue        string `yaml:"queue"`
			RoutingKey   string `yaml:"routing_key"`
		} `yaml:"amqp_entities"`
		Options struct {
			PrefetchCount int `yaml:"prefetch_count"`
			MaxWorkers    int `yaml:"max_workers"`
		} `yaml:"options"`
	}

	ProducerDefaults struct {
		ApplicationID string `yaml:"producer_application_id"`
		Entities      struct {
			Exchange   string `yaml:"exchange"`
			RoutingKey string `yaml:"routing_key"`
		} `yaml:"amqp_entities"`
		Options struct {
			ResponseConsumer string `yaml:"response_consumer"`
			CallTimeout      string `yaml:"call_timeout"`
		} `yaml:"options"`
	}
)

// ReadDefaults parses the embedded defaults.
func ReadDefaults() (Defaults, error) {
	var d Defaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		return Defaults{}, errors.Annotate(err, "parsing config defaults")
	}
	return d, nil
}

// WriteConsumer writes <dir>/<name>.ini for a consumer. The connection
// section is only written when url is set.
func WriteConsumer(dir, name, url string, d Defaults) (string, error) {
	file := ini.Empty()
	server := mustSection(file, serverSection)
	server.Key("verbose_name").SetValue(name + " - RPC Consumer")
	server.Key("root").SetValue(filepath.Join(name, "server.go"))
	if err := writeConnection(file, serverSection, url); err != nil {
		return "", errors.Trace(err)
	}
	entities := mustSection(file, serverSection+".amqp_entities")
	entities.Key("exchange").SetValue(d.Consumer.Entities.Exchange)
	entities.Key("exchange_type").SetValue(d.Consumer.Entities.ExchangeType)
	entities.Key("queue").SetValue(d.Consumer.Entities.Queue)
	entities.Key("routing_key").SetValue(d.Consumer.Entities.RoutingKey)
	options := mustSection(file, serverSection+".options")
	options.Key("max_workers").SetValue(itoa(d.Consumer.Options.MaxWorkers))
	options.Key("prefetch_count").SetValue(itoa(d.Consumer.Options.PrefetchCount))
	return save(file, dir, name)
}

// WriteProducer writes <dir>/<name>.ini for a producer.
func WriteProducer(dir, name, url string, d Defaults) (string, error) {
	file := ini.Empty()
	client := mustSection(file, clientSection)
	client.Key("verbose_name").SetValue(name + " - RPC Producer")
	client.Key("root").SetValue(filepath.Join(name, "client.go"))
	client.Key("producer_application_id").SetValue(d.Producer.ApplicationID)
	if err := writeConnection(file, clientSection, url); err != nil {
		return "", errors.Trace(err)
	}
	entities := mustSection(file, clientSection+".amqp_entities")
	entities.Key("exchange").SetValue(d.Producer.Entities.Exchange)
	entities.Key("routing_key").SetValue(d.Producer.Entities.RoutingKey)
	options := mustSection(file, clientSection+".options")
	options.Key("response_consumer").SetValue(d.Producer.Options.ResponseConsumer)
	options.Key("call_timeout").SetValue(d.Producer.Options.CallTimeout)
	return save(file, dir, name)
}

func writeConnection(file *ini.File, prefix, url string) error {
	if url == "" {
		return nil
	}
	params, err := ParseURL(url)
	if err != nil {
		return err
	}
	section := mustSection(file, prefix+".connection")
	section.Key("host").SetValue(params.Host)
	section.Key("port").SetValue(itoa(params.Port))
	section.Key("user").SetValue(params.User)
	section.Key("password").SetValue(params.Password)
	section.Key("virtual_host").SetValue(params.VirtualHost)
	return nil
}

func save(file *ini.File, dir, name string) (string, error) {
	path := filepath.Join(dir, name+".ini")
	if _, err := os.Stat(path); err == nil {
		return "", errors.AlreadyExistsf("file %q", path)
	}
	if err := file.SaveTo(path); err != nil {
		return "", errors.Annotatef(err, "writing %q", path)
	}
	return path, nil
}

func mustSection(file *ini.File, name string) *ini.Section {
	section, err := file.NewSection(name)
	if err != nil {
		// NewSection only fails for an empty name.
		panic(err)
	}
	return section
}

func itoa(i int) string {
	return strconv.Itoa(i)
}
