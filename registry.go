package rpc

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"

	"github.com/RidgeA/faas-rpc/codec"
	"github.com/RidgeA/faas-rpc/config"
	"github.com/RidgeA/faas-rpc/transport"
)

type (
	// Loader reads the producer configuration a source names. The default
	// treats the source as an environment variable holding a file path.
	Loader func(source string) (*config.Producer, error)

	RegistryConfig struct {
		Loader       Loader
		Dialer       transport.Dialer
		Clock        clock.Clock
		DialAttempts int
		DialDelay    time.Duration
		Logger       Logger
	}

	// Registry holds one broker connection per configuration source and
	// reopens it when it is found closed.
	Registry struct {
		cfg     RegistryConfig
		mu      sync.Mutex
		entries map[string]*registryEntry
	}

	registryEntry struct {
		source string
		config *config.Producer
		conn   transport.Connection
	}
)

// DefaultRegistryConfig loads configurations from environment variables
// and dials AMQP.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Loader:       config.LoadProducerFromEnv,
		Dialer:       transport.DialAMQP,
		Clock:        clock.WallClock,
		DialAttempts: 3,
		DialDelay:    time.Second,
		Logger:       registryLogger,
	}
}

func (cfg RegistryConfig) Validate() error {
	if cfg.Loader == nil {
		return errors.NotValidf("nil Loader")
	}
	if cfg.Dialer == nil {
		return errors.NotValidf("nil Dialer")
	}
	if cfg.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if cfg.DialAttempts < 1 {
		return errors.NotValidf("DialAttempts %d", cfg.DialAttempts)
	}
	if cfg.DialDelay <= 0 {
		return errors.NotValidf("DialDelay %s", cfg.DialDelay)
	}
	return nil
}

func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	if cfg.Logger == nil {
		cfg.Logger = registryLogger
	}
	return &Registry{
		cfg:     cfg,
		entries: make(map[string]*registryEntry),
	}, nil
}

// Identity is the registry key for source: the md5 hex digest of its
// lower-cased form.
func Identity(source string) string {
	sum := md5.Sum([]byte(strings.ToLower(source)))
	return hex.EncodeToString(sum[:])
}

// Get returns the configuration and an open connection for source,
// loading and dialing on first use or after the connection closed.
func (r *Registry) Get(source string) (*config.Producer, transport.Connection, error) {
	id := Identity(source)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok && !e.conn.IsClosed() {
		return e.config, e.conn, nil
	}
	return r.reload(id, source)
}

// Reload rereads the configuration for source and replaces its
// connection.
func (r *Registry) Reload(source string) (*config.Producer, transport.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reload(Identity(source), source)
}

func (r *Registry) reload(id, source string) (*config.Producer, transport.Connection, error) {
	cfg, err := r.cfg.Loader(source)
	if err != nil {
		return nil, nil, errors.Annotatef(err, "loading producer configuration %q", source)
	}
	conn, err := r.dial(cfg)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	if old, ok := r.entries[id]; ok {
		logClose(r.cfg.Logger, "replaced connection", old.conn.Close())
	}
	r.cfg.Logger.Infof("connected %q to %s", source, cfg.Connection.Redacted())
	r.entries[id] = &registryEntry{source: source, config: cfg, conn: conn}
	return cfg, conn, nil
}

func (r *Registry) dial(cfg *config.Producer) (transport.Connection, error) {
	var conn transport.Connection
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			c, err := r.cfg.Dialer(cfg.Connection.URL())
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		NotifyFunc: func(err error, attempt int) {
			r.cfg.Logger.Warningf("attempt %d to connect to %s: %v", attempt, cfg.Connection.Redacted(), err)
		},
		Attempts: r.cfg.DialAttempts,
		Delay:    r.cfg.DialDelay,
		Clock:    r.cfg.Clock,
	})
	if err != nil {
		return nil, errors.Annotatef(retry.LastError(err), "connecting to %s", cfg.Connection.Redacted())
	}
	return conn, nil
}

// Len is the number of sources held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// CloseAll closes every held connection. Connections that are already
// closed are not an error.
func (r *Registry) CloseAll() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closeAll()
}

// Reset closes every connection and forgets all sources.
func (r *Registry) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := r.closeAll()
	r.entries = make(map[string]*registryEntry)
	return err
}

func (r *Registry) closeAll() error {
	var first error
	for _, e := range r.entries {
		if e.conn.IsClosed() {
			continue
		}
		if err := e.conn.Close(); err != nil && first == nil {
			first = errors.Annotatef(err, "closing connection for %q", e.source)
		}
	}
	return first
}

// Invoke makes one call with a connection from the registry, using a
// single-shot client configured from the source.
func Invoke(ctx context.Context, r *Registry, source, faasName string, s codec.Serializer, object interface{}, opts ...ClientOptionsFunc) (*Response, error) {
	cfg, conn, err := r.Get(source)
	if err != nil {
		return nil, errors.Trace(err)
	}
	opts = append([]ClientOptionsFunc{
		WithSingleShot(),
		WithAppID(cfg.ProducerApplicationID),
		WithResponseConsumer(cfg.Options.ResponseConsumer),
		WithCallTimeout(cfg.Options.CallTimeout),
	}, opts...)
	client, err := NewClient(conn, cfg.Topology, opts...)
	if err != nil {
		return nil, errors.Trace(err)
	}
	defer func() {
		if err := client.Close(); err != nil {
			registryLogger.Debugf("closing single-shot client: %v", err)
		}
	}()
	return client.Call(ctx, faasName, s, object)
}
