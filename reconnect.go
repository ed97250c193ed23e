package rpc

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/worker/v4"
	"gopkg.in/tomb.v2"

	"github.com/RidgeA/faas-rpc/config"
)

const (
	minReconnectDelay = time.Second
	maxReconnectDelay = 300 * time.Second
	reconnectFactor   = 0.67
)

// NextReconnectDelay grows the previous delay geometrically, bounded to
// [1s, 300s].
func NextReconnectDelay(previous time.Duration) time.Duration {
	next := time.Duration(float64(previous) / reconnectFactor)
	if next < minReconnectDelay {
		next = minReconnectDelay
	}
	if next > maxReconnectDelay {
		next = maxReconnectDelay
	}
	return next
}

// ReconnectServer keeps a Server running, replacing it after each broker
// failure. The delay between attempts only ever grows.
type ReconnectServer struct {
	tomb       tomb.Tomb
	dispatcher *Dispatcher
	topology   config.Topology
	opts       []OptionsFunc
	o          options

	mu      sync.Mutex
	current *Server
	delay   time.Duration
	starts  int
}

var _ worker.Worker = (*ReconnectServer)(nil)

func NewReconnectServer(dispatcher *Dispatcher, topology config.Topology, opts ...OptionsFunc) (*ReconnectServer, error) {
	o := newOptions(opts...)
	if err := validate(dispatcher, topology, o); err != nil {
		return nil, errors.Trace(err)
	}
	r := &ReconnectServer{
		dispatcher: dispatcher,
		topology:   topology,
		opts:       opts,
		o:          o,
	}
	r.tomb.Go(r.loop)
	return r, nil
}

// Kill stops the current server and ends the reconnect loop, also while
// a backoff is pending.
func (r *ReconnectServer) Kill() {
	r.tomb.Kill(nil)
}

func (r *ReconnectServer) Wait() error {
	return r.tomb.Wait()
}

// Delay is the backoff applied before the latest restart.
func (r *ReconnectServer) Delay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.delay
}

// Starts counts the servers started so far.
func (r *ReconnectServer) Starts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts
}

// State is the lifecycle state of the current server.
func (r *ReconnectServer) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return Disconnected
	}
	return r.current.State()
}

func (r *ReconnectServer) loop() error {
	for {
		srv, err := NewServer(r.dispatcher, r.topology, r.opts...)
		if err != nil {
			return errors.Trace(err)
		}
		r.mu.Lock()
		r.current = srv
		r.starts++
		r.mu.Unlock()

		select {
		case <-r.tomb.Dying():
			srv.Kill()
			if err := srv.Wait(); err != nil {
				r.o.logger.Warningf("server stopped with: %v", err)
			}
			return tomb.ErrDying
		case <-srv.Dead():
		}
		err = srv.Wait()
		if !srv.ShouldReconnect() {
			return errors.Trace(err)
		}

		r.mu.Lock()
		r.delay = NextReconnectDelay(r.delay)
		delay := r.delay
		r.mu.Unlock()
		r.o.metrics.observeReconnect()
		r.o.logger.Infof("reconnecting in %s after: %v", delay, err)

		select {
		case <-r.tomb.Dying():
			return tomb.ErrDying
		case <-r.o.clock.After(delay):
		}
	}
}
