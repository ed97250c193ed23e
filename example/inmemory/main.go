// Command inmemory runs the foobar functions against the in-memory
// broker, first one call at a time and then as a burst of concurrent
// callers sharing one client.
package main

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"

	rpc "github.com/RidgeA/faas-rpc"
	"github.com/RidgeA/faas-rpc/config"
	"github.com/RidgeA/faas-rpc/example/foobar"
	"github.com/RidgeA/faas-rpc/transport"
	"github.com/RidgeA/faas-rpc/transport/inmemory"
)

var logger = loggo.GetLogger("faasrpc.example")

func main() {
	callers := gnuflag.Int("callers", 20, "number of concurrent callers")
	prefetch := gnuflag.Int("prefetch", 2, "consumer prefetch count")
	gnuflag.Parse(true)
	if err := loggo.ConfigureLoggers("<root>=INFO"); err != nil {
		logger.Errorf("%v", err)
	}
	if err := run(*callers, *prefetch); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(callers, prefetch int) error {
	broker := inmemory.New()
	topology := config.Topology{
		Exchange:     "rpc_gateway",
		ExchangeType: transport.ExchangeDirect,
		Queue:        "foobar",
		RoutingKey:   "foobar",
	}

	d := rpc.NewDispatcher()
	if err := foobar.Register(d); err != nil {
		return errors.Trace(err)
	}
	server, err := rpc.NewServer(d, topology, rpc.SetDialer(broker.Dial), rpc.SetPrefetchCount(prefetch))
	if err != nil {
		return errors.Trace(err)
	}
	defer func() {
		if err := server.Stop(); err != nil {
			logger.Warningf("server stopped with: %v", err)
		}
	}()
	for server.State() != rpc.Consuming {
		time.Sleep(10 * time.Millisecond)
	}

	conn, err := broker.Dial("")
	if err != nil {
		return errors.Trace(err)
	}
	defer conn.Close()
	client, err := rpc.NewClient(conn, topology, rpc.WithCallTimeout(5*time.Second))
	if err != nil {
		return errors.Trace(err)
	}
	defer client.Close()

	ctx := context.Background()
	resp, err := foobar.CallCount(ctx, client, "")
	if err != nil {
		return errors.Trace(err)
	}
	fmt.Printf("%s(%q) = %v\n", foobar.CountName, foobar.DefaultSentence, resp.Object)

	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := foobar.CallSum(ctx, client, map[string]interface{}{"foo": i, "bar": i})
			if err != nil {
				logger.Errorf("call %d: %v", i, err)
				return
			}
			fmt.Printf("%s: %d + %d = %v\n", time.Now().Format("15:04:05.999999"), i, i, resp.Object)
		}(i)
	}
	wg.Wait()
	fmt.Printf("%d calls in %s\n", callers, time.Since(start))
	return nil
}
