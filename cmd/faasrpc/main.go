// Command faasrpc runs consumers, writes configuration files and makes
// one-off calls.
package main

import (
	"os"
	"runtime"

	"github.com/juju/cmd/v3"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("faasrpc.cmd")

const (
	exitErr   = 2
	exitPanic = 3
)

var faasrpcDoc = `
faasrpc serves functions behind a RabbitMQ broker and calls them.

Consumers and producers are described by .ini files; createconfig writes
one from the built-in defaults.
`

func main() {
	os.Exit(Main(os.Args))
}

// Main is the entry point with arbitrary arguments, for testing.
func Main(args []string) int {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			buf = buf[:runtime.Stack(buf, false)]
			logger.Criticalf("Unhandled panic: \n%v\n%s", r, buf)
			os.Exit(exitPanic)
		}
	}()

	ctx, err := cmd.DefaultContext()
	if err != nil {
		cmd.WriteError(os.Stderr, err)
		return exitErr
	}
	return cmd.Main(NewSuperCommand(), ctx, args[1:])
}

func NewSuperCommand() *cmd.SuperCommand {
	super := cmd.NewSuperCommand(cmd.SuperCommandParams{
		Name: "faasrpc",
		Doc:  faasrpcDoc,
		Log:  &cmd.Log{DefaultConfig: os.Getenv("FAASRPC_LOGGING_CONFIG")},
	})
	super.Register(newRunConsumerCommand())
	super.Register(newCreateConfigCommand())
	super.Register(newCallCommand())
	return super
}
