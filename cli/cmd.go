package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/filecoin-project/go-jsonrpc"
	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/api/client"
)

var log = logging.Logger("cli")

const metadataContext = "context"

// FlagManagerAPI is the manager's RPC endpoint.
var FlagManagerAPI = &cli.StringFlag{
	Name:    "manager-api",
	EnvVars: []string{"DISPATCH_MANAGER_API"},
	Value:   "http://127.0.0.1:2480/rpc/v0",
	Usage:   "manager JSON-RPC endpoint",
}

// GetDispatchAPI dials the manager named by --manager-api.
func GetDispatchAPI(cctx *cli.Context) (api.Dispatch, jsonrpc.ClientCloser, error) {
	addr := cctx.String(FlagManagerAPI.Name)
	log.Debugw("dialing manager", "addr", addr)
	return client.NewDispatchRPC(ReqContext(cctx), addr, http.Header{})
}

// ReqContext returns context for cli execution. Calling it for the first time
// installs SIGTERM handler that will close returned context.
// Not safe for concurrent execution.
func ReqContext(cctx *cli.Context) context.Context {
	if uctx, ok := cctx.App.Metadata[metadataContext]; ok {
		// unchecked cast as if something else is in there
		// it is crash worthy either way
		return uctx.(context.Context)
	}

	ctx, done := context.WithCancel(cctx.Context)
	sigChan := make(chan os.Signal, 2)
	go func() {
		<-sigChan
		done()
	}()
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)

	if cctx.App.Metadata == nil {
		cctx.App.Metadata = map[string]interface{}{}
	}
	cctx.App.Metadata[metadataContext] = ctx
	return ctx
}

// Commands are the requester and operator commands that talk to a running
// manager.
var Commands = []*cli.Command{
	submitCmd,
	awaitCmd,
	abortCmd,
	infoCmd,
	delegatesCmd,
	selectionLogCmd,
	perpetualCmd,
	versionCmd,
}
