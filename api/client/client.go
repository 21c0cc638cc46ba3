package client

import (
	"context"
	"net/http"
	"time"

	"github.com/filecoin-project/go-jsonrpc"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/api/apistruct"
)

// Namespace is the JSON-RPC namespace the manager serves.
const Namespace = "Dispatch"

// NewDispatchRPC creates a new http jsonrpc client for the manager.
func NewDispatchRPC(ctx context.Context, addr string, requestHeader http.Header, opts ...jsonrpc.Option) (api.Dispatch, jsonrpc.ClientCloser, error) {
	var res apistruct.DispatchStruct
	closer, err := jsonrpc.NewMergeClient(ctx, addr, Namespace,
		[]interface{}{
			&res.Internal,
		},
		requestHeader,
		append([]jsonrpc.Option{jsonrpc.WithErrors(api.RPCErrors)}, opts...)...,
	)

	return &res, closer, err
}

// NewDelegateRPC is NewDispatchRPC tuned for a delegate: no websocket
// reconnect and a bounded per-call timeout, since the delegate retries
// itself.
func NewDelegateRPC(ctx context.Context, addr string, requestHeader http.Header, timeout time.Duration) (api.Dispatch, jsonrpc.ClientCloser, error) {
	return NewDispatchRPC(ctx, addr, requestHeader,
		jsonrpc.WithNoReconnect(),
		jsonrpc.WithTimeout(timeout),
	)
}
