package manager

import (
	"context"
	"net"
	"net/http"
	"time"

	"contrib.go.opencensus.io/exporter/prometheus"
	"github.com/filecoin-project/go-jsonrpc"
	"github.com/gorilla/mux"
	promclient "github.com/prometheus/client_golang/prometheus"
	"go.opencensus.io/tag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/filecoin-project/dispatch/api"
	"github.com/filecoin-project/dispatch/api/apistruct"
	"github.com/filecoin-project/dispatch/api/client"
	"github.com/filecoin-project/dispatch/build"
	"github.com/filecoin-project/dispatch/metrics"
)

// Handler serves the Dispatch API on /rpc/v0 and metrics on /debug/metrics.
func Handler(a api.Dispatch, pollRateLimit int64, pollBurst int) (http.Handler, error) {
	m := mux.NewRouter()

	wapi := apistruct.MetricedDispatchAPI(a)
	if pollRateLimit > 0 {
		wapi = apistruct.RateLimitedDispatchAPI(wapi, limiterFromRateLimit(pollRateLimit, pollBurst), "PollForWork")
	}

	rpcServer := jsonrpc.NewServer(jsonrpc.WithServerErrors(api.RPCErrors))
	rpcServer.Register(client.Namespace, wapi)
	m.Handle("/rpc/v0", rpcServer)

	registry := promclient.DefaultRegisterer.(*promclient.Registry)
	exporter, err := prometheus.NewExporter(prometheus.Options{
		Registry:  registry,
		Namespace: "dispatch",
	})
	if err != nil {
		return nil, err
	}
	m.Handle("/debug/metrics", exporter)

	return m, nil
}

func limiterFromRateLimit(rateLimit int64, burst int) *rate.Limiter {
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Every(time.Second/time.Duration(rateLimit)), burst)
}

// ListenAndServe serves m's API and runs its background loops until ctx is
// cancelled.
func ListenAndServe(ctx context.Context, m *Manager) error {
	h, err := Handler(m, m.cfg.API.PollRateLimit, m.cfg.API.PollBurst)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: time.Minute,
		BaseContext: func(listener net.Listener) context.Context {
			ctx, _ := tag.New(context.Background(), tag.Upsert(metrics.NodeType, build.NodeManager.String()))
			return ctx
		},
		Addr: m.cfg.API.ListenAddress,
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		log.Infow("serving manager api", "addr", m.cfg.API.ListenAddress)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	eg.Go(func() error {
		return m.Run(ctx)
	})
	eg.Go(func() error {
		<-ctx.Done()
		log.Warn("shutting down manager api")
		sctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.cfg.API.Timeout))
		defer cancel()
		return srv.Shutdown(sctx)
	})

	return eg.Wait()
}
