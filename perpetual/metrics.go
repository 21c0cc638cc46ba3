package perpetual

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var otelmeter = otel.Meter("dispatch/perpetual")

var attrDelegate = attribute.Key("delegate")
var attrReasonStale = attribute.String("reason", "stale")
var attrReasonUnassigned = attribute.String("reason", "unassigned")

var otelmetrics = struct {
	reassignments metric.Int64Counter
	unplaced      metric.Int64Counter
	runs          metric.Int64Counter
}{
	reassignments: must(otelmeter.Int64Counter("dispatch_perpetual_reassignments_total",
		metric.WithDescription("Perpetual tasks moved to a new delegate."),
	)),
	unplaced: must(otelmeter.Int64Counter("dispatch_perpetual_unplaced_total",
		metric.WithDescription("Rebalance passes that found no eligible delegate for a task."),
	)),
	runs: must(otelmeter.Int64Counter("dispatch_perpetual_runs_total",
		metric.WithDescription("Perpetual task runs reported by delegates."),
	)),
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
