package metrics

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
)

func init() {
	// The perpetual scheduler reports through the otel meter API. The prometheus
	// bridge registers against the default registry, which the opencensus
	// exporter also serves, so both end up on /debug/metrics.
	if bridge, err := prometheus.New(); err != nil {
		log.Errorf("could not create the otel prometheus exporter: %v", err)
	} else {
		provider := metric.NewMeterProvider(metric.WithReader(bridge))
		otel.SetMeterProvider(provider)
	}
}
