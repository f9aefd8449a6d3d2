package telemetry

import (
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Counter creates an Int64Counter on meter. Instrument creation only fails
// on invalid names; the error is logged and a no-op counter returned so
// callers never have to nil-check.
func Counter(meter metric.Meter, name, desc string, logger *slog.Logger) metric.Int64Counter {
	c, err := meter.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		logger.Error("creating OTel counter", "name", name, "error", err)
		return noop.Int64Counter{}
	}
	return c
}
