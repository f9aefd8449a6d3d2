package telemetry

import (
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/metric/noop"
)

func TestCounter_NoopMeter(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := Counter(noop.NewMeterProvider().Meter("test"), "unforgotten.test.counter", "test", logger)
	if c == nil {
		t.Fatal("Counter returned nil")
	}
}
