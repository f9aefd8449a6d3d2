package logging

import (
	"context"
	"log/slog"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// OTelHandler forwards slog records to an OpenTelemetry logger so they are
// exported with traces and metrics.
type OTelHandler struct {
	logger otellog.Logger
	level  slog.Leveler
	attrs  []otellog.KeyValue
	prefix string
}

// NewOTelHandler returns a handler emitting to logger. A nil logger uses the
// global provider installed by telemetry.Setup.
func NewOTelHandler(logger otellog.Logger, level slog.Leveler) *OTelHandler {
	if logger == nil {
		logger = global.GetLoggerProvider().Logger("github.com/njoerd114/unforgotten")
	}
	if level == nil {
		level = slog.LevelInfo
	}
	return &OTelHandler{logger: logger, level: level}
}

func (h *OTelHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *OTelHandler) Handle(ctx context.Context, r slog.Record) error {
	var rec otellog.Record
	rec.SetTimestamp(r.Time)
	rec.SetBody(otellog.StringValue(r.Message))
	rec.SetSeverity(severity(r.Level))
	rec.SetSeverityText(r.Level.String())
	rec.AddAttributes(h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		rec.AddAttributes(h.keyValue(a))
		return true
	})
	h.logger.Emit(ctx, rec)
	return nil
}

func (h *OTelHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := *h
	out.attrs = make([]otellog.KeyValue, 0, len(h.attrs)+len(attrs))
	out.attrs = append(out.attrs, h.attrs...)
	for _, a := range attrs {
		out.attrs = append(out.attrs, h.keyValue(a))
	}
	return &out
}

func (h *OTelHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	out := *h
	out.prefix = h.prefix + name + "."
	return &out
}

func (h *OTelHandler) keyValue(a slog.Attr) otellog.KeyValue {
	key := h.prefix + a.Key
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindBool:
		return otellog.Bool(key, v.Bool())
	case slog.KindInt64:
		return otellog.Int64(key, v.Int64())
	case slog.KindFloat64:
		return otellog.Float64(key, v.Float64())
	default:
		return otellog.String(key, v.String())
	}
}

func severity(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}
