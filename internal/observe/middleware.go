package observe

import (
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// captureWriter wraps [http.ResponseWriter] to record the status code and
// body size written by the downstream handler.
type captureWriter struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (c *captureWriter) WriteHeader(code int) {
	c.status = code
	c.ResponseWriter.WriteHeader(code)
}

func (c *captureWriter) Write(p []byte) (int, error) {
	n, err := c.ResponseWriter.Write(p)
	c.bytes += n
	return n, err
}

// Middleware wraps the monitoring mux with tracing, metrics, and completion
// logging. Each request runs under an OTel server span that continues any W3C
// trace context found in the incoming headers, and the response echoes the
// trace ID in X-Correlation-ID so a failed probe can be matched to its span.
//
// The mux is consulted up front for the route pattern that will serve the
// request. The pattern, not the raw URL path, labels the duration histogram:
// scanners probing random paths all land in a single "unmatched" series
// instead of minting one series per path. The raw path still goes on the
// span, where cardinality is harmless.
func Middleware(m *Metrics, mux *http.ServeMux) http.Handler {
	prop := propagation.TraceContext{}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		_, route := mux.Handler(r)

		spanName := "HTTP " + r.Method
		attrs := []attribute.KeyValue{
			semconv.HTTPRequestMethodKey.String(r.Method),
			semconv.URLPath(r.URL.Path),
		}
		if route != "" {
			// ServeMux patterns carry the method, so the span reads
			// "HTTP GET /healthz".
			spanName = "HTTP " + route
			attrs = append(attrs, semconv.HTTPRoute(route))
		}

		ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := StartSpan(ctx, spanName,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(attrs...),
		)
		defer span.End()

		cid := CorrelationID(ctx)
		if cid != "" {
			w.Header().Set("X-Correlation-ID", cid)
		}
		prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

		cw := &captureWriter{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(cw, r.WithContext(ctx))

		routeLabel := route
		if routeLabel == "" {
			routeLabel = "unmatched"
		}
		duration := time.Since(start)
		m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
			metric.WithAttributes(
				attribute.String("method", r.Method),
				attribute.String("route", routeLabel),
			),
		)
		span.SetAttributes(semconv.HTTPResponseStatusCode(cw.status))

		// Prometheus scrapes arrive continuously, so completion stays at debug.
		slog.LogAttrs(ctx, slog.LevelDebug, "request completed",
			slog.String("trace_id", cid),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", cw.status),
			slog.Int("bytes", cw.bytes),
			slog.Duration("duration", duration),
		)
	})
}
