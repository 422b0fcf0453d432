package observe

import (
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/felixge/httpsnoop"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// unmatchedRoute labels requests no mux pattern matched, so unknown paths
// cannot blow up metric cardinality.
const unmatchedRoute = "unmatched"

type middlewareConfig struct {
	log   *slog.Logger
	quiet []string
}

// MiddlewareOption configures [Middleware].
type MiddlewareOption func(*middlewareConfig)

// WithAccessLogger sets the logger for request logs. Default: slog.Default().
func WithAccessLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.log = l }
}

// WithQuietPaths logs requests to the given paths at debug level. Probe and
// scrape endpoints are the usual candidates.
func WithQuietPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) { c.quiet = append(c.quiet, paths...) }
}

// Middleware wraps a handler with tracing, metrics and an access log.
//
// Each request gets a server span continuing any W3C trace context in the
// headers, an X-Correlation-ID response header carrying the trace ID, and a
// [Metrics.HTTPRequestDuration] sample labelled by method, mux route pattern
// and status. Wrap a [http.ServeMux] so the route pattern is known.
//
// The wrapped writer keeps the optional interfaces of the original one, so
// WebSocket upgrades (http.Hijacker) pass through. Upgraded requests are
// measured until the handler returns, i.e. for the lifetime of the socket.
func Middleware(m *Metrics, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{log: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}
	prop := propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{})

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx := prop.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ctx, span := StartSpan(ctx, "HTTP "+r.Method,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
				),
			)
			defer span.End()

			cid := CorrelationID(ctx)
			if cid != "" {
				w.Header().Set("X-Correlation-ID", cid)
			}
			prop.Inject(ctx, propagation.HeaderCarrier(w.Header()))

			status := 0
			ww := httpsnoop.Wrap(w, httpsnoop.Hooks{
				WriteHeader: func(next httpsnoop.WriteHeaderFunc) httpsnoop.WriteHeaderFunc {
					return func(code int) {
						if status == 0 {
							status = code
						}
						next(code)
					}
				},
				Write: func(next httpsnoop.WriteFunc) httpsnoop.WriteFunc {
					return func(b []byte) (int, error) {
						if status == 0 {
							status = http.StatusOK
						}
						return next(b)
					}
				},
			})

			// The mux records the matched pattern on this request value.
			r = r.WithContext(ctx)
			next.ServeHTTP(ww, r)
			if status == 0 {
				status = http.StatusOK
			}

			route := r.Pattern
			if route == "" {
				route = unmatchedRoute
			} else {
				span.SetName("HTTP " + route)
			}
			span.SetAttributes(
				semconv.HTTPRoute(route),
				semconv.HTTPResponseStatusCode(status),
			)

			duration := time.Since(start)
			m.HTTPRequestDuration.Record(ctx, duration.Seconds(),
				metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.Int("status", status),
				),
			)

			level := slog.LevelInfo
			if slices.Contains(cfg.quiet, r.URL.Path) {
				level = slog.LevelDebug
			}
			cfg.log.LogAttrs(ctx, level, "request completed",
				slog.String("trace_id", cid),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", route),
				slog.Int("status", status),
				slog.Duration("duration", duration),
			)
		})
	}
}
