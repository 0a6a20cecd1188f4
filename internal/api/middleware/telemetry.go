package middleware

import (
	"net/http"

	"github.com/agentoven/taskpilot/internal/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry wraps each request in a server span. The span is renamed to the
// matched route once routing is done, and the trace id is returned in
// X-Trace-Id so a turn can be found from the client side.
func Telemetry(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := telemetry.Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
			),
		)
		defer span.End()

		if sc := span.SpanContext(); sc.HasTraceID() {
			w.Header().Set("X-Trace-Id", sc.TraceID().String())
		}

		rw := newResponseWriter(w)
		r = r.WithContext(ctx)
		next.ServeHTTP(rw, r)

		pattern := routePattern(r)
		span.SetName(r.Method + " " + pattern)
		span.SetAttributes(
			attribute.String("http.route", pattern),
			attribute.Int("http.response.status_code", rw.statusCode),
		)
		if ws := GetWorkspace(ctx); ws != "" {
			span.SetAttributes(attribute.String("taskpilot.workspace", ws))
		}
		for field, v := range routeParams(r, rw) {
			span.SetAttributes(attribute.String("taskpilot."+field, v))
		}
		if rw.streamed() {
			span.SetAttributes(attribute.Int("taskpilot.stream.events", rw.flushes))
		}
		if rw.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rw.statusCode))
		}
	})
}
