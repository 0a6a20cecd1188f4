package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// responseWriter records the status, size and flush count of a response.
// Every flush of a turn stream carries one event.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	flushes    int
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += n
	return n, err
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		rw.flushes++
		f.Flush()
	}
}

func (rw *responseWriter) streamed() bool {
	return strings.HasPrefix(rw.Header().Get("Content-Type"), "text/event-stream")
}

// routeIDs are the path parameters worth carrying into logs and spans.
var routeIDs = []struct{ param, field string }{
	{"chatID", "chat_id"},
	{"messageID", "message_id"},
	{"clarificationID", "clarification_id"},
}

// routePattern returns the matched chi pattern, or the raw path when the
// request did not match a route. Only valid once routing has happened.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return r.URL.Path
}

// routeParams returns the known id parameters of the matched route. A turn
// without a message id in its path reports the one the handler assigned.
func routeParams(r *http.Request, rw *responseWriter) map[string]string {
	out := make(map[string]string, len(routeIDs))
	for _, id := range routeIDs {
		if v := chi.URLParam(r, id.param); v != "" {
			out[id.field] = v
		}
	}
	if _, ok := out["message_id"]; !ok {
		if v := rw.Header().Get("X-Message-Id"); v != "" {
			out["message_id"] = v
		}
	}
	return out
}

// Logger logs one line per request. Requests for /health and /metrics are
// logged at debug level.
func Logger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := newResponseWriter(w)

		next.ServeHTTP(rw, r)

		pattern := routePattern(r)
		var event *zerolog.Event
		switch {
		case rw.statusCode >= 500:
			event = log.Error()
		case rw.statusCode >= 400:
			event = log.Warn()
		case pattern == "/health" || pattern == "/metrics":
			event = log.Debug()
		default:
			event = log.Info()
		}

		event = event.
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("route", pattern).
			Int("status", rw.statusCode).
			Int("bytes", rw.bytes).
			Dur("duration", time.Since(start))
		if ws := GetWorkspace(r.Context()); ws != "" {
			event = event.Str("workspace", ws)
		}
		if user := GetUserID(r.Context()); user != "" {
			event = event.Str("user_id", user)
		}
		for field, v := range routeParams(r, rw) {
			event = event.Str(field, v)
		}
		if rw.streamed() {
			event = event.Bool("stream", true).Int("events", rw.flushes)
		}
		event.Msg("request")
	})
}
