package http

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/artpar/orproxy/adapters/metrics"
	"github.com/artpar/orproxy/ports"
	"github.com/rs/zerolog"
)

// requestIDHeader and processTimeHeader are the response headers every
// request carries (§4.6, §6).
const (
	requestIDHeader   = "X-Request-ID"
	processTimeHeader = "X-Process-Time"
)

type contextKey int

const requestIDContextKey contextKey = iota

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// RequestID adopts the inbound X-Request-ID header, or synthesizes one
// via idGen, and echoes it on the response.
func RequestID(idGen ports.IDGenerator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get(requestIDHeader)
			if reqID == "" {
				reqID = idGen.New()
			}
			w.Header().Set(requestIDHeader, reqID)
			ctx := context.WithValue(r.Context(), requestIDContextKey, reqID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// statusRecorder captures the status code written by downstream handlers
// so ProcessTime can log it after the fact, and applies ProcessTime's
// header changes just before the response headers go out.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
	clock       ports.Clock
	start       time.Time
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wroteHeader {
		s.status = code
		s.wroteHeader = true
		h := s.ResponseWriter.Header()
		h.Del("Server")
		h["Date"] = nil // a nil entry also stops net/http adding its own Date
		h.Set(processTimeHeader, strconv.FormatFloat(s.clock.Now().Sub(s.start).Seconds(), 'f', -1, 64))
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wroteHeader {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

// Flush passes through to the underlying writer, so relayStream can push
// each SSE line to the client as it is relayed.
func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// ProcessTime measures wall-clock duration, sets X-Process-Time (the time
// until the response headers are written), strips any Date/Server header a
// downstream handler may have set, and logs a structured line with
// req_id/method/path/status/duration (§4.6).
func ProcessTime(clock ports.Clock, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := clock.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK, clock: clock, start: start}

			next.ServeHTTP(rec, r)
			if !rec.wroteHeader {
				rec.WriteHeader(http.StatusOK)
			}

			duration := clock.Now().Sub(start)

			logger.Info().
				Str("req_id", requestIDFromContext(r.Context())).
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", duration).
				Msg("request handled")
		})
	}
}

// AuthGate rejects any request whose Authorization header doesn't match
// accessKey, using a constant-time comparison (§4.5). Requests to a path
// covered by publicPrefixes bypass the gate entirely. The access key is
// only ever compared against the client's request; it is never forwarded
// upstream.
func AuthGate(accessKey string, publicPrefixes []string, metricsCollector *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// /health and /metrics are always public (§6); they aren't part
			// of the configurable openrouter.public_endpoints list.
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" || isPublicPath(r.URL.Path, publicPrefixes) {
				next.ServeHTTP(w, r)
				return
			}
			if !constantTimeBearerMatch(r.Header.Get("Authorization"), accessKey) {
				if metricsCollector != nil {
					metricsCollector.AuthFailures.Inc()
				}
				status, code, message := authFailureDetails(r.Header.Get("Authorization"))
				writeErrorJSON(w, status, code, message)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func isPublicPath(path string, prefixes []string) bool {
	for _, prefix := range prefixes {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

func authFailureDetails(authHeader string) (status int, code, message string) {
	if authHeader == "" {
		return 401, "missing_access_key", "Authorization: Bearer <access_key> is required"
	}
	return 401, "invalid_access_key", "access key does not match"
}
