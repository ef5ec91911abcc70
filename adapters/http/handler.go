// Package http provides the HTTP surface for the proxy: request routing,
// the access-key auth gate, request/response translation to and from
// domain/proxy value types, and SSE relay for streaming completions.
package http

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/artpar/orproxy/adapters/metrics"
	"github.com/artpar/orproxy/app"
	"github.com/artpar/orproxy/domain/proxy"
	"github.com/artpar/orproxy/domain/streaming"
	"github.com/artpar/orproxy/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// maxRequestBody bounds how much of an inbound request body the handler
// will buffer before handing it to the engine; chat completion payloads
// are small JSON documents, not file uploads.
const maxRequestBody = 10 << 20

// RouterConfig wires the Proxy Engine and its dependencies into the HTTP
// surface (§4.5, §6).
type RouterConfig struct {
	Engine         *app.Engine
	Upstream       ports.Upstream
	AccessKey      string
	PublicPrefixes []string
	IDGenerator    ports.IDGenerator
	Clock          ports.Clock
	Metrics        *metrics.Collector
	Logger         zerolog.Logger
	Version        string
}

// NewRouter builds the chi.Router implementing the HTTP surface table
// from §6: GET /api/v1/models (public), POST /api/v1/chat/completions
// (authenticated, retry loop), other /api/v1/* (authenticated,
// passthrough), GET /health, GET /metrics.
func NewRouter(cfg RouterConfig) chi.Router {
	h := &Handler{
		engine:   cfg.Engine,
		upstream: cfg.Upstream,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
		version:  cfg.Version,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(RequestID(cfg.IDGenerator))
	r.Use(ProcessTime(cfg.Clock, cfg.Logger))
	r.Use(AuthGate(cfg.AccessKey, cfg.PublicPrefixes, cfg.Metrics))

	r.Get("/api/v1/models", h.handleModelsList)
	r.Post("/api/v1/chat/completions", h.handleChatCompletions)
	r.Get("/health", h.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)
	r.HandleFunc("/api/v1/*", h.handleGenericProxy)

	return r
}

// Handler holds the dependencies shared by the route handlers.
type Handler struct {
	engine   *app.Engine
	upstream ports.Upstream
	logger   zerolog.Logger
	metrics  *metrics.Collector
	version  string
}

func (h *Handler) handleModelsList(w http.ResponseWriter, r *http.Request) {
	req := toProxyRequest(r, nil)
	resp, errResp := h.engine.HandleModelsList(r.Context(), req)
	writeResult(w, resp, errResp)
}

func (h *Handler) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorJSON(w, 400, "invalid_request_body", "failed to read request body")
		return
	}
	req := toProxyRequest(r, body)

	result, errResp := h.engine.HandleChatCompletion(r.Context(), req)
	if errResp != nil {
		writeErrorResponse(w, *errResp)
		return
	}

	if result.Streaming {
		h.relayStream(w, result.Stream)
		return
	}
	writeResult(w, result.Response, nil)
}

func (h *Handler) handleGenericProxy(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		writeErrorJSON(w, 400, "invalid_request_body", "failed to read request body")
		return
	}
	req := toProxyRequest(r, body)

	resp, errResp := h.engine.HandleProxy(r.Context(), req)
	writeResult(w, resp, errResp)
}

// relayStream reads the upstream SSE body line-by-line and relays each
// line with trailing "\n\n" framing (§6), flushing after every line so
// clients observe a live stream. Once the body is exhausted, it hands
// all accumulated bytes to the engine for token accounting (§4.6/§8 S7).
func (h *Handler) relayStream(w http.ResponseWriter, stream *app.StreamResult) {
	defer stream.Body.Close()

	for k, v := range stream.Headers {
		if isHopByHopOrContentLength(k) {
			continue
		}
		w.Header().Set(k, v)
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(stream.Status)

	flusher, _ := w.(http.Flusher)
	sr := streaming.NewStreamReader(stream.Body, true)

	scanner := bufio.NewScanner(sr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if _, err := w.Write([]byte(line + "\n\n")); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if stream.OnComplete != nil {
		stream.OnComplete(sr.GetMetrics().AllData)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ok"
	upstreamStatus := "ok"
	if err := h.upstream.HealthCheck(ctx); err != nil {
		status = "error"
		upstreamStatus = "error"
	}

	body, _ := json.Marshal(map[string]interface{}{
		"status": status,
		"services": map[string]string{
			"upstream": upstreamStatus,
		},
	})
	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	w.Write(body)
}

func toProxyRequest(r *http.Request, body []byte) proxy.Request {
	return proxy.Request{
		Method:    r.Method,
		Path:      r.URL.Path,
		Query:     r.URL.RawQuery,
		Headers:   extractHeaders(r.Header),
		Body:      body,
		RemoteIP:  extractIP(r),
		UserAgent: r.UserAgent(),
		RequestID: requestIDFromContext(r.Context()),
	}
}

func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return strings.TrimSpace(xff)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx >= 0 {
		return host[:idx]
	}
	return host
}

func writeResult(w http.ResponseWriter, resp proxy.Response, errResp *proxy.ErrorResponse) {
	if errResp != nil {
		writeErrorResponse(w, *errResp)
		return
	}
	writeResponse(w, resp)
}

func writeResponse(w http.ResponseWriter, resp proxy.Response) {
	for k, v := range resp.Headers {
		if isHopByHopOrContentLength(k) {
			continue
		}
		w.Header().Set(k, v)
	}
	status := resp.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	w.Write(resp.Body)
}

func writeErrorResponse(w http.ResponseWriter, errResp proxy.ErrorResponse) {
	writeErrorJSON(w, errResp.Status, errResp.Code, errResp.Message)
}

func writeErrorJSON(w http.ResponseWriter, status int, code, message string) {
	body, _ := json.Marshal(map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func isHopByHopOrContentLength(header string) bool {
	switch strings.ToLower(header) {
	case "content-length", "connection", "transfer-encoding", "keep-alive", "date", "server":
		return true
	default:
		return false
	}
}

// constantTimeBearerMatch extracts the bearer token from authHeader and
// compares it to accessKey in constant time (§4.5). An empty accessKey
// never matches, preventing a misconfigured proxy from accepting any
// token.
func constantTimeBearerMatch(authHeader, accessKey string) bool {
	if accessKey == "" {
		return false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return false
	}
	token := authHeader[len(prefix):]
	return subtle.ConstantTimeCompare([]byte(token), []byte(accessKey)) == 1
}
