package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/artpar/orproxy/domain/proxy"
	"github.com/artpar/orproxy/ports"
	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
)

// UpstreamClient forwards requests to the upstream LLM API, classifying
// the outcome of each attempt per §4.2's Outcome enum.
type UpstreamClient struct {
	client          *http.Client // buffered requests
	streamingClient *http.Client // streaming requests (no timeout)
	baseURL         *url.URL
	resolver        *dnscache.Resolver
}

// UpstreamConfig contains configuration for the upstream client.
type UpstreamConfig struct {
	BaseURL         string
	Timeout         time.Duration // applies to the buffered client only
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	ProxyURL        string // optional outbound HTTP proxy, per §6 requestProxy
}

// NewUpstreamClient creates a new upstream HTTP client. A single shared
// *dnscache.Resolver backs both the buffered and streaming transports'
// DialContext — the proxy dials the same one or two upstream hosts
// repeatedly under load, so caching the DNS lookup avoids a resolver
// round trip on every new connection.
func NewUpstreamClient(cfg UpstreamConfig) (*UpstreamClient, error) {
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 600 * time.Second // §5: completions default to 600s
	}

	maxIdleConns := cfg.MaxIdleConns
	if maxIdleConns == 0 {
		maxIdleConns = 100
	}

	idleConnTimeout := cfg.IdleConnTimeout
	if idleConnTimeout == 0 {
		idleConnTimeout = 90 * time.Second
	}

	resolver := &dnscache.Resolver{}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	dialContext := func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return dialer.DialContext(ctx, network, addr)
		}
		ips, err := resolver.LookupHost(ctx, host)
		if err != nil || len(ips) == 0 {
			return dialer.DialContext(ctx, network, addr)
		}
		var lastErr error
		for _, ip := range ips {
			conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
			if dialErr == nil {
				return conn, nil
			}
			lastErr = dialErr
		}
		return nil, lastErr
	}

	var proxyFunc func(*http.Request) (*url.URL, error)
	if cfg.ProxyURL != "" {
		proxyURL, perr := url.Parse(cfg.ProxyURL)
		if perr != nil {
			return nil, fmt.Errorf("parse proxy URL: %w", perr)
		}
		proxyFunc = http.ProxyURL(proxyURL)
	}

	transport := &http.Transport{
		Proxy:               proxyFunc,
		DialContext:         dialContext,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		DisableCompression:  false,
	}

	streamingTransport := &http.Transport{
		Proxy:               proxyFunc,
		DialContext:         dialContext,
		MaxIdleConns:        maxIdleConns,
		MaxIdleConnsPerHost: maxIdleConns,
		IdleConnTimeout:     idleConnTimeout,
		DisableCompression:  true,
	}

	return &UpstreamClient{
		client:          &http.Client{Transport: transport, Timeout: timeout},
		streamingClient: &http.Client{Transport: streamingTransport, Timeout: 0},
		baseURL:         baseURL,
		resolver:        resolver,
	}, nil
}

func (u *UpstreamClient) buildRequest(ctx context.Context, req proxy.Request, key string) (*http.Request, error) {
	upstreamURL := u.baseURL.ResolveReference(&url.URL{
		Path:     req.Path,
		RawQuery: req.Query,
	})

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, upstreamURL.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	// Pre-forwarding header rules (§4.2): strip Host, Content-Length,
	// Connection, Authorization, Date from the inbound set; everything
	// else (notably Content-Type) is preserved verbatim.
	for k, v := range req.Headers {
		switch strings.ToLower(k) {
		case "host", "content-length", "connection", "authorization", "date":
			continue
		}
		httpReq.Header.Set(k, v)
	}

	if key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+key)
	}
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}
	if req.RemoteIP != "" {
		httpReq.Header.Set("X-Forwarded-For", req.RemoteIP)
	}

	return httpReq, nil
}

func extractHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for k, v := range h {
		lower := strings.ToLower(k)
		// Response-header hygiene (§4.2): strip hop-by-hop headers plus
		// Content-Encoding (already decoded) and Date.
		switch lower {
		case "connection", "keep-alive", "proxy-authenticate", "proxy-authorization",
			"te", "trailers", "transfer-encoding", "upgrade",
			"content-encoding", "date":
			continue
		}
		if len(v) > 0 {
			headers[k] = v[0]
		}
	}
	return headers
}

const maxBufferedBody = 50 << 20 // 50MB

// Attempt performs exactly one upstream call, classifying the outcome
// per §4.2. For streaming attempts that come back with status >= 400,
// the body is fully drained and closed before the classified error is
// returned, so a retried attempt never interleaves with this one.
func (u *UpstreamClient) Attempt(ctx context.Context, req proxy.Request, key string, stream bool) (ports.AttemptResult, error) {
	start := time.Now()

	httpReq, err := u.buildRequest(ctx, req, key)
	if err != nil {
		return ports.AttemptResult{}, err
	}

	client := u.client
	if stream {
		client = u.streamingClient
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		return ports.AttemptResult{
			Outcome:       ports.OutcomeTransportError,
			TransportKind: classifyTransportError(err),
			LatencyMs:     time.Since(start).Milliseconds(),
			UpstreamAddr:  u.baseURL.Host,
		}, nil
	}

	headers := extractHeaders(resp.Header)
	latency := time.Since(start).Milliseconds()

	if resp.StatusCode == http.StatusTooManyRequests {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
		resp.Body.Close()
		hint := extractResetHint(resp.Header, body)
		return ports.AttemptResult{
			Outcome:      ports.OutcomeRateLimited,
			Status:       resp.StatusCode,
			Headers:      headers,
			Body:         body,
			ResetHint:    hint,
			LatencyMs:    latency,
			UpstreamAddr: u.baseURL.Host,
		}, nil
	}

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
		resp.Body.Close()
		return ports.AttemptResult{
			Outcome:      ports.OutcomeUpstreamHTTPError,
			Status:       resp.StatusCode,
			Headers:      headers,
			Body:         body,
			LatencyMs:    latency,
			UpstreamAddr: u.baseURL.Host,
		}, nil
	}

	if stream {
		return ports.AttemptResult{
			Outcome:      ports.OutcomeOK,
			Status:       resp.StatusCode,
			Headers:      headers,
			Stream:       resp.Body,
			LatencyMs:    latency,
			UpstreamAddr: u.baseURL.Host,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	resp.Body.Close()
	if err != nil {
		return ports.AttemptResult{}, fmt.Errorf("read response: %w", err)
	}

	return ports.AttemptResult{
		Outcome:      ports.OutcomeOK,
		Status:       resp.StatusCode,
		Headers:      headers,
		Body:         body,
		LatencyMs:    latency,
		UpstreamAddr: u.baseURL.Host,
	}, nil
}

// Forward performs a one-shot, key-less call for public endpoints (no
// retry loop wrapped around it).
func (u *UpstreamClient) Forward(ctx context.Context, req proxy.Request) (proxy.Response, error) {
	result, err := u.Attempt(ctx, req, "", false)
	if err != nil {
		return proxy.Response{}, err
	}
	switch result.Outcome {
	case ports.OutcomeTransportError:
		return proxy.Response{}, transportErrorFor(result.TransportKind)
	default:
		return proxy.Response{
			Status:       result.Status,
			Headers:      result.Headers,
			Body:         result.Body,
			LatencyMs:    result.LatencyMs,
			UpstreamAddr: result.UpstreamAddr,
		}, nil
	}
}

// FetchModels implements ports.ModelFetcher: a GET to the upstream models
// endpoint with no Authorization header, since the endpoint is public
// (per spec.md's Model Filter Cache refresh description).
func (u *UpstreamClient) FetchModels(ctx context.Context) ([]byte, error) {
	modelsURL := u.baseURL.ResolveReference(&url.URL{Path: "/api/v1/models"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, modelsURL.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch models: upstream returned status %d", resp.StatusCode)
	}
	return body, nil
}

// HealthCheck verifies the upstream is reachable.
func (u *UpstreamClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, u.baseURL.String(), nil)
	if err != nil {
		return err
	}
	resp, err := u.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases pooled connections.
func (u *UpstreamClient) Close() {
	u.client.CloseIdleConnections()
	u.streamingClient.CloseIdleConnections()
}

func classifyTransportError(err error) ports.TransportErrorKind {
	if err == nil {
		return ports.TransportOther
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return ports.TransportTimeout
	}
	msg := err.Error()
	if strings.Contains(msg, "connection refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connect:") {
		return ports.TransportConnect
	}
	return ports.TransportOther
}

// extractResetHint looks for a rate-limit reset signal on a 429 response,
// preferring the standard Retry-After header (seconds or HTTP-date) and
// falling back to the upstream's JSON error body, per §4.2/§7.
func extractResetHint(headers http.Header, body []byte) *time.Time {
	if ra := headers.Get("Retry-After"); ra != "" {
		if secs, err := time.ParseDuration(ra + "s"); err == nil {
			t := time.Now().Add(secs)
			return &t
		}
		if when, err := http.ParseTime(ra); err == nil {
			return &when
		}
	}
	if len(body) == 0 {
		return nil
	}
	reset := gjson.GetBytes(body, "error.metadata.reset")
	if reset.Exists() {
		switch reset.Type {
		case gjson.Number:
			t := time.UnixMilli(reset.Int())
			return &t
		case gjson.String:
			if t, err := time.Parse(time.RFC3339, reset.String()); err == nil {
				return &t
			}
		}
	}
	return nil
}

func transportErrorFor(kind ports.TransportErrorKind) error {
	switch kind {
	case ports.TransportConnect:
		return fmt.Errorf("upstream connect error")
	case ports.TransportTimeout:
		return fmt.Errorf("upstream timeout")
	default:
		return fmt.Errorf("upstream transport error")
	}
}

// Ensure interface compliance.
var (
	_ ports.Upstream     = (*UpstreamClient)(nil)
	_ ports.ModelFetcher = (*UpstreamClient)(nil)
)
