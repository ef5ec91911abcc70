package app

import (
	"context"
	"errors"
	"io"
	"sync/atomic"

	"github.com/artpar/orproxy/domain/modelcache"
	"github.com/artpar/orproxy/domain/proxy"
	"github.com/artpar/orproxy/domain/streaming"
	"github.com/artpar/orproxy/ports"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"
)

// MaxAttempts is the fixed retry budget for the chat-completions retry
// loop (§4.3), coupling the Proxy Engine to the Key Manager on rate-limit
// failures only.
const MaxAttempts = 10

// StreamResult is the committed streaming outcome handed back to the
// HTTP layer once the upstream status is known to be < 400: the byte
// stream is relayed verbatim from this point on, with no further retry
// possible (§4.3's "cannot retry after first byte" rule).
type StreamResult struct {
	Status  int
	Headers map[string]string
	Body    io.ReadCloser

	// OnComplete is invoked by the caller once the entire stream has been
	// relayed, with every byte observed concatenated, so the engine can
	// finalize token accounting from the last SSE event carrying usage
	// (§4.6/§8 S7).
	OnComplete func(allData []byte)
}

// ChatResult is the outcome of HandleChatCompletion: exactly one of
// Response or Stream is populated, matching the "prepare attempt → commit
// to streaming" structure from §9.
type ChatResult struct {
	Streaming bool
	Response  proxy.Response
	Stream    *StreamResult
}

// Engine implements the Proxy Engine (§4.3): the retry loop that turns
// per-key rate-limit failures into aggregate success, free-only model
// gating via the Model Filter Cache, and relay of the successful response
// to the caller.
type Engine struct {
	keyManager      *KeyManager
	modelCache      *ModelCache
	upstream        ports.Upstream
	metrics         ports.MetricsCollector
	logger          zerolog.Logger
	freeOnly        atomic.Bool
	tokenAccounting bool
}

// NewEngine constructs the Proxy Engine. tokenAccounting defaults to off
// per §9's resolved open question (b); callers that want token counters
// populated must opt in explicitly.
func NewEngine(keyManager *KeyManager, modelCache *ModelCache, upstream ports.Upstream, metricsCollector ports.MetricsCollector, freeOnly, tokenAccounting bool, logger zerolog.Logger) *Engine {
	e := &Engine{
		keyManager:      keyManager,
		modelCache:      modelCache,
		upstream:        upstream,
		metrics:         metricsCollector,
		tokenAccounting: tokenAccounting,
		logger:          logger,
	}
	e.freeOnly.Store(freeOnly)
	return e
}

// SetFreeOnly updates free-only gating in place, so a config hot-reload
// (§10) takes effect on the next request without restarting the engine.
func (e *Engine) SetFreeOnly(freeOnly bool) {
	e.freeOnly.Store(freeOnly)
}

// HandleChatCompletion implements the fixed MAX_ATTEMPTS retry loop
// verbatim from §4.3, for both streaming and non-streaming completions:
// the `stream` field of the request body selects which.
func (e *Engine) HandleChatCompletion(ctx context.Context, req proxy.Request) (*ChatResult, *proxy.ErrorResponse) {
	stream := gjson.GetBytes(req.Body, "stream").Bool()
	model := gjson.GetBytes(req.Body, "model").String()

	if e.freeOnly.Load() {
		allowed, err := e.modelCache.IsAllowed(ctx, model)
		if err != nil {
			e.logger.Warn().Err(err).Msg("model filter cache refresh failed during gating check")
		}
		if !allowed {
			resp := proxy.NewModelNotAllowed(model)
			return nil, &resp
		}
	}

	if e.tokenAccounting && e.metrics != nil {
		e.metrics.AddTokensSent(estimateRequestTokens(req.Body))
	}

	var last ports.AttemptResult
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		key, err := e.keyManager.Acquire()
		if err != nil {
			var cooling *AllKeysCooling
			if errors.As(err, &cooling) {
				resp := proxy.NewAllKeysCooling(cooling.WaitSeconds)
				return nil, &resp
			}
			resp := proxy.ErrInternal
			return nil, &resp
		}

		result, attemptErr := e.upstream.Attempt(ctx, req, key, stream)
		if attemptErr != nil {
			e.logger.Error().Err(attemptErr).Msg("upstream attempt failed unexpectedly")
			resp := proxy.ErrInternal
			return nil, &resp
		}
		last = result

		switch result.Outcome {
		case ports.OutcomeOK:
			if stream {
				return &ChatResult{
					Streaming: true,
					Stream: &StreamResult{
						Status:     result.Status,
						Headers:    result.Headers,
						Body:       result.Stream,
						OnComplete: e.finalizeStreamTokens,
					},
				}, nil
			}
			if e.tokenAccounting && e.metrics != nil {
				e.metrics.AddTokensReceived(completionTokensFromBody(result.Body))
			}
			return &ChatResult{Response: proxy.Response{
				Status:       result.Status,
				Headers:      result.Headers,
				Body:         result.Body,
				LatencyMs:    result.LatencyMs,
				UpstreamAddr: result.UpstreamAddr,
			}}, nil

		case ports.OutcomeRateLimited:
			e.keyManager.Penalize(key, result.ResetHint)
			e.logger.Warn().Int("attempt", attempt).Msg("upstream rate limited, retrying with another key")
			continue

		case ports.OutcomeUpstreamHTTPError:
			return &ChatResult{Response: proxy.Response{
				Status:       result.Status,
				Headers:      result.Headers,
				Body:         result.Body,
				LatencyMs:    result.LatencyMs,
				UpstreamAddr: result.UpstreamAddr,
			}}, nil

		case ports.OutcomeTransportError:
			return &ChatResult{Response: transportErrorResponse(result)}, nil
		}
	}

	// All attempts exhausted: prefer the last captured HTTP status if any,
	// otherwise 503 (§4.3).
	status := last.Status
	if status == 0 {
		status = 503
	}
	return &ChatResult{Response: proxy.Response{
		Status:       status,
		Headers:      last.Headers,
		Body:         last.Body,
		UpstreamAddr: last.UpstreamAddr,
	}}, nil
}

// HandleProxy forwards an authenticated, non-completions /api/v1/* path
// with key substitution (§6's "Forward with key substitution" row): a
// single key is acquired and a single attempt made, with no retry loop —
// the MAX_ATTEMPTS contract in §4.3 is scoped to chat completions.
func (e *Engine) HandleProxy(ctx context.Context, req proxy.Request) (proxy.Response, *proxy.ErrorResponse) {
	key, err := e.keyManager.Acquire()
	if err != nil {
		var cooling *AllKeysCooling
		if errors.As(err, &cooling) {
			resp := proxy.NewAllKeysCooling(cooling.WaitSeconds)
			return proxy.Response{}, &resp
		}
		resp := proxy.ErrInternal
		return proxy.Response{}, &resp
	}

	result, attemptErr := e.upstream.Attempt(ctx, req, key, false)
	if attemptErr != nil {
		resp := proxy.ErrInternal
		return proxy.Response{}, &resp
	}

	if result.Outcome == ports.OutcomeRateLimited {
		e.keyManager.Penalize(key, result.ResetHint)
	}
	if result.Outcome == ports.OutcomeTransportError {
		return transportErrorResponse(result), nil
	}

	return proxy.Response{
		Status:       result.Status,
		Headers:      result.Headers,
		Body:         result.Body,
		LatencyMs:    result.LatencyMs,
		UpstreamAddr: result.UpstreamAddr,
	}, nil
}

// HandleModelsList implements the public, key-less GET /api/v1/models
// path (§6), with the optional free-only post-filter applied to the
// response body (§4.3).
func (e *Engine) HandleModelsList(ctx context.Context, req proxy.Request) (proxy.Response, *proxy.ErrorResponse) {
	resp, err := e.upstream.Forward(ctx, req)
	if err != nil {
		e.logger.Error().Err(err).Msg("models list forward failed")
		errResp := proxy.ErrInternal
		return proxy.Response{}, &errResp
	}

	if e.freeOnly.Load() && resp.Status == 200 {
		resp.Body = modelcache.FilterFree(resp.Body)
	}
	return resp, nil
}

func (e *Engine) finalizeStreamTokens(allData []byte) {
	if !e.tokenAccounting || e.metrics == nil {
		return
	}
	// OpenRouter's usage chunk precedes the closing "[DONE]" event, so walk
	// back from the end to the last event that carries usage.
	events := streaming.ParseSSEEvents(allData)
	for i := len(events) - 1; i >= 0; i-- {
		usage := gjson.Get(events[i].Data, "usage.completion_tokens")
		if usage.Exists() {
			e.metrics.AddTokensReceived(usage.Int())
			return
		}
	}
}

func completionTokensFromBody(body []byte) int64 {
	return gjson.GetBytes(body, "usage.completion_tokens").Int()
}

func transportErrorResponse(result ports.AttemptResult) proxy.Response {
	status := 500
	switch result.TransportKind {
	case ports.TransportConnect:
		status = 503
	case ports.TransportTimeout:
		status = 504
	}
	return proxy.Response{
		Status: status,
		Body:   []byte(`{"error":{"code":"upstream_transport_error","message":"upstream is unreachable"}}`),
	}
}

// estimateRequestTokens is a pre-flight estimate of prompt tokens from the
// request's message bodies, used to increment tokens_sent_total before
// the retry loop starts (§4.6, supplemented per §12 from the original
// get_request_body_tokens helper). It is a rough heuristic — four
// characters per token — not a tokenizer-accurate count.
func estimateRequestTokens(body []byte) int64 {
	var totalChars int64
	gjson.GetBytes(body, "messages").ForEach(func(_, message gjson.Result) bool {
		content := message.Get("content")
		if content.Type == gjson.String {
			totalChars += int64(len(content.String()))
		} else if content.IsArray() {
			content.ForEach(func(_, part gjson.Result) bool {
				totalChars += int64(len(part.Get("text").String()))
				return true
			})
		}
		return true
	})
	return totalChars / 4
}
