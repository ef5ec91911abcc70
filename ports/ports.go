// Package ports defines interfaces (contracts) between layers. These
// interfaces enable dependency injection and testability; concrete
// implementations live in adapters/.
package ports

import (
	"context"
	"io"
	"time"

	"github.com/artpar/orproxy/domain/proxy"
)

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

// Random abstracts randomness for testability (used by the Key Manager's
// "random" selection strategy).
type Random interface {
	Intn(n int) int
}

// IDGenerator generates unique identifiers (used to synthesize a request
// id when the caller supplies no X-Request-ID).
type IDGenerator interface {
	New() string
}

// Outcome enumerates the classified result of one upstream attempt, per
// the Upstream Client's contract.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeRateLimited
	OutcomeUpstreamHTTPError
	OutcomeTransportError
)

// TransportErrorKind distinguishes why an attempt failed at the
// transport layer.
type TransportErrorKind int

const (
	TransportConnect TransportErrorKind = iota
	TransportTimeout
	TransportOther
)

// AttemptResult is the structured outcome of a single upstream attempt.
type AttemptResult struct {
	Outcome Outcome

	// Populated when Outcome == OutcomeOK, OutcomeRateLimited or
	// OutcomeUpstreamHTTPError.
	Status  int
	Headers map[string]string
	Body    []byte     // non-streaming body, or nil when Stream is set
	Stream  io.ReadCloser // streaming body; caller must close

	// Populated when Outcome == OutcomeRateLimited: an absolute deadline
	// parsed from the upstream response, if one could be extracted.
	ResetHint *time.Time

	// Populated when Outcome == OutcomeTransportError.
	TransportKind TransportErrorKind

	LatencyMs    int64
	UpstreamAddr string
}

// Upstream performs one attempt against the configured upstream API,
// injecting the given pool key as the Authorization bearer token.
type Upstream interface {
	// Attempt performs one non-streaming or streaming call, depending on
	// stream. The caller must Close() AttemptResult.Stream when non-nil.
	Attempt(ctx context.Context, req proxy.Request, key string, stream bool) (AttemptResult, error)

	// Forward performs a one-shot, key-less call for public endpoints
	// (e.g. the models listing), with no retry loop wrapped around it.
	Forward(ctx context.Context, req proxy.Request) (proxy.Response, error)

	// HealthCheck verifies the upstream is reachable.
	HealthCheck(ctx context.Context) error

	// Close releases pooled connections.
	Close()
}

// ModelFetcher performs the single GET the Model Filter Cache needs to
// refresh its snapshot. Kept separate from Upstream so the cache doesn't
// need a pool key or the retry machinery.
type ModelFetcher interface {
	FetchModels(ctx context.Context) ([]byte, error)
}

// MetricsCollector receives the observability updates named in §4.6.
type MetricsCollector interface {
	SetKeyCounts(active, cooling int)
	AddTokensSent(n int64)
	AddTokensReceived(n int64)
	ObserveRequest(method, path string, status int, durationSeconds float64)
	ObserveUpstream(durationSeconds float64, err bool)
}
