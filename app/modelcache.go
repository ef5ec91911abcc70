package app

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/orproxy/domain/modelcache"
	"github.com/artpar/orproxy/ports"
	"golang.org/x/sync/singleflight"
)

// ModelCache provides a bounded-staleness view of upstream model metadata
// (§4.4), wrapping domain/modelcache's pure parse/filter functions. The
// "ensure fresh" critical section is implemented with singleflight rather
// than a bare mutex: every caller that observes a stale cache calls
// Do("refresh", ...) on the shared group, so concurrent callers block on
// one in-flight HTTP refresh and all receive the same result.
type ModelCache struct {
	mu          sync.RWMutex
	models      []modelcache.Model
	freeIDs     map[string]struct{}
	lastRefresh time.Time

	ttl     time.Duration
	fetcher ports.ModelFetcher
	clock   ports.Clock
	group   singleflight.Group
}

// NewModelCache constructs an empty cache; the first call to any getter
// triggers a refresh.
func NewModelCache(fetcher ports.ModelFetcher, ttl time.Duration, clk ports.Clock) *ModelCache {
	return &ModelCache{
		fetcher: fetcher,
		ttl:     ttl,
		clock:   clk,
	}
}

// GetModels returns the cached model list, refreshing first if stale. A
// refresh failure is only returned here if there is no prior data to fall
// back on; otherwise the stale list is served silently (§4.4).
func (c *ModelCache) GetModels(ctx context.Context) ([]modelcache.Model, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.models, nil
}

// GetFreeIDs returns the cached free-model id set, refreshing first if
// stale. A refresh failure is only returned here if there is no prior data
// to fall back on; otherwise the stale set is served silently (§4.4).
func (c *ModelCache) GetFreeIDs(ctx context.Context) (map[string]struct{}, error) {
	if err := c.ensureFresh(ctx); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.freeIDs, nil
}

// IsAllowed reports whether modelID is in the free set, refreshing first
// if stale.
func (c *ModelCache) IsAllowed(ctx context.Context, modelID string) (bool, error) {
	freeIDs, err := c.GetFreeIDs(ctx)
	if err != nil {
		return false, err
	}
	_, ok := freeIDs[modelID]
	return ok, nil
}

// ensureFresh refreshes the cache if stale. A refresh failure only
// escapes to the caller when there is no prior data at all — matching
// the Python original's _refresh_cache, which swallows the fetch
// exception internally and never lets it surface out of get_models()/
// get_free_model_ids() (original_source/src/services/
// model_filter_service.py). Once the cache has ever been populated, a
// failed refresh is a brief degradation, not a flap: the stale data (and
// the bumped last_refresh that suppresses an immediate retry storm) is
// served silently.
func (c *ModelCache) ensureFresh(ctx context.Context) error {
	c.mu.RLock()
	stale := len(c.models) == 0 || c.clock.Now().Sub(c.lastRefresh) > c.ttl
	c.mu.RUnlock()
	if !stale {
		return nil
	}

	_, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		c.mu.RLock()
		stillStale := len(c.models) == 0 || c.clock.Now().Sub(c.lastRefresh) > c.ttl
		c.mu.RUnlock()
		if !stillStale {
			return nil, nil
		}
		return nil, c.refresh(ctx)
	})
	if err == nil {
		return nil
	}

	c.mu.RLock()
	hasPriorData := len(c.models) > 0
	c.mu.RUnlock()
	if hasPriorData {
		return nil
	}
	return err
}

// refresh issues a GET to the configured upstream models URL with no
// authorization header, parses the JSON body, and repopulates both models
// and freeIDs. A failure sets lastRefresh to now without clearing prior
// data — a transient upstream outage degrades briefly rather than
// flapping, while preventing request storms.
func (c *ModelCache) refresh(ctx context.Context) error {
	body, err := c.fetcher.FetchModels(ctx)
	now := c.clock.Now()
	if err != nil {
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
		return err
	}

	models, ok := modelcache.ParseModelList(body)
	if !ok {
		c.mu.Lock()
		c.lastRefresh = now
		c.mu.Unlock()
		return nil
	}

	freeIDs := modelcache.FreeIDSet(models)

	c.mu.Lock()
	c.models = models
	c.freeIDs = freeIDs
	c.lastRefresh = now
	c.mu.Unlock()
	return nil
}
