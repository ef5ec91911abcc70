// Package app contains the orchestration services that wire the pure
// domain logic to concrete adapters: the Key Manager, Model Filter Cache,
// and Proxy Engine.
package app

import (
	"fmt"
	"sync"
	"time"

	"github.com/artpar/orproxy/domain/keypool"
	"github.com/artpar/orproxy/ports"
	"github.com/rs/zerolog"
)

// KeySelectionOpts carries the recognized tags from
// openrouter.key_selection_opts (§6). Only "same" is defined today.
type KeySelectionOpts struct {
	UseLast bool
}

// AllKeysCooling is returned by KeyManager.Acquire when every key is in
// cooldown, carrying the wait-seconds hint the Proxy Engine surfaces on
// the 503 response.
type AllKeysCooling struct {
	WaitSeconds float64
}

func (e *AllKeysCooling) Error() string {
	return fmt.Sprintf("all keys cooling, retry in %.1fs", e.WaitSeconds)
}

// KeyManager is the concurrent state machine governing key selection,
// cooldown, and availability (§4.1). It wraps the pure functions in
// domain/keypool with a mutex, a Clock, and (for the random strategy) a
// Random source, so tests can inject adapters/clock.Fake and
// adapters/random.Fake instead of wall-clock time and math/rand.
type KeyManager struct {
	mu       sync.Mutex
	state    keypool.State
	strategy keypool.Strategy
	opts     KeySelectionOpts
	cooldown time.Duration

	clock   ports.Clock
	random  ports.Random
	metrics ports.MetricsCollector
	logger  zerolog.Logger
}

// NewKeyManager constructs a KeyManager over a fixed, immutable key order.
// An unrecognized strategy is a fatal configuration error (§4.1), not a
// runtime one, so this returns an error rather than panicking mid-request.
func NewKeyManager(keys []string, strategy keypool.Strategy, opts KeySelectionOpts, cooldown time.Duration, clock ports.Clock, random ports.Random, metrics ports.MetricsCollector, logger zerolog.Logger) (*KeyManager, error) {
	switch strategy {
	case keypool.RoundRobin, keypool.First, keypool.Random:
	default:
		return nil, fmt.Errorf("unknown key selection strategy %q", strategy)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("key pool must not be empty")
	}

	km := &KeyManager{
		state:    keypool.NewState(keys),
		strategy: strategy,
		opts:     opts,
		cooldown: cooldown,
		clock:    clock,
		random:   random,
		metrics:  metrics,
		logger:   logger,
	}
	km.updateGauges(km.state)
	return km, nil
}

// SetCooldown updates the rate-limit cooldown window applied to future
// penalties, so a config hot-reload (§10) takes effect without a restart.
// Keys already cooling keep their previously computed reset time.
func (km *KeyManager) SetCooldown(cooldown time.Duration) {
	km.mu.Lock()
	defer km.mu.Unlock()
	km.cooldown = cooldown
}

// Acquire hands out an available key, per §4.1's acquire() operation.
func (km *KeyManager) Acquire() (string, error) {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.clock.Now()
	keypool.Sweep(&km.state, now)

	avail := keypool.Available(&km.state, now)
	if len(avail) == 0 {
		wait := km.cooldown
		if soonest, ok := keypool.SoonestAvailable(&km.state); ok {
			wait = soonest.Sub(now)
			if wait < 0 {
				wait = 0
			}
		}
		km.updateGauges(km.state)
		return "", &AllKeysCooling{WaitSeconds: wait.Seconds()}
	}

	if km.opts.UseLast && km.state.LastSelected != "" {
		if _, ok := avail[km.state.LastSelected]; ok {
			key := km.state.LastSelected
			km.updateGauges(km.state)
			return key, nil
		}
	}

	var (
		key string
		ok  bool
	)
	switch km.strategy {
	case keypool.RoundRobin:
		key, ok = keypool.SelectRoundRobin(&km.state, avail)
	case keypool.First:
		key, ok = keypool.SelectFirst(&km.state, avail)
	case keypool.Random:
		key, ok = keypool.SelectRandom(avail, km.state.Order, km.random.Intn)
	}
	if !ok {
		// avail is non-empty so a strategy failing to pick is a bug, not a
		// reachable runtime state; surface it as AllKeysCooling rather than
		// panicking mid-request.
		km.updateGauges(km.state)
		return "", &AllKeysCooling{WaitSeconds: km.cooldown.Seconds()}
	}

	km.state.LastSelected = key
	km.updateGauges(km.state)
	km.logger.Debug().Str("key", keypool.Mask(key)).Msg("key acquired")
	return key, nil
}

// Penalize puts key into cooldown, per §4.1's penalize() operation.
// resetHint, if non-nil, is used when it is strictly in the future;
// otherwise (absent, or past-dated) the configured default cooldown
// applies and a past/malformed hint is logged as a warning.
func (km *KeyManager) Penalize(key string, resetHint *time.Time) {
	km.mu.Lock()
	defer km.mu.Unlock()

	now := km.clock.Now()
	until := now.Add(km.cooldown)
	if resetHint != nil {
		if resetHint.After(now) {
			until = *resetHint
		} else {
			km.logger.Warn().Str("key", keypool.Mask(key)).Time("reset_hint", *resetHint).Msg("rate-limit reset hint is not in the future, falling back to default cooldown")
		}
	}

	km.state.DisabledUntil[key] = until
	km.updateGauges(km.state)
	km.logger.Info().Str("key", keypool.Mask(key)).Time("until", until).Msg("key penalized")
}

// SnapshotCounts returns (active, cooling) for observability (§4.1).
func (km *KeyManager) SnapshotCounts() (active, cooling int) {
	km.mu.Lock()
	defer km.mu.Unlock()
	return keypool.ActiveCoolingCounts(&km.state, km.clock.Now())
}

func (km *KeyManager) updateGauges(s keypool.State) {
	if km.metrics == nil {
		return
	}
	active, cooling := keypool.ActiveCoolingCounts(&s, km.clock.Now())
	km.metrics.SetKeyCounts(active, cooling)
}
