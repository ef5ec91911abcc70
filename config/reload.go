package config

import (
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadableConfig is the subset of Config that may change without a
// process restart (§10). The key pool itself is deliberately excluded:
// swapping keys live would let a penalized or acquired key vanish out
// from under a concurrent attempt, so openrouter.keys is restart-only.
type ReloadableConfig struct {
	FreeOnly             bool
	PublicEndpoints      []string
	RateLimitCooldownSec int
	KeySelectionStrategy string
	KeySelectionOpts     []string
}

func reloadableFrom(cfg *Config) *ReloadableConfig {
	return &ReloadableConfig{
		FreeOnly:             cfg.OpenRouter.FreeOnly,
		PublicEndpoints:      append([]string(nil), cfg.OpenRouter.PublicEndpoints...),
		RateLimitCooldownSec: cfg.OpenRouter.RateLimitCooldown,
		KeySelectionStrategy: cfg.OpenRouter.KeySelectionStrategy,
		KeySelectionOpts:     append([]string(nil), cfg.OpenRouter.KeySelectionOpts...),
	}
}

// Holder owns the loaded configuration plus an fsnotify watch on its
// containing directory, atomically publishing a fresh ReloadableConfig
// whenever the file changes. Reads never block a writer and vice versa.
//
// The directory, not the file, is watched: editors and orchestration
// tooling commonly replace a config file via rename-into-place, which
// fsnotify sees as a Remove on the old inode rather than a Write.
type Holder struct {
	path   string
	logger zerolog.Logger

	full *Config // only Reload, under mu, may replace this
	mu   sync.RWMutex

	reloadable atomic.Pointer[ReloadableConfig]

	watcher    *fsnotify.Watcher
	onChangeMu sync.Mutex
	onChange   []func(*ReloadableConfig)
	stopCh     chan struct{}
}

// NewHolder loads path and wraps it in a Holder ready to watch.
func NewHolder(path string, logger zerolog.Logger) (*Holder, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	h := &Holder{path: path, logger: logger, full: cfg, stopCh: make(chan struct{})}
	h.reloadable.Store(reloadableFrom(cfg))
	return h, nil
}

// Full returns the most recently loaded configuration. Each successful
// Reload replaces it, always carrying over the key pool loaded at startup;
// components built from it at startup (server bind address, access key,
// upstream base URL, key pool) do not see later changes.
func (h *Holder) Full() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.full
}

// Reloadable returns the current hot-reloadable subset.
func (h *Holder) Reloadable() *ReloadableConfig {
	return h.reloadable.Load()
}

// OnChange registers a callback invoked with the new ReloadableConfig
// after every successful Reload.
func (h *Holder) OnChange(fn func(*ReloadableConfig)) {
	h.onChangeMu.Lock()
	defer h.onChangeMu.Unlock()
	h.onChange = append(h.onChange, fn)
}

// Reload re-reads the config file and swaps in the new reloadable
// subset. A parse or validation failure is logged and the previous
// configuration is kept in place — a bad edit must never take down a
// running proxy.
func (h *Holder) Reload() error {
	cfg, err := Load(h.path)
	if err != nil {
		h.logger.Error().Err(err).Str("path", h.path).Msg("config reload failed, keeping previous configuration")
		return err
	}

	h.mu.RLock()
	prevKeys := h.full.OpenRouter.Keys
	h.mu.RUnlock()
	if !slices.Equal(cfg.OpenRouter.Keys, prevKeys) {
		h.logger.Warn().
			Int("running_key_count", len(prevKeys)).
			Int("file_key_count", len(cfg.OpenRouter.Keys)).
			Msg("openrouter.keys changed on disk but the key pool is restart-only; ignoring")
		cfg.OpenRouter.Keys = prevKeys
	}

	h.mu.Lock()
	h.full = cfg
	h.mu.Unlock()

	next := reloadableFrom(cfg)
	h.reloadable.Store(next)

	h.logger.Info().
		Bool("free_only", next.FreeOnly).
		Strs("public_endpoints", next.PublicEndpoints).
		Int("rate_limit_cooldown", next.RateLimitCooldownSec).
		Str("key_selection_strategy", next.KeySelectionStrategy).
		Msg("configuration reloaded")

	h.onChangeMu.Lock()
	callbacks := append([]func(*ReloadableConfig){}, h.onChange...)
	h.onChangeMu.Unlock()
	for _, fn := range callbacks {
		fn(next)
	}
	return nil
}

// Watch starts the fsnotify watch loop in a background goroutine. Call
// Stop to tear it down.
func (h *Holder) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dir := filepath.Dir(h.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return err
	}
	h.watcher = watcher

	target := filepath.Clean(h.path)
	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				_ = h.Reload()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Error().Err(err).Msg("config watcher error")
			case <-h.stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop tears down the fsnotify watch loop.
func (h *Holder) Stop() {
	close(h.stopCh)
	if h.watcher != nil {
		h.watcher.Close()
	}
}
