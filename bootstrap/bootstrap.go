// Package bootstrap wires the Key Manager, Model Filter Cache, Proxy
// Engine, and HTTP router into a running application, and owns the
// config.Holder's hot-reload wiring.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/artpar/orproxy/adapters/clock"
	apihttp "github.com/artpar/orproxy/adapters/http"
	"github.com/artpar/orproxy/adapters/idgen"
	"github.com/artpar/orproxy/adapters/metrics"
	"github.com/artpar/orproxy/adapters/random"
	"github.com/artpar/orproxy/app"
	"github.com/artpar/orproxy/config"
	"github.com/artpar/orproxy/domain/keypool"
	"github.com/rs/zerolog"
)

// Environment variables that control the ambient logging stack (§10).
// Everything else is sourced from the config file.
const (
	EnvLogLevel  = "ORPROXY_LOG_LEVEL"
	EnvLogFormat = "ORPROXY_LOG_FORMAT"
)

// App represents the running proxy.
type App struct {
	Logger     zerolog.Logger
	HTTPServer *http.Server
	Metrics    *metrics.Collector
	Config     *config.Holder

	keyManager *app.KeyManager
	modelCache *app.ModelCache
	upstream   *apihttp.UpstreamClient
}

// New builds the application from the config file at configPath.
func New(configPath string) (*App, error) {
	logger := setupLoggerFromEnv()

	holder, err := config.NewHolder(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	full := holder.Full()

	a := &App{
		Logger: logger,
		Config: holder,
	}

	metricsCollector := metrics.New()
	a.Metrics = metricsCollector

	upstream, err := apihttp.NewUpstreamClient(apihttp.UpstreamConfig{
		BaseURL:  full.OpenRouter.BaseURL,
		ProxyURL: requestProxyURL(full.RequestProxy),
	})
	if err != nil {
		return nil, fmt.Errorf("build upstream client: %w", err)
	}
	a.upstream = upstream

	strategy := keypool.Strategy(full.OpenRouter.KeySelectionStrategy)
	km, err := app.NewKeyManager(
		full.OpenRouter.Keys,
		strategy,
		app.KeySelectionOpts{UseLast: full.OpenRouter.UseLast()},
		full.OpenRouter.RateLimitCooldownDuration(),
		clock.Real{},
		random.Real{},
		metricsCollector,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("build key manager: %w", err)
	}
	a.keyManager = km

	mc := app.NewModelCache(upstream, 10*time.Minute, clock.Real{})
	a.modelCache = mc

	engine := app.NewEngine(km, mc, upstream, metricsCollector, full.OpenRouter.FreeOnly, true, logger)

	// Keep free_only and the key pool's cooldown window in step with a
	// hot-reloaded config (§10). The key selection strategy/opts and the
	// public endpoint list are read once here at startup; later edits to
	// them take effect only after a restart.
	holder.OnChange(func(rc *config.ReloadableConfig) {
		engine.SetFreeOnly(rc.FreeOnly)
		km.SetCooldown(time.Duration(rc.RateLimitCooldownSec) * time.Second)
	})

	router := apihttp.NewRouter(apihttp.RouterConfig{
		Engine:         engine,
		Upstream:       upstream,
		AccessKey:      full.Server.AccessKey,
		PublicPrefixes: full.OpenRouter.PublicEndpoints,
		IDGenerator:    idgen.UUID{},
		Clock:          clock.Real{},
		Metrics:        metricsCollector,
		Logger:         logger,
		Version:        "dev",
	})

	addr := fmt.Sprintf("%s:%d", full.Server.Host, full.Server.Port)
	a.HTTPServer = &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 600 * time.Second, // long enough for a streamed completion (§5)
	}

	if err := holder.Watch(); err != nil {
		logger.Warn().Err(err).Msg("failed to start config file watcher, hot-reload via SIGHUP only")
	}
	holder.WatchSignals()

	logger.Info().Str("addr", addr).Int("keys", len(full.OpenRouter.Keys)).Msg("orproxy initialized")
	return a, nil
}

func requestProxyURL(cfg config.RequestProxyConfig) string {
	if !cfg.Enabled {
		return ""
	}
	return cfg.URL
}

// Run starts the HTTP server and blocks until shutdown.
func (a *App) Run() error {
	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.HTTPServer.Addr).Msg("starting http server")
		if err := a.HTTPServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	return a.Shutdown()
}

// Shutdown gracefully stops the application.
func (a *App) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if a.Config != nil {
		a.Config.Stop()
	}

	if a.HTTPServer != nil {
		if err := a.HTTPServer.Shutdown(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("http server shutdown error")
		}
	}

	if a.upstream != nil {
		a.upstream.Close()
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLoggerFromEnv() zerolog.Logger {
	levelStr := os.Getenv(EnvLogLevel)
	if levelStr == "" {
		levelStr = "info"
	}

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv(EnvLogFormat) == "console" {
		output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
