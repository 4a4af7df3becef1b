// Package app wires the engine's services together: one place constructs
// every cache, limiter, and registry so each process (and each test) gets
// its own isolated instances.
package app

import (
	"log/slog"

	"querygrid/internal/auth"
	"querygrid/internal/cache"
	"querygrid/internal/config"
	"querygrid/internal/engine"
	"querygrid/internal/pipeline"
	"querygrid/internal/ratelimit"
	"querygrid/internal/registry"
)

// App holds the fully-wired engine.
type App struct {
	Cfg      *config.Config
	Logger   *slog.Logger
	Tokens   *auth.Service
	Registry *registry.Registry
	Engine   *engine.Engine
	Cache    *cache.ResultCache
	Limiter  *ratelimit.Limiter
	Pipeline *pipeline.Pipeline
}

// New constructs every service from config.
func New(cfg *config.Config, logger *slog.Logger) *App {
	reg := registry.New(cfg.RegistryTTL)
	eng := engine.New(logger)
	resultCache := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL)

	pipe := pipeline.New(reg, eng, resultCache, pipeline.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		QueryTimeout:   cfg.QueryTimeout,
		MaxRows:        cfg.MaxRows,
		InflightTTL:    cfg.InflightTTL,
		Timezone:       cfg.QueryTimezone,
	}, logger)

	return &App{
		Cfg:      cfg,
		Logger:   logger,
		Tokens:   auth.New(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience, cfg.TokenTTL),
		Registry: reg,
		Engine:   eng,
		Cache:    resultCache,
		Limiter:  ratelimit.New(cfg.MaxRequestsPerMinute),
		Pipeline: pipe,
	}
}

// Close releases held resources.
func (a *App) Close() {
	a.Engine.Close()
}
