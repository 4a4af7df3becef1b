// Package config handles engine configuration and environment loading.
package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the query execution engine.
type Config struct {
	ListenAddr string // HTTP listen address (default ":8080")
	LogLevel   string // log level: debug, info, warn, error (default "info")
	Env        string // environment: "development" (default) or "production"

	// Service token auth
	JWTSecret   string        // HS256 shared secret (required)
	JWTIssuer   string        // expected token issuer
	JWTAudience string        // expected token audience
	TokenTTL    time.Duration // minted token lifetime (default 5m)

	// Query execution
	QueryTimeout   time.Duration // hard per-query deadline (default 30s)
	MaxRows        int           // row ceiling per logical query (default 10000)
	MaxConcurrency int           // concurrent group executions per batch (default 4)
	QueryTimezone  string        // reference timezone for relative date presets

	// Caching and coalescing
	CacheTTL        time.Duration // result cache entry lifetime (default 60s)
	CacheMaxEntries int           // result cache LRU bound (default 512)
	InflightTTL     time.Duration // single-flight entry expiry (default 15s)
	RegistryTTL     time.Duration // datasource registration lifetime (default 10m)

	// Rate limiting
	MaxRequestsPerMinute int     // per-(workspace, actor) sliding window (default 240)
	RateLimitRPS         float64 // HTTP-level sustained requests per second (default 100)
	RateLimitBurst       int     // HTTP-level burst capacity (default 200)

	// CORS
	CORSAllowedOrigins []string // allowed origins for CORS (default: ["*"])

	// AllowDirectDatasource honors the X-Datasource-Url bypass header.
	AllowDirectDatasource bool
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.IsProduction() && c.JWTSecret == "dev-secret-change-in-production" {
		return fmt.Errorf("JWT_SECRET must not be the development default in production")
	}
	return nil
}

// LoadFromEnv loads configuration from environment variables, applying
// defaults for anything unset.
func LoadFromEnv() (*Config, error) {
	cfg := &Config{
		ListenAddr:  os.Getenv("LISTEN_ADDR"),
		LogLevel:    os.Getenv("LOG_LEVEL"),
		Env:         os.Getenv("ENV"),
		JWTSecret:   os.Getenv("JWT_SECRET"),
		JWTIssuer:   os.Getenv("JWT_ISSUER"),
		JWTAudience: os.Getenv("JWT_AUDIENCE"),

		QueryTimezone: os.Getenv("QUERY_TIMEZONE"),

		TokenTTL:     parseDurationEnv("TOKEN_TTL", 5*time.Minute),
		QueryTimeout: parseDurationEnv("QUERY_TIMEOUT", 30*time.Second),
		CacheTTL:     parseDurationEnv("CACHE_TTL", time.Minute),
		InflightTTL:  parseDurationEnv("INFLIGHT_TTL", 15*time.Second),
		RegistryTTL:  parseDurationEnv("REGISTRY_TTL", 10*time.Minute),

		MaxRows:              parseIntEnv("MAX_ROWS", 10000),
		MaxConcurrency:       parseIntEnv("MAX_CONCURRENCY", 4),
		CacheMaxEntries:      parseIntEnv("CACHE_MAX_ENTRIES", 512),
		MaxRequestsPerMinute: parseIntEnv("MAX_REQUESTS_PER_MINUTE", 240),
		RateLimitBurst:       parseIntEnv("RATE_LIMIT_BURST", 200),

		AllowDirectDatasource: strings.EqualFold(os.Getenv("ALLOW_DIRECT_DATASOURCE"), "true"),
	}

	cfg.RateLimitRPS = 100
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.RateLimitRPS = f
		}
	}

	if v := os.Getenv("CORS_ALLOWED_ORIGINS"); v != "" {
		origins := strings.Split(v, ",")
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		cfg.CORSAllowedOrigins = origins
	}

	// Defaults
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.JWTIssuer == "" {
		cfg.JWTIssuer = "querygrid"
	}
	if cfg.JWTAudience == "" {
		cfg.JWTAudience = "querygrid"
	}
	if len(cfg.CORSAllowedOrigins) == 0 {
		cfg.CORSAllowedOrigins = []string{"*"}
	}
	if !cfg.IsProduction() && cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret-change-in-production"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv reads a .env file and sets every variable not already present
// in the environment, so real environment variables always win. A missing
// file is not an error. Lines are KEY=VALUE; blank lines and # comments are
// skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = unquote(strings.TrimSpace(value))
		if os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("setenv %s: %w", key, err)
		}
	}
	return scanner.Err()
}

// unquote strips one layer of matching surrounding quotes from a .env value.
func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func parseDurationEnv(name string, def time.Duration) time.Duration {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func parseIntEnv(name string, def int) int {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
