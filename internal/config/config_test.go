package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFromEnv_Defaults(t *testing.T) {
	cfg, err := LoadFromEnv()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "querygrid", cfg.JWTIssuer)
	assert.Equal(t, 5*time.Minute, cfg.TokenTTL)
	assert.Equal(t, 30*time.Second, cfg.QueryTimeout)
	assert.Equal(t, time.Minute, cfg.CacheTTL)
	assert.Equal(t, 10000, cfg.MaxRows)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 512, cfg.CacheMaxEntries)
	assert.Equal(t, 240, cfg.MaxRequestsPerMinute)
	assert.Equal(t, []string{"*"}, cfg.CORSAllowedOrigins)
	assert.False(t, cfg.AllowDirectDatasource)
	assert.False(t, cfg.IsProduction())
	assert.NotEmpty(t, cfg.JWTSecret, "development runs get a dev secret")
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("QUERY_TIMEOUT", "10s")
	t.Setenv("MAX_ROWS", "500")
	t.Setenv("ALLOW_DIRECT_DATASOURCE", "true")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("JWT_SECRET", "prod-secret")

	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.QueryTimeout)
	assert.Equal(t, 500, cfg.MaxRows)
	assert.True(t, cfg.AllowDirectDatasource)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowedOrigins)
}

func TestLoadFromEnv_ProductionRequiresRealSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("JWT_SECRET", "")
	_, err := LoadFromEnv()
	assert.Error(t, err)

	t.Setenv("JWT_SECRET", "dev-secret-change-in-production")
	_, err = LoadFromEnv()
	assert.Error(t, err, "the development default is rejected in production")

	t.Setenv("JWT_SECRET", "real-secret")
	cfg, err := LoadFromEnv()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"# local overrides\n"+
			"LISTEN_ADDR=:9191\n"+
			"LOG_LEVEL=\"debug\"\n"+
			"\n"+
			"not a key value line\n"+
			"QUERY_TIMEOUT='45s'\n",
	), 0o600))

	t.Setenv("LISTEN_ADDR", ":7070")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("QUERY_TIMEOUT", "")

	require.NoError(t, LoadDotEnv(path))

	assert.Equal(t, ":7070", os.Getenv("LISTEN_ADDR"), "real environment wins over the file")
	assert.Equal(t, "debug", os.Getenv("LOG_LEVEL"), "quotes are stripped")
	assert.Equal(t, "45s", os.Getenv("QUERY_TIMEOUT"))
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, (&Config{LogLevel: "debug"}).SlogLevel())
	assert.Equal(t, slog.LevelWarn, (&Config{LogLevel: "WARN"}).SlogLevel())
	assert.Equal(t, slog.LevelError, (&Config{LogLevel: "error"}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{}).SlogLevel())
	assert.Equal(t, slog.LevelInfo, (&Config{LogLevel: "bogus"}).SlogLevel())
}
