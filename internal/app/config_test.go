package app

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 30*time.Second, cfg.PositionCacheTTL)
	require.Equal(t, 72*time.Hour, cfg.IdempotencyRetention)
	require.Equal(t, "0 3 * * *", cfg.LedgerScanCron)
	require.Equal(t, ":9091", cfg.WorkerMetricsAddr)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigReadsEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("POSITION_CACHE_TTL=5s\nRATE_LIMIT_PER_MINUTE=42\n"), 0o600))
	t.Setenv("ENV_FILE", path)
	t.Setenv("APP_ENV", "production")
	// godotenv.Load does not override variables that are already set.
	t.Setenv("RATE_LIMIT_PER_MINUTE", "7")
	t.Cleanup(func() { os.Unsetenv("POSITION_CACHE_TTL") })

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, cfg.PositionCacheTTL)
	require.Equal(t, 7, cfg.RateLimitPerMinute)
	require.True(t, cfg.IsProduction())
}

func TestLoadConfigRejectsNonPositiveRateLimit(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("RATE_LIMIT_PER_MINUTE", "0")

	_, err := LoadConfig()
	require.Error(t, err)
}

func TestLoggerFormatAndLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn"}, &buf)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.True(t, strings.HasPrefix(out, "{"))
	require.Contains(t, out, `"msg":"shown"`)
}
