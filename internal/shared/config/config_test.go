package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"ENV", "DATABASE_URL", "LEDGER_BACKEND", "TRYON_TIMEOUT", "TRYON_POLL_INTERVAL", "TIER_COST_STANDARD", "TIER_COST_HIGH", "OBJECT_STORE", "TRYON_MAX_PIXELS", "AWS_LAMBDA_FUNCTION_NAME"} {
		t.Setenv(key, "")
	}
	cfg := Load()

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "memory", cfg.LedgerBackend)
	assert.Equal(t, 180*time.Second, cfg.TryOnTimeout)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, int64(10), cfg.TierCostStandard)
	assert.Equal(t, int64(20), cfg.TierCostHigh)
	assert.Equal(t, int64(10<<20), cfg.MaxImageBytes)
	assert.Equal(t, 2000, cfg.MaxDimension)
	assert.Equal(t, int64(50_000_000), cfg.MaxPixels)
	assert.False(t, cfg.Lambda)
	assert.Equal(t, "local", cfg.ObjectStoreType)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("ENV", "prod")
	t.Setenv("DATABASE_URL", "postgres://localhost/tryon")
	t.Setenv("TRYON_TIMEOUT", "90")
	t.Setenv("TRYON_POLL_INTERVAL", "500ms")
	t.Setenv("TIER_COST_HIGH", "35")
	t.Setenv("RESULT_MIRROR", "true")
	t.Setenv("PUBLIC_BASE_URL", "https://tryon.example.com/")
	t.Setenv("CORS_ALLOW_ORIGINS", "https://a.example.com, https://b.example.com")
	cfg := Load()

	assert.Equal(t, "production", cfg.Env)
	assert.Equal(t, "postgres", cfg.LedgerBackend)
	assert.Equal(t, 90*time.Second, cfg.TryOnTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, int64(35), cfg.TierCostHigh)
	assert.True(t, cfg.ResultMirror)
	assert.Equal(t, "https://tryon.example.com", cfg.PublicBaseURL)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.CORSAllowOrigin)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("TRYON_TIMEOUT", "soon")
	t.Setenv("TIER_COST_STANDARD", "-4")
	t.Setenv("TRYON_IMAGE_QUALITY", "7")
	t.Setenv("LEDGER_BACKEND", "Redis")
	cfg := Load()

	assert.Equal(t, 180*time.Second, cfg.TryOnTimeout)
	assert.Equal(t, int64(10), cfg.TierCostStandard)
	assert.Equal(t, 0.95, cfg.ImageQuality)
	assert.Equal(t, "redis", cfg.LedgerBackend)
}

func TestLoadDBPoolOverrides(t *testing.T) {
	t.Setenv("DB_MAX_OPEN_CONNS", "7")
	t.Setenv("DB_MAX_IDLE_CONNS", "")
	t.Setenv("DB_CONN_MAX_LIFETIME", "20m")
	t.Setenv("DB_CONN_MAX_IDLE_TIME", "45")
	t.Setenv("DB_PING_TIMEOUT", "nope")
	cfg := Load()

	assert.Equal(t, DBPool{
		MaxOpenConns:    7,
		ConnMaxLifetime: 20 * time.Minute,
		ConnMaxIdleTime: 45 * time.Second,
	}, cfg.DBPool)
}

func TestLambdaClampsTryOnTimeout(t *testing.T) {
	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "tryon-http")
	t.Setenv("TRYON_TIMEOUT", "180")
	cfg := Load()
	assert.True(t, cfg.Lambda)
	assert.Equal(t, LambdaMaxTryOnTimeout, cfg.TryOnTimeout)

	t.Setenv("TRYON_TIMEOUT", "12s")
	assert.Equal(t, 12*time.Second, Load().TryOnTimeout)

	t.Setenv("AWS_LAMBDA_FUNCTION_NAME", "")
	t.Setenv("TRYON_TIMEOUT", "180")
	cfg = Load()
	assert.False(t, cfg.Lambda)
	assert.Equal(t, 180*time.Second, cfg.TryOnTimeout)
}
