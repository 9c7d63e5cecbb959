// restorapi/config/config_test.go
package config_test // Use an external test package

import (
	"restorapi/config"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		// Ensure no env vars are lingering from other tests
		t.Setenv("RESTORAPI_PORT", "")
		t.Setenv("RESTORAPI_MAX_CONCURRENCY", "")
		t.Setenv("RESTORAPI_EAGER_LOAD_ALL_MODELS", "")
		t.Setenv("RESTORAPI_HEARTBEAT_TIMEOUT", "")
		t.Setenv("RESTORAPI_MAX_INPUT_SIZE", "")
		t.Setenv("RESTORAPI_MODELS", "")

		cfg, err := config.Load()
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "8000", cfg.Port)
		assert.Equal(t, 1, cfg.MaxConcurrency)
		assert.True(t, cfg.EagerLoadAllModels)
		assert.False(t, cfg.AutomaticCleanupEnabled)
		assert.Equal(t, time.Hour, cfg.ImageDownloadGracePeriod)
		assert.Equal(t, 3*time.Hour, cfg.VideoDownloadGracePeriod)
		assert.Equal(t, 10*time.Minute, cfg.HeartbeatTimeout)
		assert.Equal(t, 30*time.Minute, cfg.AutomaticCleanupInterval)
		assert.Equal(t, int64(500*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, 256, cfg.PatchSize)
		assert.Equal(t, []string{"deblur_b", "denoise_16", "denoise_b"}, cfg.ModelKeys())
		assert.Equal(t, "Uformer_B_SIDD.pth", cfg.Models["denoise_b"])
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("RESTORAPI_PORT", "9999")
		t.Setenv("RESTORAPI_MAX_CONCURRENCY", "4")
		t.Setenv("RESTORAPI_EAGER_LOAD_ALL_MODELS", "false")
		t.Setenv("RESTORAPI_AUTOMATIC_CLEANUP_ENABLED", "true")
		t.Setenv("RESTORAPI_AUTOMATIC_CLEANUP_INTERVAL", "5m")
		t.Setenv("RESTORAPI_HEARTBEAT_TIMEOUT", "90s")
		t.Setenv("RESTORAPI_MAX_INPUT_SIZE", "50MB")
		t.Setenv("RESTORAPI_MODELS", "fast=fast.pth, slow=slow.pth")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, 4, cfg.MaxConcurrency)
		assert.False(t, cfg.EagerLoadAllModels)
		assert.True(t, cfg.AutomaticCleanupEnabled)
		assert.Equal(t, 5*time.Minute, cfg.AutomaticCleanupInterval)
		assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
		assert.Equal(t, int64(50*1024*1024), cfg.MaxInputSize)
		assert.Equal(t, map[string]string{"fast": "fast.pth", "slow": "slow.pth"}, cfg.Models)
	})

	t.Run("rejects malformed model list", func(t *testing.T) {
		t.Setenv("RESTORAPI_MODELS", "denoise_b")

		_, err := config.Load()
		assert.Error(t, err)
	})
}
