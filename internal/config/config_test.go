package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SHAREDOBJ_CONFIG", "")
	t.Setenv("SHAREDOBJ_TICK_MS", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, time.Second, cfg.Sync.GetTickInterval())
	assert.Equal(t, "world", cfg.Sync.GetNamespace())
	assert.Equal(t, "memory", cfg.Transport.GetKind())
	assert.Equal(t, 8088, cfg.Server.GetAPIPort())
	assert.True(t, cfg.Server.MetricsEnabled)
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	data := `
sync:
  namespace: props
  tick_interval_ms: 250
  compression: true
transport:
  kind: nats
  nats_url: nats://nats:4222
positions:
  kind: redis
  redis_addr: redis:6379
server:
  api_port: 9000
  metrics_enabled: false
logging:
  level: DEBUG
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "props", cfg.Sync.GetNamespace())
	assert.Equal(t, 250*time.Millisecond, cfg.Sync.GetTickInterval())
	assert.True(t, cfg.Sync.Compression)
	assert.Equal(t, "nats", cfg.Transport.GetKind())
	assert.Equal(t, "nats://nats:4222", cfg.Transport.GetNATSURL())
	assert.Equal(t, "redis", cfg.Positions.GetKind())
	assert.Equal(t, "redis:6379", cfg.Positions.GetRedisAddr())
	assert.Equal(t, 9000, cfg.Server.GetAPIPort())
	assert.False(t, cfg.Server.MetricsEnabled)
	assert.Equal(t, "DEBUG", cfg.Logging.GetLevel())
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("SHAREDOBJ_TICK_MS", "40")
	t.Setenv("SHAREDOBJ_API_PORT", "not-a-port")
	t.Setenv("SHAREDOBJ_TRANSPORT", "nats")

	cfg := Default()
	assert.Equal(t, 40*time.Millisecond, cfg.Sync.GetTickInterval())
	assert.Equal(t, 8088, cfg.Server.GetAPIPort(), "Некорректное значение окружения игнорируется")
	assert.Equal(t, "nats", cfg.Transport.GetKind())

	// Значение из файла важнее окружения
	cfg.Sync.TickIntervalMs = 500
	assert.Equal(t, 500*time.Millisecond, cfg.Sync.GetTickInterval())
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("sync: [unclosed"), 0o644))
	_, err = Load(path)
	assert.Error(t, err)
}
