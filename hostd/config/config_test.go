package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/itskum47/hostforge/hostd/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func env(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hostd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
store:
  backend: redis
  redis_addr: redis.internal:6379
scheduler:
  workers: 4
  step_timeout: 90s
security:
  firewall_enabled: false
  local_ranges: ["10.0.0.0/24"]
logging:
  level: debug
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.Store.Backend)
	assert.Equal(t, "redis.internal:6379", cfg.Store.RedisAddr)
	assert.Equal(t, 4, cfg.Scheduler.Workers)
	assert.Equal(t, 90*time.Second, cfg.Scheduler.StepTimeout)
	assert.False(t, cfg.Security.FirewallEnabled)
	assert.Equal(t, []string{"10.0.0.0/24"}, cfg.Security.LocalRanges)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Unset keys keep their defaults.
	assert.Equal(t, 5*time.Second, cfg.Scheduler.SchedulerInterval)
	assert.Equal(t, "HOSTFORGE", cfg.Security.Chain)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.loadFromEnv(env(map[string]string{
		"HOSTD_STORE_BACKEND":    "memory",
		"HOSTD_REDIS_ADDR":       "10.1.1.1:6380",
		"HOSTD_WORKERS":          "3",
		"HOSTD_FIREWALL_ENABLED": "false",
	})))
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "10.1.1.1:6380", cfg.Store.RedisAddr)
	assert.Equal(t, 3, cfg.Scheduler.Workers)
	assert.False(t, cfg.Security.FirewallEnabled)

	err := cfg.loadFromEnv(env(map[string]string{"HOSTD_WORKERS": "many"}))
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"backend":   func(c *Config) { c.Store.Backend = "etcd" },
		"workers":   func(c *Config) { c.Scheduler.Workers = 0 },
		"cidr":      func(c *Config) { c.Security.LocalRanges = []string{"not-a-cidr"} },
		"log level": func(c *Config) { c.Logging.Level = "loud" },
		"listen":    func(c *Config) { c.API.Listen = "nowhere" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}
}

func TestLiveSetPersists(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	live := NewLive(s, zap.NewNop())

	require.NoError(t, live.Set(ctx, "updates", "current", "12"))
	v, ok := live.Get("updates", "current")
	require.True(t, ok)
	assert.Equal(t, "12", v)

	var persisted map[string]interface{}
	require.NoError(t, store.GetJSON(ctx, s, "config:updates", &persisted))
	assert.Equal(t, "12", persisted["current"])

	reloaded := NewLive(s, zap.NewNop())
	require.NoError(t, reloaded.Load(ctx, "updates", "apps"))
	assert.Equal(t, "12", reloaded.String("updates", "current", ""))
	assert.Equal(t, "fallback", reloaded.String("apps", "registry", "fallback"))

	assert.Error(t, live.Set(ctx, "", "k", 1))
}

func TestLiveLoadCorrupt(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()
	require.NoError(t, s.Set(ctx, "config:apps", []byte("[")))

	err := NewLive(s, zap.NewNop()).Load(ctx, "apps")
	assert.True(t, store.IsCorrupt(err))
}
