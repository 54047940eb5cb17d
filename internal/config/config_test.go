package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPEM = "-----BEGIN PUBLIC KEY-----\\nMFkw\\n-----END PUBLIC KEY-----"

// isolate runs the test from an empty directory so no stray .env is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	for _, key := range []string{"JWT_PRIVATE_KEY", "JWT_PRIVATE_KEY_FILE", "JWT_PUBLIC_KEY_FILE", "JWT_PREVIOUS_KEYS_DIR", "JWT_KEY_ID", "DATABASE_URL", "REDIS_ADDR"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_PUBLIC_KEY", testPEM)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTTL)
	assert.Equal(t, 720*time.Hour, cfg.Auth.RefreshTTL)
	assert.Equal(t, time.Hour, cfg.Auth.BlacklistTTL)
	assert.False(t, cfg.Auth.RotateRefresh)
	assert.Equal(t, "berthcare:", cfg.Redis.Prefix)
	assert.Equal(t, defaultLimits.General, cfg.RateLimit.General)
	assert.Equal(t, defaultLimits.Login, cfg.RateLimit.Login)
	assert.Equal(t, LimitConfig{Window: time.Hour, Max: 3}, cfg.RateLimit.Register)
	assert.Equal(t, time.Minute, cfg.RateLimit.SweepInterval)
	assert.Equal(t, "-----BEGIN PUBLIC KEY-----\nMFkw\n-----END PUBLIC KEY-----", cfg.Auth.PublicKeyPEM)
}

func TestLoadRateLimitOverrides(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_PUBLIC_KEY", testPEM)
	t.Setenv("RATE_LIMIT_LOGIN_WINDOW", "200")
	t.Setenv("RATE_LIMIT_LOGIN_MAX", "2")
	t.Setenv("RATE_LIMIT_REFRESH_WINDOW", "90s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, LimitConfig{Window: 200 * time.Millisecond, Max: 2}, cfg.RateLimit.Login)
	assert.Equal(t, 90*time.Second, cfg.RateLimit.Refresh.Window)
	assert.Equal(t, defaultLimits.Refresh.Max, cfg.RateLimit.Refresh.Max)

	t.Setenv("RATE_LIMIT_LOGIN_MAX", "many")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RATE_LIMIT_LOGIN_MAX")
}

func TestLoadRequiresKey(t *testing.T) {
	isolate(t)
	t.Setenv("JWT_PUBLIC_KEY", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JWT_PUBLIC_KEY")
}

func TestLoadKeyFilesAndDotEnv(t *testing.T) {
	dir := isolate(t)
	t.Setenv("JWT_PUBLIC_KEY", "")
	os.Unsetenv("JWT_PUBLIC_KEY")

	pubPath := filepath.Join(dir, "public.pem")
	require.NoError(t, os.WriteFile(pubPath, []byte("current-key\n"), 0o600))
	prev := filepath.Join(dir, "previous")
	require.NoError(t, os.Mkdir(prev, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(prev, "2025-01.pem"), []byte("old-key"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("JWT_PUBLIC_KEY_FILE="+pubPath+"\nJWT_PREVIOUS_KEYS_DIR="+prev+"\nJWT_KEY_ID=2025-06\n"), 0o600))
	t.Cleanup(func() {
		os.Unsetenv("JWT_PUBLIC_KEY_FILE")
		os.Unsetenv("JWT_PREVIOUS_KEYS_DIR")
		os.Unsetenv("JWT_KEY_ID")
	})

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "current-key", cfg.Auth.PublicKeyPEM)
	assert.Equal(t, "2025-06", cfg.Auth.KeyID)
	assert.Equal(t, map[string]string{"2025-01": "old-key"}, cfg.Auth.PreviousPublicKeys)
}

func TestLoadYAML(t *testing.T) {
	dir := isolate(t)
	t.Setenv("JWT_PUBLIC_KEY", testPEM)
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9000"
auth:
  access_ttl: 30m
rate_limit:
  login:
    window: 1m
    max: 10
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTP.Addr)
	assert.Equal(t, 30*time.Minute, cfg.Auth.AccessTTL)
	assert.Equal(t, LimitConfig{Window: time.Minute, Max: 10}, cfg.RateLimit.Login)
	assert.Equal(t, defaultLimits.General, cfg.RateLimit.General)
}

func TestParseWindow(t *testing.T) {
	d, err := parseWindow("1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)

	d, err = parseWindow("15m")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, d)

	_, err = parseWindow("soon")
	assert.Error(t, err)
}
