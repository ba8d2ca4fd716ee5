package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadPath_Defaults(t *testing.T) {
	path := writeConfig(t, `
env: local
tokens:
  secret: "s3cr3t"
`)

	cfg, err := LoadPath(path)
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Env)
	assert.Equal(t, "s3cr3t", cfg.Tokens.Secret)
	assert.Equal(t, "HS256", cfg.Tokens.SigningMethod)
	assert.Equal(t, 30*time.Second, cfg.Tokens.AccessTTL)
	assert.Equal(t, 4380*time.Hour, cfg.Tokens.RefreshTTL)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, "sqlite", cfg.RefreshStore.Driver)
	assert.Equal(t, 3*time.Second, cfg.Storage.Timeout)
	assert.True(t, cfg.Storage.AutoMigrate)
	assert.Empty(t, cfg.Tokens.RefreshPepper)
	assert.Equal(t, "localhost:8082", cfg.HTTPServer.Address)
}

func TestLoadPath_Overrides(t *testing.T) {
	path := writeConfig(t, `
env: prod
tokens:
  secret: "s3cr3t"
  access_ttl: 15m
  refresh_ttl: 720h
storage:
  driver: postgres
  postgres:
    dsn: "postgres://auth@localhost:5432/auth"
refresh_store:
  driver: redis
  redis:
    addr: "redis:6379"
    key_prefix: "rt"
http_server:
  address: "0.0.0.0:8080"
  allowed_origins: ["http://localhost:5173"]
`)

	cfg, err := LoadPath(path)
	require.NoError(t, err)

	assert.Equal(t, 15*time.Minute, cfg.Tokens.AccessTTL)
	assert.Equal(t, 720*time.Hour, cfg.Tokens.RefreshTTL)
	assert.Equal(t, "postgres", cfg.Storage.Driver)
	assert.Equal(t, "redis", cfg.RefreshStore.Driver)
	assert.Equal(t, "redis:6379", cfg.RefreshStore.Redis.Addr)
	assert.Equal(t, "rt", cfg.RefreshStore.Redis.KeyPrefix)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.HTTPServer.AllowedOrigins)
}

func TestLoadPath_MissingFile(t *testing.T) {
	_, err := LoadPath(filepath.Join(t.TempDir(), "nope.yaml"))

	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestLoadPath_SecretRequired(t *testing.T) {
	t.Setenv("TOKEN_SECRET", "")
	require.NoError(t, os.Unsetenv("TOKEN_SECRET"))
	path := writeConfig(t, "env: local\n")

	_, err := LoadPath(path)
	require.Error(t, err)
}

func TestMustLoadPath_Panics(t *testing.T) {
	assert.Panics(t, func() {
		MustLoadPath(filepath.Join(t.TempDir(), "nope.yaml"))
	})
}
