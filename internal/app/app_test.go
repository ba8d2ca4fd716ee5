package app

import (
	"context"
	"path/filepath"
	"testing"

	"authservice/internal/config"
	"authservice/internal/lib/logger/handlers/slogdiscard"
	"authservice/internal/storage/redis"
	"authservice/internal/storage/sqlite"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := &config.Config{Env: "local"}
	cfg.Tokens.Secret = "secret"
	cfg.Storage.Driver = driverSQLite
	cfg.Storage.Path = filepath.Join(t.TempDir(), "auth.db")
	cfg.Storage.AutoMigrate = true
	cfg.HTTPServer.Address = "127.0.0.1:0"
	return cfg
}

func TestOpenStores_SharedBackend(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.RefreshStore.Driver = driverSQLite

	st, err := openStores(ctx, slogdiscard.NewDiscardLogger(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.close(ctx) })

	assert.IsType(t, &sqlite.Storage{}, st.users)
	assert.Same(t, st.users, st.tokens)
	assert.Len(t, st.closers, 1)

	_, err = st.users.SaveUser(ctx, "a@b.com", "a", []byte("hash"))
	require.NoError(t, err)
}

func TestOpenStores_RedisRefreshStore(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.RefreshStore.Driver = driverRedis
	cfg.RefreshStore.Redis.Addr = mr.Addr()
	cfg.RefreshStore.Redis.KeyPrefix = "auth"

	st, err := openStores(ctx, slogdiscard.NewDiscardLogger(), cfg)
	require.NoError(t, err)

	assert.IsType(t, &sqlite.Storage{}, st.users)
	assert.IsType(t, &redis.Storage{}, st.tokens)
	assert.Len(t, st.closers, 2)

	require.NoError(t, st.close(ctx))
}

func TestOpenStores_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown storage driver", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Storage.Driver = "cassandra"

		_, err := openStores(ctx, slogdiscard.NewDiscardLogger(), cfg)
		require.ErrorContains(t, err, "unknown storage driver")
	})

	t.Run("redis unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig(t)
		cfg.RefreshStore.Driver = driverRedis
		cfg.RefreshStore.Redis.Addr = addr

		_, err := openStores(ctx, slogdiscard.NewDiscardLogger(), cfg)
		require.Error(t, err)
	})
}

func TestNew_Stop(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	application := New(ctx, slogdiscard.NewDiscardLogger(), cfg)
	require.NotNil(t, application.HTTPSrv)
	require.NoError(t, application.Stop(ctx))
}

func TestNew_PanicsOnBadSigningMethod(t *testing.T) {
	cfg := testConfig(t)
	cfg.Tokens.SigningMethod = "RS256"

	assert.Panics(t, func() {
		New(context.Background(), slogdiscard.NewDiscardLogger(), cfg)
	})
}
