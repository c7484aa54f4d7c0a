package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"housecup.org/internal/config"
	"housecup.org/internal/ledger"
	"housecup.org/internal/lock"
	"housecup.org/internal/obs"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	return cfg
}

func TestBuildMemory(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Auth.Secret = "s3cret"

	a, err := Build(ctx, cfg, obs.Logger())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ready(ctx))
	require.NotNil(t, a.Tokens)
	require.IsType(t, &lock.Local{}, a.Locker)

	m, created, err := a.Engine.EnsureMember(ctx, ledger.NewMember{ID: "u1", Email: "u1@example.com"})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "GOOGE001", m.ExternalID)
}

func TestBuildSQLiteWithRedis(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = "file:" + filepath.Join(t.TempDir(), "points.db")
	cfg.Redis.Addr = mr.Addr()
	cfg.Ledger.IDPrefix = "HC"

	a, err := Build(ctx, cfg, obs.Logger())
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Ready(ctx))
	require.Nil(t, a.Tokens)
	require.IsType(t, &lock.Redis{}, a.Locker)

	m, _, err := a.Engine.EnsureMember(ctx, ledger.NewMember{ID: "u1"})
	require.NoError(t, err)
	require.Equal(t, "HC001", m.ExternalID)

	mr.Close()
	require.Error(t, a.Ready(ctx))
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "mongo"
	_, err := OpenStore(context.Background(), cfg)
	require.Error(t, err)
}
