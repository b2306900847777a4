package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/creditgate/internal/config"
	"github.com/mihaimyh/creditgate/pkg/creditgate"
)

var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func storageConfig(t *testing.T, driver string) config.StorageConfig {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Driver = driver
	cfg.Storage.SQLite.Path = filepath.Join(t.TempDir(), "creditgate.db")

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	cfg.Storage.Redis.Addrs = []string{mr.Addr()}
	return cfg.Storage
}

func TestOpenStorage(t *testing.T) {
	ctx := context.Background()

	for _, driver := range []string{"memory", "sqlite", "redis"} {
		t.Run(driver, func(t *testing.T) {
			store, err := OpenStorage(ctx, storageConfig(t, driver), &creditgate.NoopLogger{})
			require.NoError(t, err)
			defer func() { assert.NoError(t, store.Close()) }()

			acct := creditgate.NewAccount("user-1", creditgate.DefaultCatalog().ConfigFor(creditgate.TierFree), testNow, time.UTC)
			require.NoError(t, store.SaveAccount(ctx, &acct))
			got, err := store.GetAccount(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, 10, got.CreditsRemaining)
		})
	}
}

func TestOpenStorage_Tiered(t *testing.T) {
	ctx := context.Background()
	cfg := storageConfig(t, "tiered")
	cfg.Tiered.Hot = "redis"
	cfg.Tiered.Cold = "sqlite"

	store, err := OpenStorage(ctx, cfg, &creditgate.NoopLogger{})
	require.NoError(t, err)
	assert.Len(t, store.closers, 3)

	svc, err := NewService(ctx, config.Default(), store, &creditgate.NoopLogger{}, nil)
	require.NoError(t, err)
	_, err = svc.Generate(ctx, "user-1", "req-1", creditgate.GenerationRequest{SourceCharCount: 10}, nil)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	// The cold copy survives on its own.
	coldCfg := cfg
	coldCfg.Driver = "sqlite"
	cold, err := OpenStorage(ctx, coldCfg, &creditgate.NoopLogger{})
	require.NoError(t, err)
	defer cold.Close()
	acct, err := cold.GetAccount(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 9, acct.CreditsRemaining)
}

func TestOpenStorage_Errors(t *testing.T) {
	ctx := context.Background()

	_, err := OpenStorage(ctx, config.StorageConfig{Driver: "mongo"}, &creditgate.NoopLogger{})
	assert.ErrorContains(t, err, "unknown storage driver")

	cfg := storageConfig(t, "redis")
	cfg.Redis.Addrs = []string{"127.0.0.1:1"}
	_, err = OpenStorage(ctx, cfg, &creditgate.NoopLogger{})
	assert.ErrorContains(t, err, "redis storage")
}
