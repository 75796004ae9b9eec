package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rpcsentinel/rpcsentinel/internal/config"
)

func TestBuildLibsqlDSN(t *testing.T) {
	t.Run("URLUsesRawValue", func(t *testing.T) {
		cfg := config.StoreConfig{
			URL:       "libsql://example.turso.io",
			AuthToken: "token123",
		}

		dsn, err := buildLibsqlDSN(cfg)
		require.NoError(t, err)
		require.Equal(t, "libsql://example.turso.io?authToken=token123", dsn)
	})

	t.Run("MemoryPath", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: ":memory:"})
		require.NoError(t, err)
		require.Equal(t, ":memory:", dsn)
	})

	t.Run("PathWithFilePrefix", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: "file:./stats.db"})
		require.NoError(t, err)
		require.Equal(t, "file:./stats.db", dsn)
	})

	t.Run("PlainPathGetsFilePrefix", func(t *testing.T) {
		dsn, err := buildLibsqlDSN(config.StoreConfig{Path: t.TempDir() + "/data/stats.db"})
		require.NoError(t, err)
		require.Contains(t, dsn, "file:")
	})

	t.Run("EmptyConfigFails", func(t *testing.T) {
		_, err := buildLibsqlDSN(config.StoreConfig{})
		require.Error(t, err)
	})
}

func TestTrimWindow(t *testing.T) {
	outcomes := []bool{false, false, true, true, true}

	// The newest outcomes are at the tail and survive the trim.
	trimmed := trimWindow(outcomes, 3)
	require.Equal(t, []bool{true, true, true}, trimmed)

	same := trimWindow(outcomes, 10)
	require.Equal(t, outcomes, same)
}
