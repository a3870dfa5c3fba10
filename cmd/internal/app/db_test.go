package app

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfigAppliesAppSettings(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://marks:pw@db.example:5432/threads"
	cfg.DBMaxConns = 7
	cfg.DBMinConns = 2

	pcfg, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, int32(7), pcfg.MaxConns)
	assert.Equal(t, int32(2), pcfg.MinConns)
	assert.Equal(t, dbHealthCheckPeriod, pcfg.HealthCheckPeriod)
	assert.Equal(t, "db.example", pcfg.ConnConfig.Host)
	assert.Equal(t, "threads", pcfg.ConnConfig.Database)
	assert.Equal(t, dbApplicationName, pcfg.ConnConfig.RuntimeParams["application_name"])
}

func TestPoolConfigKeepsExplicitApplicationName(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://marks@db.example/threads?application_name=ops-console"
	cfg.DBMaxConns = 0

	pcfg, err := poolConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "ops-console", pcfg.ConnConfig.RuntimeParams["application_name"])
	assert.Positive(t, pcfg.MaxConns, "pgx default kept when unset")
}

func TestPoolConfigErrors(t *testing.T) {
	t.Parallel()

	_, err := poolConfig(DefaultConfig())
	require.ErrorIs(t, err, errNoDatabaseURL)

	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://%zz"
	_, err = poolConfig(cfg)
	require.Error(t, err)
}

func TestNewPoolUnreachable(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DatabaseURL = "postgres://marks@127.0.0.1:1/threads?connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.Error(t, err)
	assert.Nil(t, pool)
}
