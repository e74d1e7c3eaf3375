// Package app_test exercises the service container wiring.
package app_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pricegrid/orchestrator/internal/app"
	"github.com/pricegrid/orchestrator/internal/config"
)

func baseConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Server:    config.ServerConfig{Port: 8080},
		Worker:    config.WorkerConfig{SharedSecret: "hush", HeartbeatTimeoutMinutes: 15},
		Retention: config.RetentionConfig{LogMaxAgeDays: 30, PruneBatchSize: 100, SweepIntervalMin: 60},
	}
}

func TestNewWithInMemoryBackends(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), baseConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NotNil(t, a.Server)
	assert.NotNil(t, a.Monitor)
	assert.NotNil(t, a.Janitor)
	assert.NotNil(t, a.Server.Handler())
}

func TestNewRejectsBadDSN(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.DB.DSN = "not a dsn"
	_, err := app.New(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestNewWithLocalArchiveDir(t *testing.T) {
	t.Parallel()

	cfg := baseConfig(t)
	cfg.Storage.LocalDir = t.TempDir()
	a, err := app.New(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(a.Close)
	assert.NotNil(t, a.Janitor)
}
