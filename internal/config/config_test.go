package config_test

import (
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followstars/followstars/internal/config"
)

func newBoundViper(t *testing.T) *viper.Viper {
	t.Helper()
	v := viper.New()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, config.BindFlags(cmd, v))
	return v
}

func TestLoad_RequiresTokenWhenGhCLIHasNone(t *testing.T) {
	v := newBoundViper(t)
	_, err := config.Load(v)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "token", cfgErr.Key)
}

func TestLoad_RejectsEmptyDBPath(t *testing.T) {
	v := newBoundViper(t)
	v.Set("token", "ghp_test")
	v.Set("db-path", "")

	_, err := config.Load(v)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db-path", cfgErr.Key)
}

func TestLoad_RejectsMaxBelowMinInterval(t *testing.T) {
	v := newBoundViper(t)
	v.Set("token", "ghp_test")
	v.Set("min-interval-minutes", 100)
	v.Set("max-interval-minutes", 10)

	_, err := config.Load(v)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "max-interval-minutes", cfgErr.Key)
}

func TestLoad_AppliesDefaultsAndNormalizesCadence(t *testing.T) {
	v := newBoundViper(t)
	v.Set("token", "ghp_test")

	cfg, err := config.Load(v)
	require.NoError(t, err)
	assert.Equal(t, "followstars.db", cfg.DBPath)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, int64(15), cfg.Cadence.MinIntervalMinutes)
	assert.Equal(t, int64(1440), cfg.Cadence.MaxIntervalMinutes)
	assert.Equal(t, int64(360), cfg.Cadence.DefaultIntervalMinutes)
}

func TestLoad_RejectsOutOfRangePort(t *testing.T) {
	v := newBoundViper(t)
	v.Set("token", "ghp_test")
	v.Set("port", 70000)

	_, err := config.Load(v)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "port", cfgErr.Key)
}
