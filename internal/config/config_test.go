package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tapwire/tapwire/internal/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "plugins", cfg.PluginsDir)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, 30*time.Second, cfg.DeferredTimeout)
	assert.Equal(t, 1024, cfg.EventQueueCapacity)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tapwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins_dir: /opt/tapwire/plugins\nlog_format: text\n"), 0o644))

	cfg, err := config.Load(path, nil)
	require.NoError(t, err)

	assert.Equal(t, "/opt/tapwire/plugins", cfg.PluginsDir)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoad_FlagsOverrideYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tapwire.yaml")
	require.NoError(t, os.WriteFile(path, []byte("plugins_dir: /opt/tapwire/plugins\n"), 0o644))

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	config.RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--plugins_dir=/var/tapwire/plugins"}))

	cfg, err := config.Load(path, fs)
	require.NoError(t, err)

	assert.Equal(t, "/var/tapwire/plugins", cfg.PluginsDir)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := config.Load("/nonexistent/tapwire.yaml", nil)
	assert.Error(t, err)
}
