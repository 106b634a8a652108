package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cmdbox/internal/config"
)

func withFlags(t *testing.T, path, host string, port int) {
	t.Helper()

	oldPath, oldHost, oldPort := configPath, redisHost, redisPort
	configPath, redisHost, redisPort = path, host, port
	t.Cleanup(func() {
		configPath, redisHost, redisPort = oldPath, oldHost, oldPort
	})
}

func TestLoadConfiguration(t *testing.T) {
	dir := t.TempDir()

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		withFlags(t, filepath.Join(dir, "missing.yml"), "", 0)

		cfg, err := loadConfiguration()
		require.NoError(t, err)
		assert.Equal(t, config.DefaultRedisHost, cfg.Redis.Host)
		assert.Equal(t, config.DefaultRedisPort, cfg.Redis.Port)
	})

	t.Run("flags override the file", func(t *testing.T) {
		path := filepath.Join(dir, "cmdbox.yml")
		require.NoError(t, config.SaveConfig(config.NewDefaultConfig(), path))
		withFlags(t, path, "redis.internal", 6380)

		cfg, err := loadConfiguration()
		require.NoError(t, err)
		assert.Equal(t, "redis.internal:6380", cfg.RedisAddr())
	})

	t.Run("broken file is an error", func(t *testing.T) {
		path := filepath.Join(dir, "broken.yml")
		require.NoError(t, os.WriteFile(path, []byte("redis: ["), 0644))
		withFlags(t, path, "", 0)

		_, err := loadConfiguration()
		assert.Error(t, err)
	})
}

func TestConfigCommands(t *testing.T) {
	path := filepath.Join(t.TempDir(), "generated.yml")

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})

	rootCmd.SetArgs([]string{"config", "generate", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), path)

	out.Reset()
	rootCmd.SetArgs([]string{"config", "validate", path})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "Configuration file is valid")
	assert.Contains(t, out.String(), "localhost:6379")
}
