package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  path: test.db\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "test.db", cfg.Store.Path)
	assert.Equal(t, 1, cfg.Queue.Workers)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.Queue.IdlePollIntervalDuration())
	assert.Equal(t, time.Second, cfg.Queue.BackoffBaseDuration())
	assert.Equal(t, 30*time.Second, cfg.Queue.BackoffCapDuration())
	assert.Equal(t, 20*time.Minute, cfg.Queue.MaxAttemptDurationDuration())
	assert.Equal(t, int64(100*1024*1024), cfg.Build.MaxArchiveBytes)
	assert.Equal(t, "archive", cfg.Build.FetchStrategy)
	assert.Equal(t, "https://api.github.com", cfg.Provider.APIURL)
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("TEST_PROVIDER_TOKEN", "tok-123")
	path := writeConfig(t, `
provider:
  credentials:
    default: "${TEST_PROVIDER_TOKEN}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "tok-123", cfg.Provider.Credential("default"))
	assert.Empty(t, cfg.Provider.Credential("unknown"))
}

func TestValidateRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "queue:\n  idle_poll_interval: nonsense\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idle_poll_interval")
}

func TestValidateRejectsUnknownFetchStrategy(t *testing.T) {
	path := writeConfig(t, "build:\n  fetch_strategy: carrier-pigeon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateBotCredentialMustResolve(t *testing.T) {
	path := writeConfig(t, `
provider:
  bot_credential: bot
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bot_credential")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
