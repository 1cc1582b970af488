package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Hosts = []HostConfig{
		{Name: "fenrir-chat", URL: "http://fenrir:8000", TimeoutSeconds: 30, Capabilities: []string{"general"}},
	}
	return cfg
}

func TestValidateRejectsZeroHosts(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	assert.ErrorContains(t, err, "zero hosts")
}

func TestValidateRejectsDuplicateHostNames(t *testing.T) {
	cfg := validConfig()
	cfg.Hosts = append(cfg.Hosts, HostConfig{Name: "fenrir-chat", URL: "http://other", TimeoutSeconds: 10})
	err := cfg.Validate()
	assert.ErrorContains(t, err, "duplicate host")
}

func TestValidateRejectsOutOfRangeConcurrency(t *testing.T) {
	cfg := validConfig()
	cfg.Concurrency = map[string]int{"fenrir-chat": 0}
	assert.ErrorContains(t, cfg.Validate(), "concurrency")

	cfg.Concurrency = map[string]int{"fenrir-chat": 99}
	assert.ErrorContains(t, cfg.Validate(), "concurrency")
}

func TestValidateRejectsCloudFallbackWithoutCredential(t *testing.T) {
	cfg := validConfig()
	cfg.Cloud.Enabled = true
	cfg.Cloud.Endpoint = "https://cloud.example.com"
	cfg.Cloud.CredentialEnv = "YGG_TEST_CLOUD_KEY_UNSET"
	os.Unsetenv("YGG_TEST_CLOUD_KEY_UNSET")

	assert.ErrorContains(t, cfg.Validate(), "credential")
}

func TestValidateAcceptsCloudFallbackWithCredential(t *testing.T) {
	cfg := validConfig()
	cfg.Cloud.Enabled = true
	cfg.Cloud.Endpoint = "https://cloud.example.com"
	cfg.Cloud.CredentialEnv = "YGG_TEST_CLOUD_KEY_SET"
	t.Setenv("YGG_TEST_CLOUD_KEY_SET", "sk-test")

	assert.NoError(t, cfg.Validate())
}

func TestValidateAcceptsGoodConfig(t *testing.T) {
	assert.NoError(t, validConfig().Validate())
}

func TestIsCloudEligible(t *testing.T) {
	cfg := Default()
	assert.True(t, cfg.IsCloudEligible("reasoning"))
	assert.False(t, cfg.IsCloudEligible("dev-lint"))
}

func TestLoadFallsBackToDefaultsWhenFileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nonexistent.yaml")
	cfg, err := Load(missing)
	// A missing file is not a read error: Load falls back to Default(),
	// which has zero hosts and so fails validation.
	require.ErrorContains(t, err, "zero hosts")
	assert.NotContains(t, err.Error(), "nonexistent.yaml")
	assert.Nil(t, cfg)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
data_dir: /tmp/ygg
poll_interval_seconds: 5
hosts:
  - name: fenrir-chat
    url: http://fenrir:8000
    timeout_seconds: 30
    capabilities: ["general"]
retry:
  max_attempts: 4
  initial_delay_ms: 100
  max_delay_ms: 2000
  exponential_base: 2.0
  jitter: true
breaker:
  failure_threshold: 5
  cooldown_minutes: 2
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.PollIntervalSeconds)
	assert.Equal(t, 4, cfg.Retry.MaxAttempts)
	assert.Len(t, cfg.Hosts, 1)
	assert.Equal(t, "fenrir-chat", cfg.Hosts[0].Name)
}
