package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRIAGE_AGENT_CONFIG", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.Workflow.RCADelay)
	assert.Equal(t, "memory", cfg.Workflow.Queue)
	assert.Equal(t, "triage_agent", cfg.Ledger.Author)
	assert.Equal(t, "John Doe", cfg.Ledger.AssigneeName)
	assert.Equal(t, "In Progress", cfg.Ledger.IncidentStatus)
	assert.Equal(t, 3, cfg.Retry.Ledger.MaxAttempts)
	assert.Zero(t, cfg.Retry.Ledger.AttemptTimeout)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ledger:
  baseURL: http://aprs.internal/api
workflow:
  rcaDelay: 3s
  queue: redis
cache:
  addr: localhost:6379
retry:
  ledger:
    maxAttempts: 5
knowledge:
  rulesPath: rules.yaml
`), 0o600))
	t.Setenv("TRIAGE_AGENT_RCA_DELAY", "15s")
	t.Setenv("TRIAGE_AGENT_LOG_FORMAT", "json")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://aprs.internal/api", cfg.Ledger.BaseURL)
	assert.Equal(t, 15*time.Second, cfg.Workflow.RCADelay)
	assert.Equal(t, "redis", cfg.Workflow.Queue)
	assert.Equal(t, 5, cfg.Retry.Ledger.MaxAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.Retry.Ledger.BaseDelay)
	assert.Equal(t, "rules.yaml", cfg.Knowledge.RulesPath)
	assert.True(t, cfg.Logging.JSON)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestValidateRejectsUnusableSettings(t *testing.T) {
	cases := map[string]func(*Config){
		"zero attempts":   func(c *Config) { c.Retry.AI.MaxAttempts = 0 },
		"delay ordering":  func(c *Config) { c.Retry.Ledger.BaseDelay = time.Minute; c.Retry.Ledger.MaxDelay = time.Second },
		"negative delay":  func(c *Config) { c.Workflow.RCADelay = -time.Second },
		"unknown queue":   func(c *Config) { c.Workflow.Queue = "kafka" },
		"redis no addr":   func(c *Config) { c.Workflow.Queue = "redis" },
		"unknown ai":      func(c *Config) { c.AI.Provider = "oracle" },
		"no ledger":       func(c *Config) { c.Ledger.BaseURL = "" },
		"no workers":      func(c *Config) { c.Workflow.MaxConcurrent = 0 },
		"bad sample rate": func(c *Config) { c.Tracing.SampleRatio = 2 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := defaultConfig()
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, defaultConfig().Validate())
}
