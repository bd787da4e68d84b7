package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
environment:
  mode: SANDBOX_PAPER
  log_level: info

broker:
  provider: tradier
  api_key: ${TEST_VERTICALS_API_KEY}
  account_id: ACCT123
  sandbox: true

schedule:
  cycle_interval: 45s
  timezone: America/New_York
  trading_start: "09:35"
  trading_end: "15:55"
  time_exit_cutoff: "15:50"

proposal:
  symbols: [SPY, QQQ]
  spread_width: 5
  min_dte: 7
  max_dte: 45
  max_expirations: 5

admin:
  addr: ":8787"
  token: secret

storage:
  path: verticals.db
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	t.Setenv("TEST_VERTICALS_API_KEY", "tok-123")

	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	// Env var expansion.
	assert.Equal(t, "tok-123", cfg.Broker.APIKey)
	assert.Equal(t, "SANDBOX_PAPER", cfg.Environment.Mode)
	assert.Equal(t, []string{"SPY", "QQQ"}, cfg.Proposal.Symbols)
	assert.Equal(t, 45*time.Second, cfg.CycleInterval())
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	t.Setenv("TEST_VERTICALS_API_KEY", "tok-123")
	_, err := Load(writeConfig(t, validYAML+"\nbogus_section:\n  x: 1\n"))
	assert.Error(t, err)
}

func TestValidateRejectsBadMode(t *testing.T) {
	t.Setenv("TEST_VERTICALS_API_KEY", "tok-123")
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Environment.Mode = "paper"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsLiveWithSandboxBroker(t *testing.T) {
	t.Setenv("TEST_VERTICALS_API_KEY", "tok-123")
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	cfg.Environment.Mode = "LIVE"
	cfg.Broker.Sandbox = true
	assert.Error(t, cfg.Validate())
}

func TestIsWithinTradingHours(t *testing.T) {
	t.Setenv("TEST_VERTICALS_API_KEY", "tok-123")
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	loc := cfg.Location()
	assert.True(t, cfg.IsWithinTradingHours(time.Date(2025, 1, 6, 10, 30, 0, 0, loc)))
	assert.False(t, cfg.IsWithinTradingHours(time.Date(2025, 1, 6, 9, 0, 0, 0, loc)))
	assert.False(t, cfg.IsWithinTradingHours(time.Date(2025, 1, 6, 16, 30, 0, 0, loc)))
}
