// Package config provides configuration for the trading engine: a static
// YAML file for process-level settings and a store-backed resolver for
// runtime-tunable keys.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"

	"github.com/mscarn/dunder_verticals/internal/models"
)

// Config represents the complete static application configuration.
type Config struct {
	Environment   EnvironmentConfig   `yaml:"environment"`
	Broker        BrokerConfig        `yaml:"broker"`
	Schedule      ScheduleConfig      `yaml:"schedule"`
	Proposal      ProposalConfig      `yaml:"proposal"`
	Admin         AdminConfig         `yaml:"admin"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Storage       StorageConfig       `yaml:"storage"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // DRY_RUN | SANDBOX_PAPER | LIVE
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings.
type BrokerConfig struct {
	Provider    string `yaml:"provider"`
	APIKey      string `yaml:"api_key"`
	APIEndpoint string `yaml:"api_endpoint"`
	AccountID   string `yaml:"account_id"`
	Sandbox     bool   `yaml:"sandbox"`
}

// ScheduleConfig defines the trade-cycle schedule and market hours.
type ScheduleConfig struct {
	CycleInterval   string `yaml:"cycle_interval"`   // e.g. "45s"
	Timezone        string `yaml:"timezone"`         // e.g. "America/New_York"
	TradingStart    string `yaml:"trading_start"`    // "HH:MM"
	TradingEnd      string `yaml:"trading_end"`      // "HH:MM"
	TimeExitCutoff  string `yaml:"time_exit_cutoff"` // "HH:MM", e.g. "15:50"
	AfterHoursCheck bool   `yaml:"after_hours_check"`
}

// ProposalConfig defines static proposal pipeline parameters. Runtime
// thresholds live in the settings resolver instead.
type ProposalConfig struct {
	Symbols        []string `yaml:"symbols"`
	SpreadWidth    int      `yaml:"spread_width"`
	MinDTE         int      `yaml:"min_dte"`
	MaxDTE         int      `yaml:"max_dte"`
	MaxExpirations int      `yaml:"max_expirations"`
}

// AdminConfig defines the admin HTTP server settings.
type AdminConfig struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

// NotificationsConfig defines out-of-band notification settings.
type NotificationsConfig struct {
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID int64  `yaml:"telegram_chat_id"`
}

// StorageConfig defines storage settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if !models.ValidTradingMode(c.Environment.Mode) {
		return fmt.Errorf("environment.mode must be DRY_RUN, SANDBOX_PAPER or LIVE")
	}

	if c.Broker.APIKey == "" {
		return fmt.Errorf("broker.api_key is required")
	}
	if c.Broker.AccountID == "" {
		return fmt.Errorf("broker.account_id is required")
	}
	if c.Environment.Mode == string(models.ModeLive) && c.Broker.Sandbox {
		return fmt.Errorf("broker.sandbox must be false in LIVE mode")
	}

	if len(c.Proposal.Symbols) == 0 {
		return fmt.Errorf("proposal.symbols is required")
	}
	if c.Proposal.SpreadWidth <= 0 {
		return fmt.Errorf("proposal.spread_width must be > 0")
	}
	if c.Proposal.MinDTE <= 0 || c.Proposal.MaxDTE <= 0 || c.Proposal.MinDTE > c.Proposal.MaxDTE {
		return fmt.Errorf("proposal dte range must be positive with min_dte <= max_dte")
	}
	if c.Proposal.MaxExpirations <= 0 {
		c.Proposal.MaxExpirations = 5
	}

	if _, err := time.ParseDuration(c.Schedule.CycleInterval); err != nil {
		return fmt.Errorf("schedule.cycle_interval invalid: %w", err)
	}
	loc := c.Location()
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil || (s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	if c.Schedule.TimeExitCutoff != "" {
		if _, err := time.ParseInLocation("15:04", c.Schedule.TimeExitCutoff, loc); err != nil {
			return fmt.Errorf("schedule.time_exit_cutoff invalid: %w", err)
		}
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	return nil
}

// TradingMode returns the configured trading mode.
func (c *Config) TradingMode() models.TradingMode {
	return models.TradingMode(c.Environment.Mode)
}

// Location returns the configured timezone, defaulting to US Eastern.
func (c *Config) Location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// CycleInterval returns the configured trade-cycle interval duration.
func (c *Config) CycleInterval() time.Duration {
	d, err := time.ParseDuration(c.Schedule.CycleInterval)
	if err != nil {
		return 45 * time.Second // default
	}
	return d
}

// IsWithinTradingHours checks if the given time falls within configured
// trading hours.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	loc := c.Location()
	local := now.In(loc)

	start, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	end, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil {
		return false
	}

	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()
	nowMin := local.Hour()*60 + local.Minute()
	return nowMin >= startMin && nowMin < endMin
}
