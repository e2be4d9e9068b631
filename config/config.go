// config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v2"
)

// ScaleInConfig holds the parameters of one scaled-entry ladder run.
type ScaleInConfig struct {
	Direction     string  `yaml:"direction"`
	EntryPrice    float64 `yaml:"entry_price"`
	PositionSize  int64   `yaml:"position_size"`
	Increment     float64 `yaml:"increment"`
	NumIncrements int     `yaml:"num_increments"`
	StopDistance  float64 `yaml:"stop_distance"`
	TickSize      float64 `yaml:"tick_size"`
}

// GuardianConfig holds the account-wide risk limits enforced by the guardian.
type GuardianConfig struct {
	ExitTime         string   `yaml:"exit_time"`
	HolidayExitTime  string   `yaml:"holiday_exit_time"`
	HolidayDates     []string `yaml:"holiday_dates"` // MM-DD
	Timezone         string   `yaml:"timezone"`
	MaxPositionSize  int64    `yaml:"max_position_size"`
	MaxOpenPositions int      `yaml:"max_open_positions"`
	MaxTradesPerDay  int      `yaml:"max_trades_per_day"`
	MaxDailyDrawdown float64  `yaml:"max_daily_drawdown"`
	TurnOffTimer     bool     `yaml:"turn_off_timer"`
}

// BrokerConfig describes how to reach the Client Portal gateway.
type BrokerConfig struct {
	BaseURL            string `yaml:"base_url"`
	AccountID          string `yaml:"account_id"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// MonitorConfig controls the HTTP status surface.
type MonitorConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LogConfig holds the configuration for logging.
type LogConfig struct {
	LogLevel   string `yaml:"log_level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NormalConfig holds all general, non-strategy-specific configuration.
type NormalConfig struct {
	HTTPTimeoutSeconds      int    `yaml:"http_timeout_seconds"`
	EnginePollIntervalMs    int    `yaml:"engine_poll_interval_ms"`
	PlacementDelayMs        int    `yaml:"placement_delay_ms"`
	CancelTimeoutSeconds    int    `yaml:"cancel_timeout_seconds"`
	RetryBackoffMs          int    `yaml:"retry_backoff_ms"`
	MaxReadFailures         int    `yaml:"max_read_failures"`
	GuardianIntervalSeconds int    `yaml:"guardian_interval_seconds"`
	FillTimeoutSeconds      int    `yaml:"fill_timeout_seconds"`
	StatusPollIntervalMs    int    `yaml:"status_poll_interval_ms"`
	GatewayMaxRetries       int    `yaml:"gateway_max_retries"`
	HeartbeatIntervalMinute int    `yaml:"heartbeat_interval_minutes"`
	FlattenOnShutdown       bool   `yaml:"flatten_on_shutdown"`
	LogDirectory            string `yaml:"log_directory"`
}

// StrategyConfig is a generic container for a single strategy's configuration.
type StrategyConfig struct {
	Name    string      `yaml:"name"`
	Enabled bool        `yaml:"enabled"`
	Config  interface{} `yaml:"config"`
}

// Config is the top-level configuration structure.
type Config struct {
	Symbol        string          `yaml:"symbol"`
	UseSimulation bool            `yaml:"use_simulation"`
	Broker        *BrokerConfig   `yaml:"broker"`
	ScaleIn       *ScaleInConfig  `yaml:"scale_in"`
	Guardian      *GuardianConfig `yaml:"guardian"`
	Normal        *NormalConfig   `yaml:"normal_config"`
	Monitor       *MonitorConfig  `yaml:"monitor"`
	Logs          *LogConfig      `yaml:"logs"`

	ScaleInEnabled  bool `yaml:"-"`
	GuardianEnabled bool `yaml:"-"`
}

// NewConfig creates a Config populated with the operational defaults.
// Strategy blocks start nil and are filled only when listed and enabled.
func NewConfig() *Config {
	return &Config{
		Broker: &BrokerConfig{BaseURL: "https://localhost:5000/v1/api"},
		Normal: &NormalConfig{
			HTTPTimeoutSeconds:      10,
			EnginePollIntervalMs:    1000,
			PlacementDelayMs:        200,
			CancelTimeoutSeconds:    10,
			RetryBackoffMs:          500,
			MaxReadFailures:         10,
			GuardianIntervalSeconds: 30,
			FillTimeoutSeconds:      30,
			StatusPollIntervalMs:    500,
			GatewayMaxRetries:       3,
			HeartbeatIntervalMinute: 5,
			LogDirectory:            "logs",
		},
		Monitor: &MonitorConfig{Port: 8089},
		Logs:    &LogConfig{LogLevel: "info", MaxSizeMB: 50, MaxBackups: 5, MaxAgeDays: 14},
	}
}

// NewGuardianConfig returns the default account limits.
func NewGuardianConfig() *GuardianConfig {
	return &GuardianConfig{
		ExitTime:         "15:45",
		HolidayExitTime:  "12:00",
		HolidayDates:     []string{"07-03", "11-26", "12-24"},
		Timezone:         "America/New_York",
		MaxPositionSize:  50,
		MaxOpenPositions: 7,
		MaxTradesPerDay:  20,
		MaxDailyDrawdown: -200,
	}
}

// NewScaleInConfig returns ladder defaults; entry_price and position_size must still be set.
func NewScaleInConfig() *ScaleInConfig {
	return &ScaleInConfig{
		Direction:     "LONG",
		Increment:     1,
		NumIncrements: 3,
		StopDistance:  1,
		TickSize:      0.01,
	}
}

// LoadConfig loads configuration from a given path, applies defaults, and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s, program cannot run without a config file", path)
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes raw YAML into a validated Config.
func ParseConfig(data []byte) (*Config, error) {
	cfg := NewConfig()

	// A temporary struct to unmarshal the raw strategy configs. Nested blocks
	// point at the defaults so keys missing from the file keep their default.
	rawCfg := struct {
		Symbol        string           `yaml:"symbol"`
		UseSimulation bool             `yaml:"use_simulation"`
		Broker        *BrokerConfig    `yaml:"broker"`
		Normal        *NormalConfig    `yaml:"normal_config"`
		Monitor       *MonitorConfig   `yaml:"monitor"`
		Logs          *LogConfig       `yaml:"logs"`
		Strategies    []StrategyConfig `yaml:"strategies"`
	}{
		Broker:  cfg.Broker,
		Normal:  cfg.Normal,
		Monitor: cfg.Monitor,
		Logs:    cfg.Logs,
	}

	if err := yaml.Unmarshal(data, &rawCfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
	}

	cfg.Symbol = strings.ToUpper(strings.TrimSpace(rawCfg.Symbol))
	cfg.UseSimulation = rawCfg.UseSimulation

	// Unmarshal specific strategy configs based on their 'name'
	for _, s := range rawCfg.Strategies {
		if !s.Enabled {
			continue
		}

		configBytes, err := yaml.Marshal(s.Config)
		if err != nil {
			return nil, fmt.Errorf("failed to re-marshal strategy config '%s': %w", s.Name, err)
		}

		switch s.Name {
		case "scale_in":
			cfg.ScaleIn = NewScaleInConfig()
			if err := yaml.Unmarshal(configBytes, cfg.ScaleIn); err != nil {
				return nil, fmt.Errorf("failed to unmarshal scale_in config: %w", err)
			}
			cfg.ScaleInEnabled = true
		case "guardian":
			cfg.Guardian = NewGuardianConfig()
			if err := yaml.Unmarshal(configBytes, cfg.Guardian); err != nil {
				return nil, fmt.Errorf("failed to unmarshal guardian config: %w", err)
			}
			cfg.GuardianEnabled = true
		default:
			return nil, fmt.Errorf("unknown strategy '%s' in strategies list", s.Name)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the logical consistency and completeness of the entire configuration.
func (c *Config) Validate() error {
	if c.Symbol == "" && c.ScaleInEnabled {
		return fmt.Errorf("critical config missing: 'symbol' must be specified when scale_in is enabled")
	}
	if !c.ScaleInEnabled && !c.GuardianEnabled {
		return fmt.Errorf("config error: at least one of the 'scale_in' or 'guardian' strategies must be enabled")
	}

	if c.Normal == nil {
		return fmt.Errorf("critical config missing: 'normal_config' block must be provided")
	}
	if c.Normal.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'normal_config.http_timeout_seconds' must be positive")
	}
	if c.Normal.EnginePollIntervalMs <= 0 {
		return fmt.Errorf("config error: 'normal_config.engine_poll_interval_ms' must be positive")
	}
	if c.Normal.PlacementDelayMs < 0 {
		return fmt.Errorf("config error: 'normal_config.placement_delay_ms' cannot be negative")
	}
	if c.Normal.CancelTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'normal_config.cancel_timeout_seconds' must be positive")
	}
	if c.Normal.GuardianIntervalSeconds <= 0 {
		return fmt.Errorf("config error: 'normal_config.guardian_interval_seconds' must be positive")
	}
	if c.Normal.FillTimeoutSeconds <= 0 {
		return fmt.Errorf("config error: 'normal_config.fill_timeout_seconds' must be positive")
	}
	if c.Normal.StatusPollIntervalMs <= 0 {
		return fmt.Errorf("config error: 'normal_config.status_poll_interval_ms' must be positive")
	}
	if c.Normal.MaxReadFailures <= 0 {
		return fmt.Errorf("config error: 'normal_config.max_read_failures' must be positive")
	}
	if c.Normal.GatewayMaxRetries < 0 {
		return fmt.Errorf("config error: 'normal_config.gateway_max_retries' cannot be negative")
	}
	if c.Normal.LogDirectory == "" {
		return fmt.Errorf("critical config missing: 'normal_config.log_directory' must be specified (e.g., 'logs')")
	}

	if c.Logs == nil || c.Logs.LogLevel == "" {
		return fmt.Errorf("critical config missing: 'logs.log_level' must be specified (e.g., 'info', 'debug')")
	}
	if c.Logs.MaxSizeMB <= 0 || c.Logs.MaxBackups <= 0 || c.Logs.MaxAgeDays <= 0 {
		return fmt.Errorf("config error: 'logs.max_size_mb', 'logs.max_backups' and 'logs.max_age_days' must be positive")
	}

	if c.Monitor != nil && c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		return fmt.Errorf("config error: 'monitor.port' must be a valid TCP port, got %d", c.Monitor.Port)
	}

	if !c.UseSimulation && (c.Broker == nil || c.Broker.BaseURL == "") {
		return fmt.Errorf("critical config missing: 'broker.base_url' is required outside simulation")
	}

	if c.ScaleInEnabled {
		if err := c.ScaleIn.Validate(); err != nil {
			return err
		}
	}
	if c.GuardianEnabled {
		if err := c.Guardian.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the ladder parameters.
func (s *ScaleInConfig) Validate() error {
	dir := strings.ToUpper(s.Direction)
	if dir != "LONG" && dir != "SHORT" {
		return fmt.Errorf("config error: scale_in.direction must be 'LONG' or 'SHORT', got '%s'", s.Direction)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("critical config missing: 'scale_in.entry_price' must be specified and be positive")
	}
	if s.PositionSize <= 0 {
		return fmt.Errorf("critical config missing: 'scale_in.position_size' must be specified and be positive")
	}
	if s.Increment <= 0 {
		return fmt.Errorf("config error: 'scale_in.increment' must be positive")
	}
	if s.NumIncrements < 1 {
		return fmt.Errorf("config error: 'scale_in.num_increments' must be at least 1")
	}
	if s.StopDistance <= 0 {
		return fmt.Errorf("config error: 'scale_in.stop_distance' must be positive")
	}
	if s.TickSize < 0 {
		return fmt.Errorf("config error: 'scale_in.tick_size' cannot be negative")
	}
	if s.TickSize > 0 && (s.Increment < s.TickSize || s.StopDistance < s.TickSize) {
		return fmt.Errorf("config error: 'scale_in.increment' and 'scale_in.stop_distance' must be at least one tick (%g)", s.TickSize)
	}
	return nil
}

// Validate checks the guardian limits.
func (g *GuardianConfig) Validate() error {
	if _, err := time.LoadLocation(g.Timezone); err != nil {
		return fmt.Errorf("config error: guardian.timezone '%s' is not a known zone: %w", g.Timezone, err)
	}
	if _, err := ParseClock(g.ExitTime); err != nil {
		return fmt.Errorf("config error: guardian.exit_time: %w", err)
	}
	if _, err := ParseClock(g.HolidayExitTime); err != nil {
		return fmt.Errorf("config error: guardian.holiday_exit_time: %w", err)
	}
	for _, d := range g.HolidayDates {
		if _, err := time.Parse("01-02", d); err != nil {
			return fmt.Errorf("config error: guardian.holiday_dates entry '%s' must be MM-DD", d)
		}
	}
	if g.MaxPositionSize <= 0 {
		return fmt.Errorf("config error: guardian.max_position_size must be positive")
	}
	if g.MaxOpenPositions <= 0 {
		return fmt.Errorf("config error: guardian.max_open_positions must be positive")
	}
	if g.MaxTradesPerDay <= 0 {
		return fmt.Errorf("config error: guardian.max_trades_per_day must be positive")
	}
	if g.MaxDailyDrawdown >= 0 {
		return fmt.Errorf("config error: guardian.max_daily_drawdown must be negative, got %.2f", g.MaxDailyDrawdown)
	}
	return nil
}

// Clock is a wall-clock time of day.
type Clock struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("'%s' is not HH:MM", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// EnvConfig holds values read from the environment (or .env).
type EnvConfig struct {
	AccountID  string
	GatewayURL string
}

func LoadEnvConfig() *EnvConfig {
	return &EnvConfig{
		AccountID:  os.Getenv("IBKR_ACCOUNT_ID"),
		GatewayURL: os.Getenv("IBKR_GATEWAY_URL"),
	}
}

// Apply lets environment values take precedence over the YAML broker block.
func (e *EnvConfig) Apply(cfg *Config) {
	if cfg.Broker == nil {
		cfg.Broker = &BrokerConfig{}
	}
	if e.AccountID != "" {
		cfg.Broker.AccountID = e.AccountID
	}
	if e.GatewayURL != "" {
		cfg.Broker.BaseURL = e.GatewayURL
	}
}
