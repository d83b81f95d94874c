// Package config defines all configuration for the execution engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ENGINE_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Broker   BrokerConfig             `mapstructure:"broker"`
	Accounts map[string]AccountConfig `mapstructure:"accounts"`
	Paths    PathsConfig              `mapstructure:"paths"`
	Session  SessionConfig            `mapstructure:"session"`
	Logging  LoggingConfig            `mapstructure:"logging"`
}

// BrokerConfig holds the broker API endpoints.
type BrokerConfig struct {
	APIURL string `mapstructure:"api_url"`
	WSURL  string `mapstructure:"ws_url"`
}

// AccountConfig holds one trading account's broker credentials.
// TOTPSecret is the base32 seed for the two-factor code generated at login.
type AccountConfig struct {
	UserID     string `mapstructure:"user_id"`
	Password   string `mapstructure:"password"`
	TOTPSecret string `mapstructure:"totp_secret"`
	VendorCode string `mapstructure:"vendor_code"`
	APIKey     string `mapstructure:"api_key"`
	IMEI       string `mapstructure:"imei"`
}

// PathsConfig locates the engine's files on disk.
//
//   - EntriesDir: per-account "<account>-Entries.csv" prediction files.
//   - TickDataDir: per-scrip one-minute candle CSVs for the CoB backtest.
//   - DBPath: the sqlite database holding PARAMS_HIST / TRADE_LOG / TRADES_MTM.
type PathsConfig struct {
	EntriesDir  string `mapstructure:"entries_dir"`
	TickDataDir string `mapstructure:"tick_data_dir"`
	DBPath      string `mapstructure:"db_path"`
}

// SessionConfig sets the wall-clock schedule in the exchange's timezone.
type SessionConfig struct {
	Timezone   string `mapstructure:"timezone"`    // e.g. "Asia/Kolkata"
	AlertTime  string `mapstructure:"alert_time"`  // "09:30"
	CutoffTime string `mapstructure:"cutoff_time"` // "15:15"
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars, e.g. ENGINE_ACCOUNTS_<ID>_PASSWORD.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("session.timezone", "Asia/Kolkata")
	v.SetDefault("session.alert_time", "09:30")
	v.SetDefault("session.cutoff_time", "15:15")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Broker.APIURL == "" {
		return fmt.Errorf("broker.api_url is required")
	}
	if c.Broker.WSURL == "" {
		return fmt.Errorf("broker.ws_url is required")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account must be configured")
	}
	for id, a := range c.Accounts {
		if a.UserID == "" || a.Password == "" || a.TOTPSecret == "" {
			return fmt.Errorf("accounts.%s: user_id, password and totp_secret are required", id)
		}
	}
	if c.Paths.EntriesDir == "" {
		return fmt.Errorf("paths.entries_dir is required")
	}
	if c.Paths.DBPath == "" {
		return fmt.Errorf("paths.db_path is required")
	}
	if _, err := c.Session.Location(); err != nil {
		return err
	}
	if _, err := parseClock(c.Session.AlertTime); err != nil {
		return fmt.Errorf("session.alert_time: %w", err)
	}
	if _, err := parseClock(c.Session.CutoffTime); err != nil {
		return fmt.Errorf("session.cutoff_time: %w", err)
	}
	return nil
}

// Account resolves the credentials for one account id. The lookup is
// case-insensitive: viper lowercases map keys on unmarshal, while account
// ids are conventionally upper case.
func (c *Config) Account(id string) (AccountConfig, error) {
	for key, a := range c.Accounts {
		if strings.EqualFold(key, id) {
			return a, nil
		}
	}
	return AccountConfig{}, fmt.Errorf("no credentials configured for account %q", id)
}

// EntriesFile returns the path of the account's day-start predictions file.
func (p PathsConfig) EntriesFile(acct string) string {
	return filepath.Join(p.EntriesDir, acct+"-Entries.csv")
}

// Location resolves the session timezone.
func (s SessionConfig) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session.timezone: %w", err)
	}
	return loc, nil
}

// Clock is a wall-clock time of day, minute resolution.
type Clock struct {
	Hour   int
	Minute int
}

// At anchors the clock to a date in a location.
func (c Clock) At(day time.Time, loc *time.Location) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), c.Hour, c.Minute, 0, 0, loc)
}

// AlertClock returns the parsed 09:30 alert time.
func (s SessionConfig) AlertClock() Clock {
	c, _ := parseClock(s.AlertTime)
	return c
}

// CutoffClock returns the parsed 15:15 flatten time.
func (s SessionConfig) CutoffClock() Clock {
	c, _ := parseClock(s.CutoffTime)
	return c
}

func parseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return Clock{}, fmt.Errorf("want HH:MM, got %q", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// AccountID reads the account selector from the environment. One engine
// process trades one account, selected by ACCOUNT.
func AccountID() (string, error) {
	acct := os.Getenv("ACCOUNT")
	if acct == "" {
		return "", fmt.Errorf("ACCOUNT environment variable is not set")
	}
	return acct, nil
}
