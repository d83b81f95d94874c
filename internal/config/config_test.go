package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleYAML = `broker:
  api_url: "https://api.example.com/NorenWClientTP"
  ws_url: "wss://api.example.com/NorenWSTP/"
accounts:
  FA12345:
    user_id: "FA12345"
    password: "secret"
    totp_secret: "JBSWY3DPEHPK3PXP"
    vendor_code: "FA12345_U"
    api_key: "key"
    imei: "engine-01"
paths:
  entries_dir: "data/entries"
  tick_data_dir: "data/tickdata"
  db_path: "data/engine.db"
session:
  timezone: "Asia/Kolkata"
  alert_time: "09:30"
  cutoff_time: "15:15"
logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAndValidate(t *testing.T) {
	t.Parallel()
	cfg, err := Load(writeConfig(t, sampleYAML))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Broker.WSURL != "wss://api.example.com/NorenWSTP/" {
		t.Errorf("ws_url = %q", cfg.Broker.WSURL)
	}
	acct, err := cfg.Account("FA12345")
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if acct.UserID != "FA12345" || acct.TOTPSecret == "" {
		t.Errorf("account = %+v", acct)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("logging = %+v", cfg.Logging)
	}
}

func TestAccountLookupIgnoresCase(t *testing.T) {
	t.Parallel()
	// viper lowercases map keys when unmarshalling, so a config declaring
	// "FA12345" lands in the map as "fa12345".
	cfg := &Config{Accounts: map[string]AccountConfig{
		"fa12345": {UserID: "FA12345", Password: "p", TOTPSecret: "s"},
	}}

	acct, err := cfg.Account("FA12345")
	if err != nil {
		t.Fatalf("Account(FA12345): %v", err)
	}
	if acct.UserID != "FA12345" {
		t.Errorf("account = %+v", acct)
	}
	if _, err := cfg.Account("FA99999"); err == nil {
		t.Error("Account accepted an unknown id")
	}
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	minimal := `broker:
  api_url: "https://api.example.com"
  ws_url: "wss://api.example.com"
accounts:
  A1:
    user_id: "A1"
    password: "p"
    totp_secret: "s"
paths:
  entries_dir: "in"
  db_path: "db"
`
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.Timezone != "Asia/Kolkata" {
		t.Errorf("timezone default = %q", cfg.Session.Timezone)
	}
	if c := cfg.Session.AlertClock(); c.Hour != 9 || c.Minute != 30 {
		t.Errorf("alert default = %+v", c)
	}
	if c := cfg.Session.CutoffClock(); c.Hour != 15 || c.Minute != 15 {
		t.Errorf("cutoff default = %+v", c)
	}
}

func TestValidateRejectsIncomplete(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		yaml string
	}{
		{"no accounts", "broker:\n  api_url: \"x\"\n  ws_url: \"y\"\npaths:\n  entries_dir: \"in\"\n  db_path: \"db\"\n"},
		{"missing totp", "broker:\n  api_url: \"x\"\n  ws_url: \"y\"\naccounts:\n  A1:\n    user_id: \"A1\"\n    password: \"p\"\npaths:\n  entries_dir: \"in\"\n  db_path: \"db\"\n"},
		{"bad cutoff", "broker:\n  api_url: \"x\"\n  ws_url: \"y\"\naccounts:\n  A1:\n    user_id: \"A1\"\n    password: \"p\"\n    totp_secret: \"s\"\npaths:\n  entries_dir: \"in\"\n  db_path: \"db\"\nsession:\n  cutoff_time: \"25:99\"\n"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := Load(writeConfig(t, tt.yaml))
			if err != nil {
				return // load-time rejection is fine too
			}
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted an incomplete config")
			}
		})
	}
}

func TestEntriesFile(t *testing.T) {
	t.Parallel()
	p := PathsConfig{EntriesDir: "data/entries"}
	want := filepath.Join("data", "entries", "FA12345-Entries.csv")
	if got := p.EntriesFile("FA12345"); got != want {
		t.Errorf("EntriesFile = %q, want %q", got, want)
	}
}

func TestClockAt(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		t.Fatalf("LoadLocation: %v", err)
	}
	day := time.Date(2024, 3, 15, 11, 42, 7, 0, loc)
	got := Clock{Hour: 15, Minute: 15}.At(day, loc)
	want := time.Date(2024, 3, 15, 15, 15, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("At = %v, want %v", got, want)
	}
}
