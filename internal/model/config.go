package model

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// IMAPConfig holds the mail server settings shared by every account.
type IMAPConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port string `mapstructure:"port" yaml:"port"`
	TLS  bool   `mapstructure:"tls" yaml:"tls"`

	// Mailbox is the folder that is ingested and archived from.
	Mailbox string `mapstructure:"mailbox" yaml:"mailbox"`

	// ArchiveFolders are tried in order when archiving a message.
	ArchiveFolders []string `mapstructure:"archive_folders" yaml:"archive_folders"`

	// FetchLimit caps how many of the most recent messages one ingest reads.
	FetchLimit int `mapstructure:"fetch_limit" yaml:"fetch_limit"`
}

// DatabaseConfig locates the message history database.
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// ModelsConfig locates the per-user model artifacts.
type ModelsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// PollConfig controls the background poller.
type PollConfig struct {
	// IntervalSec is how often (in seconds) each account is ingested and
	// classified.
	IntervalSec int `mapstructure:"interval_sec" yaml:"interval_sec"`

	// TrainSchedule is a cron expression for retraining every account's
	// model; empty disables scheduled retraining.
	TrainSchedule string `mapstructure:"train_schedule" yaml:"train_schedule"`
}

// HTTPConfig holds the API listener settings.
type HTTPConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	IMAP     IMAPConfig     `mapstructure:"imap" yaml:"imap"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Models   ModelsConfig   `mapstructure:"models" yaml:"models"`
	Poll     PollConfig     `mapstructure:"poll" yaml:"poll"`
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	Log      LogConfig      `mapstructure:"log" yaml:"log"`

	// Accounts are the user addresses the background poller serves.
	// Their IMAP passwords live in the system keyring.
	Accounts []string `mapstructure:"accounts" yaml:"accounts"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/inbox-triage/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "inbox-triage", "config.yaml")
}

// defaultDataDir returns ~/.local/share/inbox-triage, or the working
// directory when the home directory is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".local", "share", "inbox-triage")
}

// envBindings maps config keys to the environment variables that
// override them.
var envBindings = map[string]string{
	"imap.host":         "IMAP_SERVER",
	"poll.interval_sec": "EMAIL_POLL_INTERVAL",
	"database.path":     "DATABASE_URL",
	"models.dir":        "MODEL_STORAGE_DIR",
	"log.level":         "LOG_LEVEL",
	"http.addr":         "HTTP_ADDR",
}

func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("imap.host", "imap.gmail.com")
	v.SetDefault("imap.port", "993")
	v.SetDefault("imap.tls", true)
	v.SetDefault("imap.mailbox", "INBOX")
	v.SetDefault("imap.archive_folders", []string{
		"Archive", "[Gmail]/All Mail", "Archives", "INBOX.Archive",
	})
	v.SetDefault("imap.fetch_limit", 200)
	v.SetDefault("database.path", filepath.Join(dataDir, "emails.db"))
	v.SetDefault("models.dir", filepath.Join(dataDir, "models"))
	v.SetDefault("poll.interval_sec", 300)
	v.SetDefault("poll.train_schedule", "")
	v.SetDefault("http.addr", ":8000")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("accounts", []string{})
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, defaults are used. Environment variables
// override both.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Set defaults so missing keys resolve to sensible values.
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("binding %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		_, isPathErr := err.(*os.PathError)
		_, isNotFound := err.(viper.ConfigFileNotFoundError)
		if !isPathErr && !isNotFound {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &AppConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.Database.Path = sqlitePath(cfg.Database.Path)
	if cfg.Poll.IntervalSec <= 0 {
		cfg.Poll.IntervalSec = 300
	}

	return cfg, nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("imap", cfg.IMAP)
	v.Set("database", cfg.Database)
	v.Set("models", cfg.Models)
	v.Set("poll", cfg.Poll)
	v.Set("http", cfg.HTTP)
	v.Set("log", cfg.Log)
	v.Set("accounts", cfg.Accounts)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}

// sqlitePath accepts either a plain file path or a sqlite:/// URL.
func sqlitePath(dsn string) string {
	for _, prefix := range []string{"sqlite:///", "sqlite://", "sqlite:"} {
		if strings.HasPrefix(dsn, prefix) {
			return strings.TrimPrefix(dsn, prefix)
		}
	}
	return dsn
}
