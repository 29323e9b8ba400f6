package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	LogLevel     string `mapstructure:"log_level"`
	BindAddress  string `mapstructure:"bind_address"`
	ProxyAddress string `mapstructure:"proxy_address"`

	// Script execution limits
	ScriptTimeLimit    time.Duration `mapstructure:"script_time_limit"`
	ScriptMemoryLimit  int           `mapstructure:"script_memory_limit"`
	ScriptRequestLimit int           `mapstructure:"script_request_limit"`
	ScriptSizeLimit    int64         `mapstructure:"script_size_limit"`
	ConcurrencyLimit   int           `mapstructure:"concurrency_limit"`
	HoldSlotUntilExit  bool          `mapstructure:"hold_slot_until_exit"`
	OutputMaxSize      int           `mapstructure:"output_max_size"`
	NiceLevel          int           `mapstructure:"nice_level"`

	// Sandbox runtime
	ScriptDirectory   string `mapstructure:"script_directory"`
	RuntimeCommand    string `mapstructure:"runtime_command"`
	RuntimeEntrypoint string `mapstructure:"runtime_entrypoint"`
	RuntimeVersion    string `mapstructure:"runtime_version"`

	// Egress allowlist
	SafeURLs []string `mapstructure:"safe_urls"`

	// Security settings
	SignatureSecret string `mapstructure:"signature_secret"`

	// Execution history (SQLite path, empty disables)
	HistoryDatabase string `mapstructure:"history_database"`
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("log_level", "info")
	v.SetDefault("bind_address", "0.0.0.0:3003")
	v.SetDefault("proxy_address", "127.0.0.1:3003")
	v.SetDefault("script_time_limit", "1s")
	v.SetDefault("script_memory_limit", 64)
	v.SetDefault("script_request_limit", 2)
	v.SetDefault("script_size_limit", 1_000_000)
	v.SetDefault("concurrency_limit", 3)
	v.SetDefault("hold_slot_until_exit", false)
	v.SetDefault("output_max_size", 1_000_000)
	v.SetDefault("nice_level", 10)
	v.SetDefault("script_directory", filepath.Join(os.TempDir(), "coderunr-scripts"))
	v.SetDefault("runtime_command", "deno")
	v.SetDefault("runtime_entrypoint", "./sandbox.ts")
	v.SetDefault("runtime_version", ">=1.32.0")
	v.SetDefault("safe_urls", []string{})
	v.SetDefault("signature_secret", "")
	v.SetDefault("history_database", "")

	// Set environment variable prefix
	v.SetEnvPrefix("CODERUNR")
	v.AutomaticEnv()

	// Try to read config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/coderunr/")
	v.AddConfigPath("$HOME/.coderunr/")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// validate validates the configuration
func validate(config *Config) error {
	if _, err := logrus.ParseLevel(config.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", config.LogLevel)
	}

	if config.ScriptTimeLimit <= 0 {
		return fmt.Errorf("script_time_limit must be positive")
	}

	if config.ScriptMemoryLimit <= 0 {
		return fmt.Errorf("script_memory_limit must be positive")
	}

	if config.ScriptRequestLimit < 0 {
		return fmt.Errorf("script_request_limit must not be negative")
	}

	if config.ScriptSizeLimit <= 0 {
		return fmt.Errorf("script_size_limit must be positive")
	}

	if config.ConcurrencyLimit <= 0 {
		return fmt.Errorf("concurrency_limit must be positive")
	}

	if config.NiceLevel < 0 || config.NiceLevel > 19 {
		return fmt.Errorf("nice_level must be between 0 and 19")
	}

	if config.RuntimeCommand == "" {
		return fmt.Errorf("runtime_command is required")
	}

	if config.RuntimeVersion != "" {
		if _, err := semver.NewConstraint(config.RuntimeVersion); err != nil {
			return fmt.Errorf("invalid runtime_version constraint %q: %w", config.RuntimeVersion, err)
		}
	}

	return nil
}

// GetBindAddress returns the complete bind address
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "0.0.0.0:3003"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// SignaturesVerified reports whether submission signatures are checked
// cryptographically rather than by presence only.
func (c *Config) SignaturesVerified() bool {
	return c.SignatureSecret != ""
}
