// config loads deckhand's own settings: where the journal lives, how loud to
// log, and the defaults flags fall back to. The deployment manifest is a
// separate document; see the stack package.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/deckhand-dev/deckhand/internal/journal"
)

const (
	// DefaultConfigDir is the default directory for config files, relative to
	// the user's home directory.
	DefaultConfigDir = ".config/deckhand"
	// DefaultConfigName is the default config file name (without extension)
	DefaultConfigName = "config"

	envPrefix = "DECKHAND"
)

// Config represents the complete application configuration.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `mapstructure:"log_level"`
	// LogFile receives a JSON copy of every log record when set.
	LogFile string `mapstructure:"log_file"`
	// JournalPath is the bbolt database recording deployment history.
	JournalPath string `mapstructure:"journal_path"`
	// Region overrides AWS region discovery.
	Region string `mapstructure:"region"`
	// Manifest is the default manifest path for commands that take one.
	Manifest string `mapstructure:"manifest"`
	// PullConcurrency bounds parallel image pulls.
	PullConcurrency int `mapstructure:"pull_concurrency"`
}

// Load loads configuration from file, environment variables, and defaults.
// Configuration precedence (highest to lowest):
// 1. Environment variables (prefixed with DECKHAND_)
// 2. Config file (~/.config/deckhand/config.yaml, or path when non-empty)
// 3. Default values
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		v.SetConfigName(DefaultConfigName)
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(homeDir, DefaultConfigDir))
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// The config file is optional unless one was named explicitly.
		_, notFound := err.(viper.ConfigFileNotFoundError)
		if path != "" || !notFound {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	// Empty defaults still register the key so env-only overrides unmarshal.
	v.SetDefault("log_file", "")
	v.SetDefault("journal_path", journal.DefaultPath)
	v.SetDefault("region", "")
	v.SetDefault("manifest", "deckhand.yaml")
	v.SetDefault("pull_concurrency", 3)
}

func validate(cfg *Config) error {
	if _, err := cfg.SlogLevel(); err != nil {
		return err
	}
	if cfg.PullConcurrency < 1 {
		return fmt.Errorf("pull_concurrency must be at least 1, got %d", cfg.PullConcurrency)
	}
	return nil
}

// SlogLevel parses the configured log level.
func (c *Config) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", c.LogLevel)
	}
}
