package config

import (
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/clinisafe/scrub/internal/faults"
)

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	// Set defaults
	config := GetDefaults()

	// Configure viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath("/etc/scrub/")
	viper.AddConfigPath("$HOME/.scrub/")

	// Environment variable overrides
	viper.SetEnvPrefix("SCRUB")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Use specific config file if provided
	if configPath != "" {
		viper.SetConfigFile(configPath)
	}

	// Read configuration
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found is not an error - we'll use defaults
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate configuration
	if err := validateConfig(config); err != nil {
		return nil, err
	}

	return config, nil
}

// validateConfig validates the loaded configuration
func validateConfig(config *Config) error {
	if len(config.Countries) == 0 {
		return faults.Configuration("at least one country code must be configured")
	}

	if config.Logging.Level != "debug" && config.Logging.Level != "info" && config.Logging.Level != "warn" && config.Logging.Level != "error" {
		return faults.Configuration("invalid log level: %s (must be debug, info, warn, or error)", config.Logging.Level)
	}

	if config.Logging.Format != "json" && config.Logging.Format != "console" {
		return faults.Configuration("invalid log format: %s (must be json or console)", config.Logging.Format)
	}

	if config.Pseudonym.Salt == "" {
		return faults.Configuration("pseudonym.salt must be set: an unset salt would make pseudonyms linkable across deployments")
	}

	if config.DateShift.Enabled {
		if config.DateShift.Seed == "" {
			return faults.Configuration("dateshift.seed must be set when date shifting is enabled")
		}
		if config.DateShift.MaxDays <= 0 {
			return faults.Configuration("dateshift.max_days must be positive, got %d", config.DateShift.MaxDays)
		}
		switch config.DateShift.OnParseFailure {
		case "leave", "reject", "placeholder":
		default:
			return faults.Configuration("invalid dateshift.on_parse_failure: %s (must be leave, reject, or placeholder)", config.DateShift.OnParseFailure)
		}
	}

	if config.Store.Backend != "file" && config.Store.Backend != "postgres" {
		return faults.Configuration("invalid store backend: %s (must be file or postgres)", config.Store.Backend)
	}

	if config.Store.Encryption.Enabled {
		key, err := hex.DecodeString(config.Store.Encryption.Key)
		if err != nil {
			return faults.Configuration("store.encryption.key must be hex-encoded: %v", err)
		}
		if len(key) != 32 {
			return faults.Configuration("store.encryption.key must decode to 32 bytes, got %d", len(key))
		}
	}

	if config.Processing.RateLimit < 0 {
		return faults.Configuration("processing.rate_limit must not be negative")
	}

	if config.Processing.Glob != "" {
		if _, err := filepath.Match(config.Processing.Glob, "probe"); err != nil {
			return faults.Configuration("invalid processing.glob pattern %q: %v", config.Processing.Glob, err)
		}
	}

	if config.Server.Port <= 0 || config.Server.Port > 65535 {
		return faults.Configuration("invalid server port: %d", config.Server.Port)
	}

	return nil
}

// Watch starts watching the configuration file for changes
func Watch(config *Config, callback func(*Config)) error {
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		newConfig := &Config{}
		if err := viper.Unmarshal(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		if err := validateConfig(newConfig); err != nil {
			// Log error but don't crash
			return
		}

		callback(newConfig)
	})

	return nil
}
