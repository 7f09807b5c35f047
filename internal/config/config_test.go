package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/clinisafe/scrub/internal/faults"
)

// validBase returns defaults with the mandatory secrets filled in.
func validBase() *Config {
	cfg := GetDefaults()
	cfg.Pseudonym.Salt = "unit-test-salt"
	cfg.DateShift.Seed = "unit-test-seed"
	cfg.Store.Encryption.Key = strings.Repeat("ab", 32)
	return cfg
}

func TestValidateConfig(t *testing.T) {
	if err := validateConfig(validBase()); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantMsg string
	}{
		{
			"defaults refuse to run without a salt",
			func(c *Config) { c.Pseudonym.Salt = "" },
			"pseudonym.salt",
		},
		{
			"no countries",
			func(c *Config) { c.Countries = nil },
			"country",
		},
		{
			"bad log level",
			func(c *Config) { c.Logging.Level = "verbose" },
			"log level",
		},
		{
			"bad log format",
			func(c *Config) { c.Logging.Format = "xml" },
			"log format",
		},
		{
			"date shifting without seed",
			func(c *Config) { c.DateShift.Seed = "" },
			"dateshift.seed",
		},
		{
			"zero shift window",
			func(c *Config) { c.DateShift.MaxDays = 0 },
			"max_days",
		},
		{
			"unknown parse failure policy",
			func(c *Config) { c.DateShift.OnParseFailure = "guess" },
			"on_parse_failure",
		},
		{
			"unknown store backend",
			func(c *Config) { c.Store.Backend = "s3" },
			"store backend",
		},
		{
			"non-hex encryption key",
			func(c *Config) { c.Store.Encryption.Key = "not hex" },
			"hex",
		},
		{
			"short encryption key",
			func(c *Config) { c.Store.Encryption.Key = "abcd" },
			"32 bytes",
		},
		{
			"negative rate limit",
			func(c *Config) { c.Processing.RateLimit = -1 },
			"rate_limit",
		},
		{
			"malformed glob",
			func(c *Config) { c.Processing.Glob = "[unclosed" },
			"glob",
		},
		{
			"bad port",
			func(c *Config) { c.Server.Port = 0 },
			"port",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validBase()
			tt.mutate(cfg)
			err := validateConfig(cfg)
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !errors.Is(err, faults.ErrConfiguration) {
				t.Errorf("expected configuration fault, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("expected message containing %q, got %q", tt.wantMsg, err.Error())
			}
		})
	}
}

func TestValidateConfigDisabledFeaturesSkipSecrets(t *testing.T) {
	cfg := validBase()
	cfg.DateShift.Enabled = false
	cfg.DateShift.Seed = ""
	cfg.DateShift.MaxDays = 0
	if err := validateConfig(cfg); err != nil {
		t.Errorf("disabled date shifting should not require a seed: %v", err)
	}

	cfg = validBase()
	cfg.Store.Encryption.Enabled = false
	cfg.Store.Encryption.Key = ""
	if err := validateConfig(cfg); err != nil {
		t.Errorf("explicitly disabled encryption should not require a key: %v", err)
	}
}

func TestGetDefaults(t *testing.T) {
	cfg := GetDefaults()

	if cfg.Store.Backend != "file" {
		t.Errorf("expected file backend by default, got %s", cfg.Store.Backend)
	}
	if !cfg.Store.Encryption.Enabled {
		t.Error("store encryption must default to enabled")
	}
	if !cfg.Processing.Validate {
		t.Error("output validation must default to enabled")
	}
	if cfg.DateShift.OnParseFailure != "leave" {
		t.Errorf("expected leave policy by default, got %s", cfg.DateShift.OnParseFailure)
	}
	if cfg.Pseudonym.Salt != "" {
		t.Error("salt must never carry a default value")
	}
}
