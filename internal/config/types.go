package config

import "time"

// Config represents the main configuration structure
type Config struct {
	Countries  []string         `yaml:"countries" mapstructure:"countries"`
	Logging    LoggingConfig    `yaml:"logging" mapstructure:"logging"`
	Pseudonym  PseudonymConfig  `yaml:"pseudonym" mapstructure:"pseudonym"`
	DateShift  DateShiftConfig  `yaml:"dateshift" mapstructure:"dateshift"`
	Scan       ScanConfig       `yaml:"scan" mapstructure:"scan"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Processing ProcessingConfig `yaml:"processing" mapstructure:"processing"`
	Report     ReportConfig     `yaml:"report" mapstructure:"report"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	WebSocket  WebSocketConfig  `yaml:"websocket" mapstructure:"websocket"`
	Watch      WatchConfig      `yaml:"watch" mapstructure:"watch"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"` // json or console
	File   struct {
		Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
		Path     string `yaml:"path" mapstructure:"path"`
		MaxSize  int    `yaml:"max_size" mapstructure:"max_size"`
		MaxAge   int    `yaml:"max_age" mapstructure:"max_age"`
		Compress bool   `yaml:"compress" mapstructure:"compress"`
	} `yaml:"file" mapstructure:"file"`
}

// PseudonymConfig contains pseudonym generation configuration
type PseudonymConfig struct {
	Salt      string            `yaml:"salt" mapstructure:"salt"`
	Templates map[string]string `yaml:"templates" mapstructure:"templates"`
}

// DateShiftConfig contains date shifting configuration
type DateShiftConfig struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	Seed           string `yaml:"seed" mapstructure:"seed"`
	MaxDays        int    `yaml:"max_days" mapstructure:"max_days"`
	OnParseFailure string `yaml:"on_parse_failure" mapstructure:"on_parse_failure"` // leave, reject, or placeholder
}

// ScanConfig lists the free-text record fields subject to pattern scanning
type ScanConfig struct {
	Fields []string `yaml:"fields" mapstructure:"fields"`
}

// StoreConfig contains mapping store configuration
type StoreConfig struct {
	Backend    string `yaml:"backend" mapstructure:"backend"` // file or postgres
	Path       string `yaml:"path" mapstructure:"path"`
	Encryption struct {
		Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
		Key     string `yaml:"key" mapstructure:"key"` // hex-encoded, 32 bytes
	} `yaml:"encryption" mapstructure:"encryption"`
	Postgres struct {
		URL             string        `yaml:"url" mapstructure:"url"`
		MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
	} `yaml:"postgres" mapstructure:"postgres"`
	Cache struct {
		Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
		RedisURL  string        `yaml:"redis_url" mapstructure:"redis_url"`
		TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
		KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
	} `yaml:"cache" mapstructure:"cache"`
}

// ProcessingConfig contains batch processing configuration
type ProcessingConfig struct {
	Input         string  `yaml:"input" mapstructure:"input"`
	Glob          string  `yaml:"glob" mapstructure:"glob"` // empty means every supported extension
	Recursive     bool    `yaml:"recursive" mapstructure:"recursive"`
	OutputDir     string  `yaml:"output_dir" mapstructure:"output_dir"`
	Validate      bool    `yaml:"validate" mapstructure:"validate"`
	SkipProcessed bool    `yaml:"skip_processed" mapstructure:"skip_processed"`
	RateLimit     float64 `yaml:"rate_limit" mapstructure:"rate_limit"` // records per second, 0 disables
	ProgressEvery int     `yaml:"progress_every" mapstructure:"progress_every"`
}

// ReportConfig contains audit report configuration
type ReportConfig struct {
	Path            string `yaml:"path" mapstructure:"path"`
	FindingsParquet string `yaml:"findings_parquet" mapstructure:"findings_parquet"`
}

// ServerConfig contains the status server configuration
type ServerConfig struct {
	Port         int           `yaml:"port" mapstructure:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" mapstructure:"idle_timeout"`
}

// WebSocketConfig contains WebSocket event stream configuration
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Path    string `yaml:"path" mapstructure:"path"`
	Events  struct {
		BroadcastFiles      bool `yaml:"broadcast_files" mapstructure:"broadcast_files"`
		BroadcastValidation bool `yaml:"broadcast_validation" mapstructure:"broadcast_validation"`
		BroadcastSystem     bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
	} `yaml:"events" mapstructure:"events"`
}

// WatchConfig contains inbox watching configuration for the daemon
type WatchConfig struct {
	Dir    string        `yaml:"dir" mapstructure:"dir"`
	Settle time.Duration `yaml:"settle" mapstructure:"settle"`
}

// GetDefaults returns a configuration with sensible defaults
func GetDefaults() *Config {
	return &Config{
		Countries: []string{"us"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			File: struct {
				Enabled  bool   `yaml:"enabled" mapstructure:"enabled"`
				Path     string `yaml:"path" mapstructure:"path"`
				MaxSize  int    `yaml:"max_size" mapstructure:"max_size"`
				MaxAge   int    `yaml:"max_age" mapstructure:"max_age"`
				Compress bool   `yaml:"compress" mapstructure:"compress"`
			}{
				Enabled:  false,
				Path:     "logs/scrub.log",
				MaxSize:  100, // MB
				MaxAge:   30,  // days
				Compress: true,
			},
		},
		Pseudonym: PseudonymConfig{
			Salt:      "", // must be configured, never defaulted
			Templates: map[string]string{},
		},
		DateShift: DateShiftConfig{
			Enabled:        true,
			Seed:           "", // must be configured when enabled
			MaxDays:        30,
			OnParseFailure: "leave",
		},
		Scan: ScanConfig{
			Fields: []string{"note", "text", "description"},
		},
		Store: StoreConfig{
			Backend: "file",
			Path:    "mappings.enc",
			Encryption: struct {
				Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
				Key     string `yaml:"key" mapstructure:"key"`
			}{
				Enabled: true,
				Key:     "",
			},
			Postgres: struct {
				URL             string        `yaml:"url" mapstructure:"url"`
				MaxOpenConns    int           `yaml:"max_open_conns" mapstructure:"max_open_conns"`
				MaxIdleConns    int           `yaml:"max_idle_conns" mapstructure:"max_idle_conns"`
				ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" mapstructure:"conn_max_lifetime"`
				ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" mapstructure:"conn_max_idle_time"`
			}{
				URL:             "postgres://localhost:5432/scrub?sslmode=disable",
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			Cache: struct {
				Enabled   bool          `yaml:"enabled" mapstructure:"enabled"`
				RedisURL  string        `yaml:"redis_url" mapstructure:"redis_url"`
				TTL       time.Duration `yaml:"ttl" mapstructure:"ttl"`
				KeyPrefix string        `yaml:"key_prefix" mapstructure:"key_prefix"`
			}{
				Enabled:   false,
				RedisURL:  "redis://localhost:6379/0",
				TTL:       1 * time.Hour,
				KeyPrefix: "scrub:map:",
			},
		},
		Processing: ProcessingConfig{
			Input:         "./data",
			Glob:          "",
			Recursive:     true,
			OutputDir:     "./deidentified",
			Validate:      true,
			SkipProcessed: false,
			RateLimit:     0,
			ProgressEvery: 1000,
		},
		Report: ReportConfig{
			Path:            "scrub-report.json",
			FindingsParquet: "",
		},
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		WebSocket: WebSocketConfig{
			Enabled: true,
			Path:    "/ws",
			Events: struct {
				BroadcastFiles      bool `yaml:"broadcast_files" mapstructure:"broadcast_files"`
				BroadcastValidation bool `yaml:"broadcast_validation" mapstructure:"broadcast_validation"`
				BroadcastSystem     bool `yaml:"broadcast_system" mapstructure:"broadcast_system"`
			}{
				BroadcastFiles:      true,
				BroadcastValidation: true,
				BroadcastSystem:     true,
			},
		},
		Watch: WatchConfig{
			Dir:    "",
			Settle: 2 * time.Second,
		},
	}
}
