package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the chronicle engine.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Store      StoreConfig      `yaml:"store"`
	DeadLetter DeadLetterConfig `yaml:"deadLetter"`
	Logging    LoggingConfig    `yaml:"logging"`
	Cache      CacheConfig      `yaml:"cache"`
}

// ServerConfig controls the HTTP listener behaviour.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
}

// PipelineConfig tunes dedup, ordering, and correlation behaviour.
type PipelineConfig struct {
	// DedupWindow bounds how long a dedup fingerprint is remembered per resource.
	DedupWindow time.Duration `yaml:"dedupWindow"`
	// FlushTimeout is the bounded reordering delay before an event is emitted.
	FlushTimeout time.Duration `yaml:"flushTimeout"`
	// LookbackMargin extends an incident window backward so the change that
	// caused the incident, landing shortly before it opened, still qualifies.
	LookbackMargin time.Duration `yaml:"lookbackMargin"`
	// AppendRetries and AppendBackoff govern the store retry budget before an
	// event is routed to the dead-letter path.
	AppendRetries int           `yaml:"appendRetries"`
	AppendBackoff time.Duration `yaml:"appendBackoff"`
}

// StoreConfig configures durable timeline storage.
type StoreConfig struct {
	PostgresDSN    string        `yaml:"postgresDSN"`
	ConnectTimeout time.Duration `yaml:"connectTimeout"`
	MaxConns       int32         `yaml:"maxConns"`
}

// DeadLetterConfig configures the Kafka dead-letter publisher; empty brokers
// disable publishing (events are still logged and counted).
type DeadLetterConfig struct {
	Brokers      []string      `yaml:"brokers"`
	Topic        string        `yaml:"topic"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxAttempts  int           `yaml:"maxAttempts"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CacheConfig controls Valkey-backed caching of incident registry reads.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	IncidentTTL  time.Duration `yaml:"incidentTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("CHRONICLE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8080",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
		},
		Pipeline: PipelineConfig{
			DedupWindow:    5 * time.Minute,
			FlushTimeout:   2 * time.Second,
			LookbackMargin: 15 * time.Minute,
			AppendRetries:  5,
			AppendBackoff:  250 * time.Millisecond,
		},
		Store: StoreConfig{
			ConnectTimeout: 10 * time.Second,
			MaxConns:       20,
		},
		DeadLetter: DeadLetterConfig{
			Topic:        "chronicle.deadletter",
			WriteTimeout: 10 * time.Second,
			MaxAttempts:  3,
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			IncidentTTL:  30 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHRONICLE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("CHRONICLE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("CHRONICLE_POSTGRES_DSN"); v != "" {
		cfg.Store.PostgresDSN = v
	}
	if v := os.Getenv("CHRONICLE_DEADLETTER_BROKERS"); v != "" {
		cfg.DeadLetter.Brokers = splitAndTrim(v)
	}
	if v := os.Getenv("CHRONICLE_DEADLETTER_TOPIC"); v != "" {
		cfg.DeadLetter.Topic = v
	}
	if v := os.Getenv("CHRONICLE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CHRONICLE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("CHRONICLE_DEDUP_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.DedupWindow = d
		}
	}
	if v := os.Getenv("CHRONICLE_FLUSH_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.FlushTimeout = d
		}
	}
	if v := os.Getenv("CHRONICLE_LOOKBACK_MARGIN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Pipeline.LookbackMargin = d
		}
	}
	if v := os.Getenv("CHRONICLE_APPEND_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Pipeline.AppendRetries = n
		}
	}
	if v := os.Getenv("CHRONICLE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("CHRONICLE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("CHRONICLE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("CHRONICLE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("CHRONICLE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("CHRONICLE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("CHRONICLE_CACHE_INCIDENT_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.IncidentTTL = d
		}
	}
}

func splitAndTrim(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
