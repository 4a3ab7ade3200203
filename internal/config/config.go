package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	Retry     RetryConfig     `json:"retry"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type QdrantConfig struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"` // "api" or "local"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
}

// MemoryConfig holds the coordinator's tunable parameters.
type MemoryConfig struct {
	RecallTopK         int     `json:"recall_top_k"`
	ScoreFloor         float32 `json:"score_floor"`
	RecentLimit        int     `json:"recent_limit"`
	RecentWindowHours  int     `json:"recent_window_hours"`
	PendingGraceMin    int     `json:"pending_grace_minutes"`
	DecayBatch         int     `json:"decay_batch"`
	ContextTimeoutMS   int     `json:"context_timeout_ms"`
	WriteTimeoutMS     int     `json:"write_timeout_ms"`
	DecayTimeoutMS     int     `json:"decay_timeout_ms"`
	MaintenanceMinutes int     `json:"maintenance_minutes"`
	DecayThresholdDays int     `json:"decay_threshold_days"`
	CacheTTLSeconds    int     `json:"cache_ttl_seconds"`
}

type RetryConfig struct {
	MaxAttempts    int `json:"max_attempts"`
	InitialDelayMS int `json:"initial_delay_ms"`
	MaxDelayMS     int `json:"max_delay_ms"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Qdrant.Collection == "" {
		c.Database.Qdrant.Collection = "memories"
	}
	if c.Memory.RecallTopK == 0 {
		c.Memory.RecallTopK = 10
	}
	if c.Memory.ScoreFloor == 0 {
		c.Memory.ScoreFloor = 0.75
	}
	if c.Memory.RecentLimit == 0 {
		c.Memory.RecentLimit = 50
	}
	if c.Memory.RecentWindowHours == 0 {
		c.Memory.RecentWindowHours = 24
	}
	if c.Memory.PendingGraceMin == 0 {
		c.Memory.PendingGraceMin = 60
	}
	if c.Memory.DecayBatch == 0 {
		c.Memory.DecayBatch = 200
	}
	if c.Memory.ContextTimeoutMS == 0 {
		c.Memory.ContextTimeoutMS = 3000
	}
	if c.Memory.WriteTimeoutMS == 0 {
		c.Memory.WriteTimeoutMS = 10000
	}
	if c.Memory.DecayTimeoutMS == 0 {
		c.Memory.DecayTimeoutMS = 60000
	}
	if c.Memory.DecayThresholdDays == 0 {
		c.Memory.DecayThresholdDays = 30
	}
	if c.Memory.CacheTTLSeconds == 0 {
		c.Memory.CacheTTLSeconds = 60
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelayMS == 0 {
		c.Retry.InitialDelayMS = 500
	}
	if c.Retry.MaxDelayMS == 0 {
		c.Retry.MaxDelayMS = 5000
	}
}

// ContextTimeout returns the overall load_context deadline.
func (m MemoryConfig) ContextTimeout() time.Duration {
	return time.Duration(m.ContextTimeoutMS) * time.Millisecond
}

// WriteTimeout returns the write_memory deadline.
func (m MemoryConfig) WriteTimeout() time.Duration {
	return time.Duration(m.WriteTimeoutMS) * time.Millisecond
}

// DecayTimeout returns the decay sweep deadline.
func (m MemoryConfig) DecayTimeout() time.Duration {
	return time.Duration(m.DecayTimeoutMS) * time.Millisecond
}

// PendingGrace returns how long a pending row may wait before reclaim.
func (m MemoryConfig) PendingGrace() time.Duration {
	return time.Duration(m.PendingGraceMin) * time.Minute
}

// RecentWindow returns the recent-events time window for load_context.
func (m MemoryConfig) RecentWindow() time.Duration {
	return time.Duration(m.RecentWindowHours) * time.Hour
}
