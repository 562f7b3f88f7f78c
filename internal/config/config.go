package config

import (
	"log"
	"os"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// EngineConfig points saiten at the remote grading engine.
type EngineConfig struct {
	BaseURL   string `yaml:"baseURL"`
	APIKey    string `yaml:"apiKey"`
	TimeoutMs int    `yaml:"timeoutMs"`
}

type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
}

type AuthConfig struct {
	Enabled bool     `yaml:"enabled"`
	APIKeys []string `yaml:"apiKeys"`
}

type RateLimitConfig struct {
	DefaultPerMinute int `yaml:"defaultPerMinute"`
}

// SessionConfig controls the per-session checkpoint store. Records
// older than the freshness window are discarded unread.
type SessionConfig struct {
	KeyPrefix              string `yaml:"keyPrefix"`
	FreshnessWindowMinutes int    `yaml:"freshnessWindowMinutes"`
}

// WizardConfig bounds what a wizard checkpoint may contain.
type WizardConfig struct {
	MaxStep          int `yaml:"maxStep"`
	MaxSnapshotBytes int `yaml:"maxSnapshotBytes"`
}

// PollerConfig controls the per-job status poll loop. MaxRuntimeMinutes
// is the single authoritative ceiling; a loop that outlives it reports
// a timeout instead of polling forever.
type PollerConfig struct {
	IntervalMs        int `yaml:"intervalMs"`
	MaxRuntimeMinutes int `yaml:"maxRuntimeMinutes"`
}

// WatcherConfig controls the ambient observer that tracks jobs for the
// always-mounted indicator surface.
type WatcherConfig struct {
	RecheckIntervalMs int `yaml:"recheckIntervalMs"`
	GraceMs           int `yaml:"graceMs"`
	IdleTTLMinutes    int `yaml:"idleTTLMinutes"`
}

// RunTTLConfig controls per-outcome journal retention in days.
type RunTTLConfig struct {
	DefaultDays   int `yaml:"defaultDays"`
	CompletedDays int `yaml:"completedDays"`
	FailedDays    int `yaml:"failedDays"`
	CancelledDays int `yaml:"cancelledDays"`
}

// RetentionConfig controls TTL-like deletion of old journal rows so
// that the database does not grow without bound over time.
type RetentionConfig struct {
	Enabled  bool         `yaml:"enabled"`
	Schedule string       `yaml:"schedule"`
	Runs     RunTTLConfig `yaml:"runs"`
}

type TracingConfig struct {
	Enabled bool `yaml:"enabled"`
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Engine    EngineConfig    `yaml:"engine"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Session   SessionConfig   `yaml:"session"`
	Wizard    WizardConfig    `yaml:"wizard"`
	Poller    PollerConfig    `yaml:"poller"`
	Watcher   WatcherConfig   `yaml:"watcher"`
	Retention RetentionConfig `yaml:"retention"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	applyEnvOverrides(&cfg)

	return &cfg
}

// applyEnvOverrides lets deployments keep secrets out of the YAML file.
// Only connection material is overridable; behavior knobs stay in YAML.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SAITEN_DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("SAITEN_REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("SAITEN_ENGINE_API_KEY"); v != "" {
		cfg.Engine.APIKey = v
	}
}
