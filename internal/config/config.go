package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every knob the service reads, loaded from environment
// variables with the RUNNER_ prefix merged over an optional yaml file.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	HealthAddr string `mapstructure:"health_addr"`

	MaxJobs          int `mapstructure:"max_jobs"`
	ClientTaskLimit  int `mapstructure:"client_task_limit"`
	InputTimeoutSec  int `mapstructure:"input_timeout"`
	MaxDurationSec   int `mapstructure:"max_task_duration"`
	RetentionDays    int `mapstructure:"task_retention_days"`
	CancelGraceSec   int `mapstructure:"cancel_grace"`
	DrainWindowSec   int `mapstructure:"drain_window"`
	MaxStreamLen     int `mapstructure:"max_stream_len"`
	WSClientsPerTask int `mapstructure:"ws_clients_per_task"`

	RedisURL    string `mapstructure:"redis_url"`
	StorageRoot string `mapstructure:"storage_root"`
	WorkRoot    string `mapstructure:"work_root"`

	// FlowCommand is the executable that interprets a flow file. It is
	// invoked as: <flow_command> --task-id <id> <file>.
	FlowCommand string `mapstructure:"flow_command"`

	Postgres PostgresConfig `mapstructure:"postgres"`

	JWTSecret      string   `mapstructure:"jwt_secret"`
	SkipAuth       bool     `mapstructure:"skip_auth"`
	TrustedOrigins []string `mapstructure:"trusted_origins"`

	PolicyPath    string `mapstructure:"policy_path"`
	PolicyEnabled bool   `mapstructure:"policy_enabled"`

	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// PostgresConfig mirrors the persistence collaborator's connection knobs.
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

func (c *Config) InputTimeout() time.Duration { return time.Duration(c.InputTimeoutSec) * time.Second }
func (c *Config) MaxDuration() time.Duration  { return time.Duration(c.MaxDurationSec) * time.Second }
func (c *Config) CancelGrace() time.Duration  { return time.Duration(c.CancelGraceSec) * time.Second }
func (c *Config) DrainWindow() time.Duration  { return time.Duration(c.DrainWindowSec) * time.Second }
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

// Load reads configuration from RUNNER_* environment variables, merged
// over an optional yaml file given by RUNNER_CONFIG_FILE.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RUNNER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if file := v.GetString("config_file"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8000")
	v.SetDefault("health_addr", ":8081")
	v.SetDefault("max_jobs", 5)
	v.SetDefault("client_task_limit", 3)
	v.SetDefault("input_timeout", 180)
	v.SetDefault("max_task_duration", 0)
	v.SetDefault("task_retention_days", 7)
	v.SetDefault("cancel_grace", 10)
	v.SetDefault("drain_window", 5)
	v.SetDefault("max_stream_len", 1000)
	v.SetDefault("ws_clients_per_task", 5)
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("storage_root", "/var/lib/runner/files")
	v.SetDefault("work_root", "/var/lib/runner/work")
	v.SetDefault("flow_command", "flowapp")
	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "runner")
	v.SetDefault("postgres.password", "runner")
	v.SetDefault("postgres.database", "runner")
	v.SetDefault("postgres.sslmode", "disable")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("skip_auth", false)
	v.SetDefault("trusted_origins", []string{})
	v.SetDefault("policy_path", "")
	v.SetDefault("policy_enabled", false)
	v.SetDefault("otlp_endpoint", "")
	v.SetDefault("rate_limit_rps", 10)
	v.SetDefault("rate_limit_burst", 20)
}

// Validate rejects configurations the service cannot start with.
// Callers treat a validation failure as a configuration error (exit 1).
func (c *Config) Validate() error {
	if c.MaxJobs < 1 || c.MaxJobs > 100 {
		return fmt.Errorf("max_jobs must be in 1..100, got %d", c.MaxJobs)
	}
	if c.ClientTaskLimit < 1 {
		return fmt.Errorf("client_task_limit must be positive, got %d", c.ClientTaskLimit)
	}
	if c.InputTimeoutSec < 1 {
		return fmt.Errorf("input_timeout must be positive, got %d", c.InputTimeoutSec)
	}
	if c.MaxDurationSec < 0 {
		return fmt.Errorf("max_task_duration must be >= 0, got %d", c.MaxDurationSec)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("task_retention_days must be >= 0, got %d", c.RetentionDays)
	}
	if !c.SkipAuth && c.JWTSecret == "" {
		return fmt.Errorf("jwt_secret is required unless skip_auth is set")
	}
	return nil
}
