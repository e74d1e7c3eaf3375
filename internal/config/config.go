// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Retention RetentionConfig `mapstructure:"retention"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines operator API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
}

// WorkerConfig governs the callback protocol with the external scrape worker.
type WorkerConfig struct {
	SharedSecret            string   `mapstructure:"shared_secret"`
	AllowedIPs              []string `mapstructure:"allowed_ips"`
	HeartbeatTimeoutMinutes int      `mapstructure:"heartbeat_timeout_minutes"`
}

// PubSubConfig identifies the topic work descriptors are published on.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig sets the blob destination for archived session logs.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
}

// RetentionConfig bounds how long session logs stay in the database.
type RetentionConfig struct {
	LogMaxAgeDays    int `mapstructure:"log_max_age_days"`
	PruneBatchSize   int `mapstructure:"prune_batch_size"`
	SweepIntervalMin int `mapstructure:"sweep_interval_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("db.max_open_conns", 10)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("worker.heartbeat_timeout_minutes", 15)
	v.SetDefault("storage.prefix", "session-logs")
	v.SetDefault("retention.log_max_age_days", 30)
	v.SetDefault("retention.prune_batch_size", 1000)
	v.SetDefault("retention.sweep_interval_minutes", 60)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Worker.SharedSecret == "" {
		return fmt.Errorf("worker.shared_secret must be set")
	}
	if c.Worker.HeartbeatTimeoutMinutes <= 0 {
		return fmt.Errorf("worker.heartbeat_timeout_minutes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Retention.LogMaxAgeDays <= 0 {
		return fmt.Errorf("retention.log_max_age_days must be > 0")
	}
	return nil
}

// HeartbeatTimeout converts the configured timeout minutes into a duration.
func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.Worker.HeartbeatTimeoutMinutes) * time.Minute
}

// LogMaxAge converts the configured retention days into a duration.
func (c Config) LogMaxAge() time.Duration {
	return time.Duration(c.Retention.LogMaxAgeDays) * 24 * time.Hour
}

// SweepInterval converts the configured sweep cadence into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Retention.SweepIntervalMin) * time.Minute
}
