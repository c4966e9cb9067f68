package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Guard     GuardConfig     `mapstructure:"guard"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Verbose   bool            `mapstructure:"verbose"`
}

type ServerConfig struct {
	HTTPAddress string `mapstructure:"http_address"`
	// PublishRate is the number of publish frames per second a relay connection may send.
	PublishRate  float64 `mapstructure:"publish_rate"`
	PublishBurst int     `mapstructure:"publish_burst"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the keyword/value connection string understood by both pgx and lib/pq.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.DBName, p.SSLMode)
}

type BroadcastConfig struct {
	// Driver is one of "memory", "pgnotify" or "relay".
	Driver   string `mapstructure:"driver"`
	RelayURL string `mapstructure:"relay_url"`
}

type GuardConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryBackoff  time.Duration `mapstructure:"retry_backoff"`
	ReadCacheTTL  time.Duration `mapstructure:"read_cache_ttl"`
}

type SyncConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	LivenessWindow    time.Duration `mapstructure:"liveness_window"`
	SnapshotDir       string        `mapstructure:"snapshot_dir"`
	SnapshotTTL       time.Duration `mapstructure:"snapshot_ttl"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_address", ":8080")
	v.SetDefault("server.publish_rate", 20.0)
	v.SetDefault("server.publish_burst", 40)

	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.user", "postgres")
	v.SetDefault("database.postgres.dbname", "partysync")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("broadcast.driver", "pgnotify")

	v.SetDefault("guard.retry_attempts", 3)
	v.SetDefault("guard.retry_backoff", 250*time.Millisecond)
	v.SetDefault("guard.read_cache_ttl", 3*time.Second)

	v.SetDefault("sync.reconcile_interval", 5*time.Second)
	v.SetDefault("sync.heartbeat_interval", 15*time.Second)
	v.SetDefault("sync.liveness_window", 45*time.Second)
	v.SetDefault("sync.snapshot_ttl", 2*time.Minute)
}

// New returns a viper instance with defaults and PARTYSYNC_* environment overrides applied.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("PARTYSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// LoadConfig reads config.yaml from path. A missing file is not an error; defaults apply.
func LoadConfig(path string) (*Config, error) {
	return Load(New(), path)
}

func Load(v *viper.Viper, path string) (*Config, error) {
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Broadcast.Driver {
	case "memory", "pgnotify":
	case "relay":
		if c.Broadcast.RelayURL == "" {
			return errors.New("broadcast.relay_url is required for the relay driver")
		}
	default:
		return fmt.Errorf("unknown broadcast driver %q", c.Broadcast.Driver)
	}
	if c.Guard.RetryAttempts < 1 {
		return fmt.Errorf("guard.retry_attempts must be at least 1, got %d", c.Guard.RetryAttempts)
	}
	return nil
}
