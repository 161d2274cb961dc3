// Package config loads the flowgate daemon configuration from a YAML file
// and FLOWGATE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FLOWGATE_STORE_DSN.
const EnvPrefix = "FLOWGATE"

// Config holds the configuration for the daemon.
type Config struct {
	Store struct {
		// Driver is memory, sqlite or postgres.
		Driver string `mapstructure:"driver"`
		DSN    string `mapstructure:"dsn"`
	} `mapstructure:"store"`

	Queue struct {
		// Driver is memory, sqlite, postgres, redis or mongo. The sql
		// drivers share the store's database.
		Driver string `mapstructure:"driver"`
		Redis  struct {
			Addr     string `mapstructure:"addr"`
			Password string `mapstructure:"password"`
			DB       int    `mapstructure:"db"`
			Prefix   string `mapstructure:"prefix"`
		} `mapstructure:"redis"`
		Mongo struct {
			URI        string `mapstructure:"uri"`
			Database   string `mapstructure:"database"`
			Collection string `mapstructure:"collection"`
		} `mapstructure:"mongo"`
	} `mapstructure:"queue"`

	Engine struct {
		ApplyDelay      time.Duration `mapstructure:"apply_delay"`
		EnqueueAttempts int           `mapstructure:"enqueue_attempts"`
		MaxAutoAdvance  int           `mapstructure:"max_auto_advance"`
		StrandedAfter   time.Duration `mapstructure:"stranded_after"`
		// Conditions is "rules" or "always" (every guard holds).
		Conditions string `mapstructure:"conditions"`
	} `mapstructure:"engine"`

	Worker struct {
		Concurrency int           `mapstructure:"concurrency"`
		MaxAttempts int           `mapstructure:"max_attempts"`
		Backoff     time.Duration `mapstructure:"backoff"`
		MaxBackoff  time.Duration `mapstructure:"max_backoff"`
		// RequeueOnStart runs RequeueStranded before consuming tasks.
		RequeueOnStart bool `mapstructure:"requeue_on_start"`
	} `mapstructure:"worker"`

	Workflows struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"workflows"`

	Metrics struct {
		// Addr serves /metrics when non-empty.
		Addr string `mapstructure:"addr"`
	} `mapstructure:"metrics"`

	Tracing struct {
		Enabled bool `mapstructure:"enabled"`
		// Output is a file for the stdout exporter; empty means stdout.
		Output string `mapstructure:"output"`
	} `mapstructure:"tracing"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "memory")
	v.SetDefault("queue.driver", "memory")
	v.SetDefault("queue.redis.addr", "localhost:6379")
	v.SetDefault("queue.mongo.database", "flowgate")
	v.SetDefault("queue.mongo.collection", "tasks")
	v.SetDefault("engine.enqueue_attempts", 3)
	v.SetDefault("engine.max_auto_advance", 256)
	v.SetDefault("engine.stranded_after", 5*time.Minute)
	v.SetDefault("engine.conditions", "rules")
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.backoff", time.Second)
	v.SetDefault("worker.max_backoff", time.Minute)
	v.SetDefault("worker.requeue_on_start", true)
	v.SetDefault("workflows.dir", "workflows")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads path when given, otherwise flowgate.yaml from the working
// directory or /etc/flowgate if present. Environment variables override
// the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("flowgate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/flowgate")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver names and the combinations that cannot work.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("config: store.dsn is required for %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("config: unknown store.driver %q", c.Store.Driver)
	}

	switch c.Queue.Driver {
	case "memory", "redis":
	case "sqlite", "postgres":
		if c.Queue.Driver != c.Store.Driver {
			return fmt.Errorf("config: queue.driver %s needs store.driver %s", c.Queue.Driver, c.Queue.Driver)
		}
	case "mongo":
		if c.Queue.Mongo.URI == "" {
			return errors.New("config: queue.mongo.uri is required")
		}
	default:
		return fmt.Errorf("config: unknown queue.driver %q", c.Queue.Driver)
	}

	switch c.Engine.Conditions {
	case "rules", "always":
	default:
		return fmt.Errorf("config: unknown engine.conditions %q", c.Engine.Conditions)
	}
	if c.Worker.Concurrency < 1 {
		return errors.New("config: worker.concurrency must be positive")
	}
	return nil
}
