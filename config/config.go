// Package config loads the YAML configuration of the buildcoord binary.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/getpup/buildcoord"
	"github.com/getpup/buildcoord/liveness"
	"github.com/getpup/buildcoord/logging"
	"github.com/getpup/buildcoord/provision"
	"github.com/getpup/buildcoord/store/sqlstore"
	"github.com/getpup/buildcoord/sweeper"
)

// Config is the full process configuration.
type Config struct {
	Master        MasterConfig       `yaml:"master"`
	Database      DatabaseConfig     `yaml:"database"`
	EventBus      EventBusConfig     `yaml:"event_bus"`
	Metrics       MetricsConfig      `yaml:"metrics"`
	Log           logging.Config     `yaml:"log"`
	LatentWorkers []provision.Config `yaml:"latent_workers"`
}

// MasterConfig configures this process's own master and its sweeps.
type MasterConfig struct {
	// Name defaults to <hostname>-<uuid>.
	Name              string        `yaml:"name"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ExpiryThreshold   time.Duration `yaml:"expiry_threshold"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
}

// DatabaseConfig selects the record store.
type DatabaseConfig struct {
	Driver      string `yaml:"driver"` // postgres, mysql, sqlite3
	DSN         string `yaml:"dsn"`
	TablePrefix string `yaml:"table_prefix"`

	// Migrate creates missing tables at startup.
	Migrate bool `yaml:"migrate"`
}

// EventBusConfig selects where master events are published.
type EventBusConfig struct {
	Backend    string           `yaml:"backend"` // memory, redis, eventstore
	Redis      RedisConfig      `yaml:"redis"`
	EventStore EventStoreConfig `yaml:"eventstore"`
}

// RedisConfig configures the redis stream event bus backend.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len"`

	// ConsumerGroup defaults to the master name, so every master sees every
	// event. Masters sharing a group split the events between them.
	ConsumerGroup string `yaml:"consumer_group"`
}

// EventStoreConfig configures the event store backend. Events live in the
// record store's PostgreSQL database.
type EventStoreConfig struct {
	BoundedContext string `yaml:"bounded_context"`

	// SubscriberName keys the watcher's checkpoint. Defaults to
	// "master-events:<master name>".
	SubscriberName string `yaml:"subscriber_name"`
}

// MetricsConfig configures the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Default returns a configuration with every default applied and no
// database DSN.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Master.Name == "" {
		c.Master.Name = defaultMasterName()
	}
	if c.Master.HeartbeatInterval == 0 {
		c.Master.HeartbeatInterval = 60 * time.Second
	}
	if c.Master.ExpiryThreshold == 0 {
		c.Master.ExpiryThreshold = liveness.DefaultExpiryThreshold
	}
	if c.Master.SweepInterval == 0 {
		c.Master.SweepInterval = sweeper.DefaultInterval
	}
	if c.Database.Driver == "" {
		c.Database.Driver = string(sqlstore.Postgres)
	}
	if c.Database.TablePrefix == "" {
		c.Database.TablePrefix = sqlstore.DefaultTableConfig().Prefix
	}
	if c.EventBus.Backend == "" {
		c.EventBus.Backend = "memory"
	}
	if c.EventBus.Redis.Stream == "" {
		c.EventBus.Redis.Stream = "buildcoord.events"
	}
	if c.EventBus.Redis.ConsumerGroup == "" {
		c.EventBus.Redis.ConsumerGroup = c.Master.Name
	}
	if c.EventBus.EventStore.BoundedContext == "" {
		c.EventBus.EventStore.BoundedContext = "buildcoord"
	}
	if c.EventBus.EventStore.SubscriberName == "" {
		c.EventBus.EventStore.SubscriberName = "master-events:" + c.Master.Name
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}
}

func defaultMasterName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "buildcoord"
	}
	return host + "-" + uuid.NewString()
}

// Validate reports the first configuration problem found.
func (c Config) Validate() error {
	if c.Master.HeartbeatInterval < 0 {
		return &buildcoord.ValidationError{Field: "master.heartbeat_interval", Reason: "must be positive"}
	}
	if c.Master.ExpiryThreshold <= c.Master.HeartbeatInterval {
		return &buildcoord.ValidationError{Field: "master.expiry_threshold", Reason: "must exceed master.heartbeat_interval"}
	}
	if c.Master.SweepInterval < 0 {
		return &buildcoord.ValidationError{Field: "master.sweep_interval", Reason: "must be positive"}
	}

	if _, err := sqlstore.ParseDialect(c.Database.Driver); err != nil {
		return &buildcoord.ValidationError{Field: "database.driver", Reason: err.Error()}
	}
	if c.Database.DSN == "" {
		return &buildcoord.ValidationError{Field: "database.dsn", Reason: "required"}
	}
	if err := (sqlstore.TableConfig{Prefix: c.Database.TablePrefix}).Validate(); err != nil {
		return err
	}

	switch c.EventBus.Backend {
	case "memory":
	case "redis":
		if c.EventBus.Redis.Addr == "" {
			return &buildcoord.ValidationError{Field: "event_bus.redis.addr", Reason: "required for the redis backend"}
		}
		if c.EventBus.Redis.MaxLen < 0 {
			return &buildcoord.ValidationError{Field: "event_bus.redis.max_len", Reason: "must not be negative"}
		}
	case "eventstore":
		if d, _ := sqlstore.ParseDialect(c.Database.Driver); d != sqlstore.Postgres {
			return &buildcoord.ValidationError{Field: "event_bus.backend", Reason: "the eventstore backend requires database.driver postgres"}
		}
	default:
		return &buildcoord.ValidationError{Field: "event_bus.backend", Reason: fmt.Sprintf("unknown backend %q", c.EventBus.Backend)}
	}

	if err := c.Log.Validate(); err != nil {
		return err
	}

	names := make(map[string]bool, len(c.LatentWorkers))
	for i, w := range c.LatentWorkers {
		if err := w.Validate(); err != nil {
			return fmt.Errorf("latent_workers[%d]: %w", i, err)
		}
		if names[w.Name] {
			return &buildcoord.ValidationError{Field: fmt.Sprintf("latent_workers[%d].name", i), Reason: fmt.Sprintf("duplicate worker %q", w.Name)}
		}
		names[w.Name] = true
	}
	return nil
}
