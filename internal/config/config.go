// Package config loads the YAML realm/publisher/sink/hub configuration
// used across the cmd/ entry points. It uses viper for file-based YAML
// reading so nested maps (per-queue options, keyed by queue name) unmarshal
// the same way the original Python tool's yaml.safe_load did.
package config

import (
	"strings"

	"github.com/spf13/viper"

	"github.com/naojsoft/datasink/internal/errs"
)

// QueueOptions describes one entry in the sink/hub "queues" (or legacy
// "keys") map: per-queue priority, durability, and routing.
type QueueOptions struct {
	Priority    int    `mapstructure:"priority"`
	Persist     bool   `mapstructure:"persist"`
	Transient   bool   `mapstructure:"transient"`
	QueueLength int    `mapstructure:"queue_length"`
	TTLSec      int    `mapstructure:"ttl_sec"`
	Topic       string `mapstructure:"topic"`
	Enabled     bool   `mapstructure:"enabled"`
}

// HasQueueLength reports whether queue_length was set to a positive value
// in the YAML (viper gives us no zero-value/unset distinction, so an explicit
// 0 reads the same as an unset key).
func (q QueueOptions) HasQueueLength() bool { return q.QueueLength > 0 }

// HasTTL reports whether ttl_sec was set.
func (q QueueOptions) HasTTL() bool { return q.TTLSec > 0 }

// DedupConfig configures the optional Redis-backed delivery dedup store.
type DedupConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"redis_url"`
	TTLSec  int    `mapstructure:"ttl_sec"`
}

// LedgerConfig configures the optional Postgres-backed transfer ledger.
type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"database_url"`
}

// Config is the union of every key recognized anywhere in spec.md §6. A
// given binary reads only the fields its role needs; unused fields are
// simply left at their defaults.
type Config struct {
	// Realm / broker
	Realm         string `mapstructure:"realm"`
	RealmHost     string `mapstructure:"realm_host"`
	RealmPort     int    `mapstructure:"realm_port"`
	RealmUsername string `mapstructure:"realm_username"`
	RealmPassword string `mapstructure:"realm_password"`
	Persist       bool   `mapstructure:"persist"`
	DefaultPrio   int    `mapstructure:"default_priority"`
	BacklogQueue  string `mapstructure:"backlog_queue"`

	// Publisher
	Topic           string `mapstructure:"topic"`
	MessagePersist  bool   `mapstructure:"message_persist"`
	TTLSec          int    `mapstructure:"ttl_sec"`
	RecoverInterval int    `mapstructure:"recover_interval_sec"`

	// Sink
	NumWorkers       int      `mapstructure:"num_workers"`
	QueueNames       []string `mapstructure:"queue_names"`
	RetryIntervalSec int      `mapstructure:"retry_interval_sec"`
	DataDir          string   `mapstructure:"datadir"`
	MoveDir          string   `mapstructure:"movedir"`
	UnpackTarfiles   bool     `mapstructure:"unpack_tarfiles"`
	InsFilter        []string `mapstructure:"insfilter"`
	StoreBy          string   `mapstructure:"storeby"`
	MD5Check         bool     `mapstructure:"md5check"`
	TransferHost     string   `mapstructure:"transfer_host"`
	TransferMethod   string   `mapstructure:"transfer_method"`
	TransferUsername string   `mapstructure:"transfer_username"`
	TransferDir      string   `mapstructure:"transfer_direction"`
	MountMangle      string   `mapstructure:"mountmangle"`
	Key              string   `mapstructure:"key"`

	// Admin HTTP
	MetricsPort int `mapstructure:"metrics_port"`

	// Queue topology (sink/hub): the original tool calls this map "keys" in
	// the sink role and "queues" in the hub role; both are accepted.
	Queues map[string]QueueOptions `mapstructure:"queues"`
	Keys   map[string]QueueOptions `mapstructure:"keys"`

	Dedup  DedupConfig  `mapstructure:"dedup"`
	Ledger LedgerConfig `mapstructure:"ledger"`
}

// SinkName derives this sink's name (and default queue name) from the
// configured Key, splitting on '-' the way the original tool did
// (key.split('-')[0]).
func (c *Config) SinkName() string {
	if c.Key == "" {
		return ""
	}
	return strings.SplitN(c.Key, "-", 2)[0]
}

// QueueTopology returns the effective queue-name -> options map, preferring
// "queues" and falling back to the legacy "keys" spelling.
func (c *Config) QueueTopology() map[string]QueueOptions {
	if len(c.Queues) > 0 {
		return c.Queues
	}
	return c.Keys
}

const defaultTopic = "general"

// Load reads a YAML configuration file from path and applies defaults for
// any key left unset. path need not include the .yml/.yaml suffix.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(resolveConfigPath(path))
	v.SetConfigType("yaml")

	v.SetDefault("realm_port", 5672)
	v.SetDefault("default_priority", 0)
	v.SetDefault("backlog_queue", "backlog")
	v.SetDefault("topic", defaultTopic)
	v.SetDefault("recover_interval_sec", 60)
	v.SetDefault("num_workers", 4)
	v.SetDefault("retry_interval_sec", 60)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("storeby", "")
	v.SetDefault("transfer_direction", "from")

	if err := v.ReadInConfig(); err != nil {
		return nil, &errs.ConfigError{Msg: "failed to read " + path + ": " + err.Error()}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, &errs.ConfigError{Msg: "failed to decode " + path + ": " + err.Error()}
	}

	return cfg, nil
}

// resolveConfigPath appends the conventional .yml suffix when the caller
// omitted it, matching the original tool's read_config().
func resolveConfigPath(path string) string {
	if strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml") {
		return path
	}
	return path + ".yml"
}

// ResolveTopic implements spec.md §4.1's topic resolution order: explicit
// argument, job.Topic, config Topic, "general".
func (c *Config) ResolveTopic(explicit, jobTopic string) string {
	if explicit != "" {
		return explicit
	}
	if jobTopic != "" {
		return jobTopic
	}
	if c.Topic != "" {
		return c.Topic
	}
	return defaultTopic
}
