package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	savedobjects "github.com/adrianmcphee/savedobjects"
)

// Store kinds.
const (
	StoreElasticsearch = "elasticsearch"
	StoreBackend       = "backend"
)

// ElasticsearchConfig holds the cluster connection settings
type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses"`
	Username  string   `mapstructure:"username" yaml:"username"`
	Password  string   `mapstructure:"password" yaml:"password"`
	APIKey    string   `mapstructure:"api_key" yaml:"api_key"`
	CloudID   string   `mapstructure:"cloud_id" yaml:"cloud_id"`
}

// LeaseConfig enables the redis advisory lease taken before migrating.
type LeaseConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Addr      string        `mapstructure:"addr" yaml:"addr"`
	Password  string        `mapstructure:"password" yaml:"password"`
	DB        int           `mapstructure:"db" yaml:"db"`
	KeyPrefix string        `mapstructure:"key_prefix" yaml:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Config holds the somigrate process configuration
type Config struct {
	LogLevel      string                       `mapstructure:"log_level" yaml:"log_level"`
	Store         string                       `mapstructure:"store" yaml:"store"`
	TypesFile     string                       `mapstructure:"types_file" yaml:"types_file"`
	BackendURL    string                       `mapstructure:"backend_url" yaml:"backend_url"`
	Elasticsearch ElasticsearchConfig          `mapstructure:"elasticsearch" yaml:"elasticsearch"`
	Backend       savedobjects.BackendConfig   `mapstructure:"backend" yaml:"backend"`
	Migrations    savedobjects.MigrationConfig `mapstructure:"migrations" yaml:"migrations"`
	Lease         LeaseConfig                  `mapstructure:"lease" yaml:"lease"`
}

// LoadConfig loads configuration from config.yaml, environment variables, or CLI flags
// Priority: CLI flags > Environment variables (SOMIGRATE_*) > config.yaml > defaults
func LoadConfig(configPath string, rootCmd *cobra.Command) (*Config, error) {
	v, err := setupViper(configPath, rootCmd)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	if err := cfg.applyBackendURL(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setupViper configures Viper with defaults, paths, and bindings
func setupViper(configPath string, rootCmd *cobra.Command) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigName("somigrate")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	setDefaults(v)
	v.SetEnvPrefix("SOMIGRATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if rootCmd != nil {
		if err := bindFlags(v, rootCmd); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	return v, nil
}

// flagKeys maps persistent flag names to configuration keys.
var flagKeys = map[string]string{
	"log-level":  "log_level",
	"store":      "store",
	"types-file": "types_file",
	"backend":    "backend_url",
	"index":      "migrations.index",
	"batch-size": "migrations.batch_size",
	"max-wait":   "migrations.max_wait",
}

func bindFlags(v *viper.Viper, rootCmd *cobra.Command) error {
	flags := rootCmd.PersistentFlags()
	for name, key := range flagKeys {
		flag := flags.Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", name, err)
		}
	}
	return nil
}

// setDefaults sets default configuration values. Every key needs a default
// so that AutomaticEnv sees it during Unmarshal.
func setDefaults(v *viper.Viper) {
	m := savedobjects.DefaultMigrationConfig()

	v.SetDefault("log_level", "info")
	v.SetDefault("store", StoreElasticsearch)
	v.SetDefault("types_file", "")
	v.SetDefault("backend_url", "")

	v.SetDefault("elasticsearch.addresses", []string{"http://localhost:9200"})
	v.SetDefault("elasticsearch.username", "")
	v.SetDefault("elasticsearch.password", "")
	v.SetDefault("elasticsearch.api_key", "")
	v.SetDefault("elasticsearch.cloud_id", "")

	v.SetDefault("backend.type", "filesystem")
	v.SetDefault("backend.bucket", "./data")
	v.SetDefault("backend.region", "")
	v.SetDefault("backend.endpoint", "")
	v.SetDefault("backend.path_prefix", "")
	v.SetDefault("backend.options", map[string]string{})

	v.SetDefault("migrations.index", m.Index)
	v.SetDefault("migrations.batch_size", m.BatchSize)
	v.SetDefault("migrations.scroll_duration", m.ScrollDuration)
	v.SetDefault("migrations.poll_interval", m.PollInterval)
	v.SetDefault("migrations.max_wait", m.MaxWait)
	v.SetDefault("migrations.skip", m.Skip)

	v.SetDefault("lease.enabled", false)
	v.SetDefault("lease.addr", "localhost:6379")
	v.SetDefault("lease.password", "")
	v.SetDefault("lease.db", 0)
	v.SetDefault("lease.key_prefix", "somigrate")
	v.SetDefault("lease.ttl", 30*time.Second)
}

// applyBackendURL selects the backend store from a URL such as
// s3://bucket/prefix. Region, endpoint and options still come from the
// backend section.
func (c *Config) applyBackendURL() error {
	if c.BackendURL == "" {
		return nil
	}
	parsed, err := savedobjects.ParseBackendURL(c.BackendURL)
	if err != nil {
		return err
	}
	c.Store = StoreBackend
	c.Backend.Type = parsed.Type
	c.Backend.Bucket = parsed.Bucket
	c.Backend.PathPrefix = parsed.PathPrefix
	return nil
}

// Validate checks the parts of the configuration the chosen store uses.
func (c *Config) Validate() error {
	if err := c.Migrations.Validate(); err != nil {
		return err
	}
	switch c.Store {
	case StoreElasticsearch:
		if len(c.Elasticsearch.Addresses) == 0 && c.Elasticsearch.CloudID == "" {
			return savedobjects.WithContext(savedobjects.ErrInvalidConfig, map[string]interface{}{
				"field":  "elasticsearch.addresses",
				"reason": "an address or cloud id is required",
			})
		}
	case StoreBackend:
		if err := c.Backend.Validate(); err != nil {
			return err
		}
	default:
		return savedobjects.WithContext(savedobjects.ErrInvalidConfig, map[string]interface{}{
			"field":  "store",
			"value":  c.Store,
			"reason": "must be elasticsearch or backend",
		})
	}
	return nil
}

// NewGateway connects to the configured store.
func (c *Config) NewGateway(ctx context.Context, logger savedobjects.Logger, metrics savedobjects.Metrics) (savedobjects.Gateway, error) {
	if c.Store == StoreElasticsearch {
		g, err := savedobjects.NewElasticsearchGatewayFromConfig(elasticsearch.Config{
			Addresses: c.Elasticsearch.Addresses,
			Username:  c.Elasticsearch.Username,
			Password:  c.Elasticsearch.Password,
			APIKey:    c.Elasticsearch.APIKey,
			CloudID:   c.Elasticsearch.CloudID,
		})
		if err != nil {
			return nil, err
		}
		g.SetLogger(logger)
		return savedobjects.NewInstrumentedGateway(g, metrics, StoreElasticsearch), nil
	}

	backend, err := savedobjects.NewBackend(ctx, c.Backend)
	if err != nil {
		return nil, err
	}
	g := savedobjects.NewBackendGatewayWithObservability(backend, logger, metrics)
	return savedobjects.NewInstrumentedGateway(g, metrics, c.Backend.Type), nil
}

// NewLease returns the redis lease, or nil when it is disabled. The caller
// closes the lease.
func (c *Config) NewLease() *savedobjects.DistributedLock {
	if !c.Lease.Enabled {
		return nil
	}
	client := redis.NewClient(savedobjects.RedisOptionsWithOverrides(c.Lease.Addr, c.Lease.Password, c.Lease.DB))
	lock := savedobjects.NewDistributedLockWithOwnedClient(client, c.Lease.KeyPrefix)
	if c.Lease.TTL > 0 {
		lock = lock.WithTTL(c.Lease.TTL)
	}
	return lock
}
