// Package config loads outbox settings from a config file and environment
// variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/girino/nostr-outbox/outbox"
	"github.com/spf13/viper"
)

// Load reads configuration from outbox.yaml (working directory or /etc/outbox)
// and OUTBOX_* environment variables, layered over defaults. A missing config
// file is fine; a malformed one is an error.
func Load() (*outbox.Config, error) {
	v := viper.New()
	v.SetConfigName("outbox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/outbox")
	v.SetEnvPrefix("OUTBOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := outbox.DefaultConfig()
	cfg.BootstrapRelays = v.GetStringSlice("bootstrap_relays")
	cfg.DataDir = v.GetString("data_dir")
	cfg.Identities = v.GetStringSlice("identities")
	cfg.BatchSize = v.GetInt("discovery.batch_size")
	cfg.BatchDelay = v.GetDuration("discovery.batch_delay")
	cfg.MinRefreshInterval = v.GetDuration("discovery.min_refresh_interval")
	cfg.RefreshInterval = v.GetDuration("discovery.refresh_interval")
	cfg.Pool.MaxConnections = v.GetInt("pool.max_connections")
	cfg.Pool.AcquireWait = v.GetDuration("pool.acquire_wait")
	cfg.Pool.IdleTimeout = v.GetDuration("pool.idle_timeout")
	cfg.Pool.QueryTimeout = v.GetDuration("pool.query_timeout")
	cfg.Pool.PublishTimeout = v.GetDuration("pool.publish_timeout")
	cfg.Pool.BackoffBase = v.GetDuration("pool.backoff_base")
	cfg.Pool.BackoffMax = v.GetDuration("pool.backoff_max")
	cfg.Pool.RetryBudget = v.GetInt("pool.retry_budget")

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := outbox.DefaultConfig()
	v.SetDefault("bootstrap_relays", def.BootstrapRelays)
	v.SetDefault("data_dir", "")
	v.SetDefault("identities", []string{})
	v.SetDefault("discovery.batch_size", def.BatchSize)
	v.SetDefault("discovery.batch_delay", def.BatchDelay)
	v.SetDefault("discovery.min_refresh_interval", def.MinRefreshInterval)
	v.SetDefault("discovery.refresh_interval", def.RefreshInterval)
	v.SetDefault("pool.max_connections", def.Pool.MaxConnections)
	v.SetDefault("pool.acquire_wait", def.Pool.AcquireWait)
	v.SetDefault("pool.idle_timeout", def.Pool.IdleTimeout)
	v.SetDefault("pool.query_timeout", def.Pool.QueryTimeout)
	v.SetDefault("pool.publish_timeout", def.Pool.PublishTimeout)
	v.SetDefault("pool.backoff_base", def.Pool.BackoffBase)
	v.SetDefault("pool.backoff_max", def.Pool.BackoffMax)
	v.SetDefault("pool.retry_budget", def.Pool.RetryBudget)
}

func validate(cfg *outbox.Config) error {
	if len(cfg.BootstrapRelays) == 0 {
		return fmt.Errorf("at least one bootstrap relay is required")
	}
	for _, url := range cfg.BootstrapRelays {
		if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
			return fmt.Errorf("bootstrap relay %q is not a websocket url", url)
		}
	}
	if cfg.Pool.MaxConnections <= 0 {
		return fmt.Errorf("pool.max_connections must be positive")
	}
	if cfg.BatchSize <= 0 {
		return fmt.Errorf("discovery.batch_size must be positive")
	}
	if cfg.BatchDelay < 0 || cfg.RefreshInterval < time.Minute {
		return fmt.Errorf("discovery intervals out of range")
	}
	return nil
}
