package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// LoadConfig reads the YAML config at path, applies DECKSYNC_* environment
// overrides and fills defaults for anything not set.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("DECKSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Remote.BaseURL == "" {
		return nil, fmt.Errorf("remote.base_url is required")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.timeout", "30s")
	v.SetDefault("remote.requests_per_second", 5.0)
	v.SetDefault("remote.burst", 10)
	v.SetDefault("remote.breaker_threshold", 5)

	v.SetDefault("state_storage.path", "decksync.db")

	v.SetDefault("sync.page_size", 1000)
	v.SetDefault("sync.suggestion_batch_limit", 500)
	v.SetDefault("sync.conflict_policy", "server_wins")
	v.SetDefault("sync.upload_progress", true)

	v.SetDefault("scheduler.enabled", false)
	v.SetDefault("scheduler.interval", "@every 1h")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8085)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "15s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
