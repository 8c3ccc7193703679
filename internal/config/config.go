package config

import (
	"time"
)

type Config struct {
	Remote       RemoteConfig    `mapstructure:"remote"`
	StateStorage StateStorage    `mapstructure:"state_storage"`
	Sync         SyncConfig      `mapstructure:"sync"`
	Scheduler    SchedulerConfig `mapstructure:"scheduler"`
	Server       ServerConfig    `mapstructure:"server"`
	Logging      LoggingConfig   `mapstructure:"logging"`
}

// RemoteConfig describes the deck backend the service syncs against.
type RemoteConfig struct {
	BaseURL           string  `mapstructure:"base_url"`
	Timeout           string  `mapstructure:"timeout"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
	BreakerThreshold  uint32  `mapstructure:"breaker_threshold"`
}

func (r RemoteConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(r.Timeout)
	if err != nil || d <= 0 {
		return 30 * time.Second
	}
	return d
}

type StateStorage struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	PageSize             int    `mapstructure:"page_size"`
	SuggestionBatchLimit int    `mapstructure:"suggestion_batch_limit"`
	ConflictPolicy       string `mapstructure:"conflict_policy"` // server_wins or manual
	UploadProgress       bool   `mapstructure:"upload_progress"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}
