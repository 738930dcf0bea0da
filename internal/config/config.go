// Package config provides the configuration surface for the cache engine.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration consumed by the engine and server.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Photos   PhotosConfig   `mapstructure:"photos"`
	Cron     CronConfig     `mapstructure:"cron"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Concurrency     int           `mapstructure:"concurrency"`
	RequestInterval time.Duration `mapstructure:"request_interval"` // per worker
	DailyQuota      int           `mapstructure:"daily_quota"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

type PhotosConfig struct {
	// TargetWidths must be ascending; each width yields one webp and one jpeg.
	TargetWidths []int `mapstructure:"target_widths"`
	WebPQuality  int   `mapstructure:"webp_quality"`
	JPEGQuality  int   `mapstructure:"jpeg_quality"`
	MaxPerPlace  int   `mapstructure:"max_per_place"`
}

type CronConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	RefreshAt  string `mapstructure:"refresh_at"`  // cron spec for the TTL refresh run
	QuotaReset string `mapstructure:"quota_reset"` // cron spec for the day-boundary reset
}

// Load reads configuration from the given file (optional) and the
// environment. Environment variables use the TIMELINE_ prefix with
// underscores, e.g. TIMELINE_SYNC_DAILY_QUOTA.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TIMELINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_addr", ":8090")
	v.SetDefault("log.level", "info")
	v.SetDefault("storage.data_dir", "./data")

	v.SetDefault("upstream.base_url", "https://places.googleapis.com")
	v.SetDefault("upstream.timeout", 20*time.Second)

	v.SetDefault("sync.concurrency", 3)
	v.SetDefault("sync.request_interval", 2*time.Second)
	v.SetDefault("sync.daily_quota", 1000)
	v.SetDefault("sync.cache_ttl", 7*24*time.Hour)
	v.SetDefault("sync.backoff_base", 500*time.Millisecond)
	v.SetDefault("sync.max_attempts", 4)

	v.SetDefault("photos.target_widths", []int{320, 640, 1024, 1600})
	v.SetDefault("photos.webp_quality", 80)
	v.SetDefault("photos.jpeg_quality", 85)
	v.SetDefault("photos.max_per_place", 6)

	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.refresh_at", "0 0 3 * * *")
	v.SetDefault("cron.quota_reset", "0 0 0 * * *")
}
