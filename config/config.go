// Package config reads the qafila daemon configuration from TOML, with
// QAFILA_-prefixed environment overrides layered on top.
package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teranos/qafila/errors"
)

// Config is the full daemon configuration.
type Config struct {
	Database DatabaseConfig `mapstructure:"database"`
	Server   ServerConfig   `mapstructure:"server"`
	Sync     SyncConfig     `mapstructure:"sync"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Catalog  CatalogConfig  `mapstructure:"catalog"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// DatabaseConfig locates the sqlite database.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig shapes the event stream listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// SyncConfig tunes the worker pool and scheduler.
type SyncConfig struct {
	Workers             int `mapstructure:"workers"`
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
	TickIntervalSeconds int `mapstructure:"tick_interval_seconds"`
	CleanupAfterDays    int `mapstructure:"cleanup_after_days"`
}

// PollInterval returns the worker poll interval as a duration.
func (c SyncConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// TickInterval returns the scheduler tick interval as a duration.
func (c SyncConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSeconds) * time.Second
}

// UpstreamConfig points at the content provider.
type UpstreamConfig struct {
	BaseURL            string `mapstructure:"base_url"`
	CallTimeoutSeconds int    `mapstructure:"call_timeout_seconds"`
}

// CallTimeout returns the per-call timeout as a duration.
func (c UpstreamConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutSeconds) * time.Second
}

// CatalogConfig shapes the prayer-times cross product.
type CatalogConfig struct {
	Locations    []string `mapstructure:"locations"`
	Methods      []string `mapstructure:"methods"`
	Schools      []string `mapstructure:"schools"`
	Days         int      `mapstructure:"days"`
	FetchDelayMs int      `mapstructure:"fetch_delay_ms"`
}

// FetchDelay returns the per-item upstream pacing as a duration.
func (c CatalogConfig) FetchDelay() time.Duration {
	return time.Duration(c.FetchDelayMs) * time.Millisecond
}

// LoggingConfig selects output format.
type LoggingConfig struct {
	JSON bool `mapstructure:"json"`
}

// SetDefaults installs the default values on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "qafila.db")
	v.SetDefault("server.addr", "127.0.0.1:8947")
	v.SetDefault("sync.workers", 2)
	v.SetDefault("sync.poll_interval_seconds", 2)
	v.SetDefault("sync.tick_interval_seconds", 1)
	v.SetDefault("sync.cleanup_after_days", 30)
	v.SetDefault("upstream.base_url", "https://api.quran.foundation")
	v.SetDefault("upstream.call_timeout_seconds", 30)
	v.SetDefault("catalog.locations", []string{})
	v.SetDefault("catalog.methods", []string{"mwl"})
	v.SetDefault("catalog.schools", []string{"shafi"})
	v.SetDefault("catalog.days", 30)
	v.SetDefault("catalog.fetch_delay_ms", 100)
	v.SetDefault("logging.json", false)
}

// Load reads configuration from an optional file path plus environment
// overrides. An empty path uses defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QAFILA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	return LoadWithViper(v)
}

// LoadWithViper unmarshals configuration from a prepared viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}
