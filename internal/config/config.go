// Package config loads daemon configuration from defaults, an optional YAML
// file and DELAYGUARD_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/eliteGoblin/focusd/delay_guard/internal/infra"
)

// EnvPrefix prefixes environment overrides, e.g. DELAYGUARD_MONITOR_INTERVAL.
const EnvPrefix = "DELAYGUARD"

// Config is the effective daemon configuration.
type Config struct {
	DataDir  string        `yaml:"data_dir"`
	LockAddr string        `yaml:"lock_addr"`
	Log      LogConfig     `yaml:"log"`
	Timer    TimerConfig   `yaml:"timer"`
	Monitor  MonitorConfig `yaml:"monitor"`
	Detect   DetectConfig  `yaml:"detect"`
	Watch    WatchConfig   `yaml:"watch"`
	Metrics  MetricsConfig `yaml:"metrics"`
	Service  ServiceConfig `yaml:"service"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	Level      string `yaml:"level"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

type TimerConfig struct {
	Tick time.Duration `yaml:"tick"`
}

type MonitorConfig struct {
	Interval      time.Duration `yaml:"interval"`
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	SyncInterval  time.Duration `yaml:"sync_interval"`
	FlagCooldown  time.Duration `yaml:"flag_cooldown"`
	ProductName   string        `yaml:"product_name"`
}

type DetectConfig struct {
	ProxyProbeTimeout time.Duration `yaml:"proxy_probe_timeout"`
	ExtensionTTL      time.Duration `yaml:"extension_ttl"`
}

// WatchConfig controls the data-directory watcher.
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// ServiceConfig names the reboot-persistence registration. An empty name
// uses a randomized label kept in the secret store.
type ServiceConfig struct {
	Name string `yaml:"name"`
}

func setDefaults(v *viper.Viper) {
	paths := infra.DetectPaths()
	v.SetDefault("data_dir", paths.DataDir)
	v.SetDefault("lock_addr", infra.DefaultLockAddr)

	v.SetDefault("log.file", paths.LogFile)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)

	v.SetDefault("timer.tick", time.Second)

	v.SetDefault("monitor.interval", 12*time.Second)
	v.SetDefault("monitor.idle_threshold", 5*time.Minute)
	v.SetDefault("monitor.sync_interval", 60*time.Second)
	v.SetDefault("monitor.flag_cooldown", 5*time.Second)
	v.SetDefault("monitor.product_name", "DelayGuard")

	v.SetDefault("detect.proxy_probe_timeout", 500*time.Millisecond)
	v.SetDefault("detect.extension_ttl", 5*time.Minute)

	v.SetDefault("watch.enabled", true)
	v.SetDefault("watch.debounce", 2*time.Second)

	v.SetDefault("metrics.enabled", true)

	v.SetDefault("service.name", "")
}

// Load builds the configuration. filePath may be empty.
func Load(filePath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	decoderOpt := func(cfg *mapstructure.DecoderConfig) {
		cfg.ErrorUnused = true
		cfg.TagName = "yaml"
		cfg.WeaklyTypedInput = true
		cfg.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
		)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg, decoderOpt); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must be set")
	}
	for name, d := range map[string]time.Duration{
		"timer.tick":       c.Timer.Tick,
		"monitor.interval": c.Monitor.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}

// YAML renders the effective configuration.
func (c *Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
