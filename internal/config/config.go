// Package config loads daemon settings with viper: an optional TOML, YAML or
// JSON file, overridden by PROCMON_* environment variables, over defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/procmon/internal/env"
	"github.com/loykin/procmon/internal/launcher"
	"github.com/loykin/procmon/internal/logger"
	"github.com/loykin/procmon/internal/metrics"
	"github.com/loykin/procmon/internal/validator"
)

const EnvPrefix = "PROCMON"

type Config struct {
	Inventory            string        `mapstructure:"inventory"`
	MonitoringInterval   time.Duration `mapstructure:"monitoring_interval"`
	ErrorBackoff         time.Duration `mapstructure:"error_backoff"`
	CacheTTL             time.Duration `mapstructure:"cache_ttl"`
	ReloadDebounce       time.Duration `mapstructure:"reload_debounce"`
	AllowedPaths         []string      `mapstructure:"allowed_paths"`
	EnablePathValidation bool          `mapstructure:"enable_path_validation"`
	MaxConcurrentStarts  int           `mapstructure:"max_concurrent_starts"`
	RetryBase            time.Duration `mapstructure:"retry_base"`
	StopGrace            time.Duration `mapstructure:"stop_grace"`
	Window               string        `mapstructure:"window"`
	DailyRearm           bool          `mapstructure:"daily_rearm"`
	LockFile             string        `mapstructure:"lock_file"`

	Env      []string `mapstructure:"env"`
	EnvFiles []string `mapstructure:"env_files"`
	UseOSEnv bool     `mapstructure:"use_os_env"`

	Log        logger.Config       `mapstructure:"log"`
	ProcessLog logger.OutputConfig `mapstructure:"process_log"`
	History    HistoryConfig       `mapstructure:"history"`
	Metrics    MetricsConfig       `mapstructure:"metrics"`
	HTTP       HTTPConfig          `mapstructure:"http"`
	Health     HealthConfig        `mapstructure:"health"`
}

// HistoryConfig lists lifecycle event sinks as DSNs, e.g.
// "sqlite:///var/lib/procmon/events.db" or "clickhouse://host:9000/db".
type HistoryConfig struct {
	Sinks []string `mapstructure:"sinks"`
}

type MetricsConfig struct {
	Enabled bool                         `mapstructure:"enabled"`
	Process metrics.ProcessMetricsConfig `mapstructure:"process"`
}

// HTTPConfig enables the read-only status server when Listen is set.
type HTTPConfig struct {
	Listen   string `mapstructure:"listen"`
	BasePath string `mapstructure:"base_path"`
}

type HealthConfig struct {
	DiskPath  string `mapstructure:"disk_path"`
	MinFreeMB uint64 `mapstructure:"min_free_mb"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("inventory", "processlist.json")
	v.SetDefault("monitoring_interval", 10*time.Second)
	v.SetDefault("error_backoff", 30*time.Second)
	v.SetDefault("cache_ttl", 5*time.Minute)
	v.SetDefault("reload_debounce", 500*time.Millisecond)
	v.SetDefault("allowed_paths", []string{})
	v.SetDefault("enable_path_validation", true)
	v.SetDefault("max_concurrent_starts", launcher.DefaultMaxConcurrentStarts)
	v.SetDefault("retry_base", launcher.DefaultRetryBase)
	v.SetDefault("stop_grace", launcher.DefaultStopGrace)
	v.SetDefault("window", "hidden")
	v.SetDefault("daily_rearm", false)
	v.SetDefault("lock_file", "")
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("process_log.dir", "")
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.process.enabled", false)
	v.SetDefault("metrics.process.interval", 5*time.Second)
	v.SetDefault("metrics.process.max_history", 100)
	v.SetDefault("http.listen", "")
	v.SetDefault("http.base_path", "")
	v.SetDefault("health.disk_path", ".")
	v.SetDefault("health.min_free_mb", 100)
}

// Load reads settings from path (optional) and the environment.
// A relative inventory path is resolved against the settings file directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read settings %s: %w", path, err)
		}
	}

	var c Config
	hook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
	if err := v.Unmarshal(&c, viper.DecodeHook(hook)); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	if path != "" && c.Inventory != "" && !filepath.IsAbs(c.Inventory) {
		c.Inventory = filepath.Join(filepath.Dir(path), c.Inventory)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Inventory == "" {
		errs = append(errs, errors.New("inventory path is required"))
	}
	for key, d := range map[string]time.Duration{
		"monitoring_interval": c.MonitoringInterval,
		"error_backoff":       c.ErrorBackoff,
		"cache_ttl":           c.CacheTTL,
		"reload_debounce":     c.ReloadDebounce,
		"retry_base":          c.RetryBase,
		"stop_grace":          c.StopGrace,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.MaxConcurrentStarts < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_starts must be at least 1, got %d", c.MaxConcurrentStarts))
	}
	if _, err := launcher.ParseWindow(c.Window); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) WindowPreference() launcher.Window {
	w, _ := launcher.ParseWindow(c.Window)
	return w
}

func (c *Config) ValidatorOptions() validator.Options {
	return validator.Options{AllowedPaths: c.AllowedPaths, EnablePathValidation: c.EnablePathValidation}
}

// BuildEnv composes the global environment for launched processes:
// OS environment (when enabled), then env_files in order, then env entries.
func (c *Config) BuildEnv() (*env.Env, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	} else {
		e.Isolate()
	}
	if err := e.LoadFiles(c.EnvFiles...); err != nil {
		return nil, fmt.Errorf("env files: %w", err)
	}
	e.SetPairs(c.Env)
	return e, nil
}
