package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/t77yq/webtimer/internal/model"
	"github.com/t77yq/webtimer/internal/notify"
)

// AppConfig identifies the agent in logs and notification payloads.
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Version string `mapstructure:"version"`
}

// LogConfig controls the rotating file sink and console output.
type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Console    bool   `mapstructure:"console"`
}

// HTTPConfig holds executor-wide request settings.
type HTTPConfig struct {
	UserAgent    string `mapstructure:"user_agent"`
	MaxBodyBytes int64  `mapstructure:"max_body_bytes"`
}

// HistoryConfig locates the store and bounds retention.
type HistoryConfig struct {
	Path          string `mapstructure:"path"`
	RetentionDays int    `mapstructure:"retention_days"`
}

// SchedulerConfig tunes the due-time check loop.
type SchedulerConfig struct {
	Tick time.Duration `mapstructure:"tick"`
}

// MonitorConfig tunes host metrics sampling.
type MonitorConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// Config is the full agent configuration. The engine consumes it; the
// file is owned by whatever shell edits it.
type Config struct {
	App          AppConfig        `mapstructure:"app"`
	Log          LogConfig        `mapstructure:"log"`
	HTTP         HTTPConfig       `mapstructure:"http"`
	History      HistoryConfig    `mapstructure:"history"`
	Scheduler    SchedulerConfig  `mapstructure:"scheduler"`
	Monitor      MonitorConfig    `mapstructure:"monitor"`
	Notification notify.Config    `mapstructure:"notification"`
	Schedules    []model.Schedule `mapstructure:"schedules"`
}

// Load reads config.yaml from the given directory and unmarshals it
// over the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(path)

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "webtimer")
	v.SetDefault("app.version", "1.0")

	v.SetDefault("log.file", "logs/webtimer.log")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.max_age_days", 30)
	v.SetDefault("log.console", true)

	v.SetDefault("http.user_agent", "webtimer/1.0")
	v.SetDefault("http.max_body_bytes", 1<<20)

	v.SetDefault("history.path", "webtimer_history.db")
	v.SetDefault("history.retention_days", 30)

	v.SetDefault("scheduler.tick", "1s")
	v.SetDefault("monitor.interval", "1m")

	v.SetDefault("notification.enabled", true)
	v.SetDefault("notification.address", "localhost")
	v.SetDefault("notification.port", 12345)
	v.SetDefault("notification.delay", "1s")
	v.SetDefault("notification.notify_on_success", true)
	v.SetDefault("notification.notify_on_failure", true)
	v.SetDefault("notification.notify_on_response_change", true)
	v.SetDefault("notification.max_response_bytes", 1024)
}
