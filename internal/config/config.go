// Package config loads the host configuration from viper (flags, HOSTFLOW_*
// environment variables and an optional YAML file).
package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=console json"`
	HTTPAddr  string `validate:"required"`

	Store     string `validate:"oneof=sqlite memory redis"`
	DBPath    string `validate:"required_if=Store sqlite"`
	RedisAddr string `validate:"required_if=Store redis"`

	DispatchPeriod   time.Duration `validate:"gt=0"`
	BatchSize        int           `validate:"gt=0"`
	Concurrency      int           `validate:"gt=0"`
	MaxAttempts      int           `validate:"gte=1"`
	JobTimeout       time.Duration `validate:"gte=0"`
	ScheduleInterval time.Duration `validate:"gt=0"`
	StopTimeout      time.Duration `validate:"gt=0"`

	// DemoPeriod drives the sample periodic worker; zero disables it.
	DemoPeriod time.Duration `validate:"gte=0"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "console")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("store", "sqlite")
	v.SetDefault("db_path", "hostflow.db")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("dispatch_period", 5*time.Second)
	v.SetDefault("batch_size", 1000)
	v.SetDefault("concurrency", 8)
	v.SetDefault("max_attempts", 1)
	v.SetDefault("job_timeout", 0)
	v.SetDefault("schedule_interval", 5*time.Second)
	v.SetDefault("stop_timeout", 10*time.Second)
	v.SetDefault("demo_period", 0)
}

// Load reads all values from the given viper instance and validates them.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogLevel:         v.GetString("log_level"),
		LogFormat:        v.GetString("log_format"),
		HTTPAddr:         v.GetString("http_addr"),
		Store:            v.GetString("store"),
		DBPath:           v.GetString("db_path"),
		RedisAddr:        v.GetString("redis_addr"),
		DispatchPeriod:   v.GetDuration("dispatch_period"),
		BatchSize:        v.GetInt("batch_size"),
		Concurrency:      v.GetInt("concurrency"),
		MaxAttempts:      v.GetInt("max_attempts"),
		JobTimeout:       v.GetDuration("job_timeout"),
		ScheduleInterval: v.GetDuration("schedule_interval"),
		StopTimeout:      v.GetDuration("stop_timeout"),
		DemoPeriod:       v.GetDuration("demo_period"),
	}
	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
