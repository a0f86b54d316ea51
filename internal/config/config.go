// Package config holds the runtime settings of ridebookd.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/ridebook/pkg/booking"
)

const (
	defaultDatabaseURL     = "sqlite:///tmp/ridebook.db"
	defaultListenAddr      = ":8080"
	defaultTimezone        = "America/Guayaquil"
	defaultArchiveInterval = time.Hour
	defaultExpireAt        = "00:01"
	defaultAMQPExchange    = "ridebook.events"
	defaultNotifyWorkers   = 2
	defaultNotifyQueueSize = 256
	defaultNotifyRate      = 20.0
	defaultNotifyAttempts  = 3
	defaultCatalogCacheTTL = 5 * time.Minute
	defaultRequestRate     = 50.0
	defaultAllowedOrigin   = "http://localhost:3000"

	LogFormatJSON    = "json"
	LogFormatConsole = "console"
)

// ErrInvalidConfig reports settings the daemon cannot run with.
var ErrInvalidConfig = errors.New("invalid config")

// Config aggregates runtime settings for the booking daemon.
type Config struct {
	DatabaseURL     string        `mapstructure:"database_url"`
	ListenAddr      string        `mapstructure:"listen_addr"`
	Timezone        string        `mapstructure:"timezone"`
	CancelCutoff    time.Duration `mapstructure:"cancel_cutoff"`
	ArchiveGrace    time.Duration `mapstructure:"archive_grace"`
	ArchiveInterval time.Duration `mapstructure:"archive_interval"`
	ExpireAt        string        `mapstructure:"expire_at"`
	SweepBatchLimit int           `mapstructure:"sweep_batch_limit"`
	RedisURL        string        `mapstructure:"redis_url"`
	AMQPURL         string        `mapstructure:"amqp_url"`
	AMQPExchange    string        `mapstructure:"amqp_exchange"`
	NotifyWorkers   int           `mapstructure:"notify_workers"`
	NotifyQueueSize int           `mapstructure:"notify_queue_size"`
	NotifyRate      float64       `mapstructure:"notify_rate"`
	NotifyAttempts  int           `mapstructure:"notify_attempts"`
	OTLPEndpoint    string        `mapstructure:"otlp_endpoint"`
	LogFormat       string        `mapstructure:"log_format"`
	CatalogCacheTTL time.Duration `mapstructure:"catalog_cache_ttl"`
	RequestRate     float64       `mapstructure:"request_rate"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		DatabaseURL:     defaultDatabaseURL,
		ListenAddr:      defaultListenAddr,
		Timezone:        defaultTimezone,
		CancelCutoff:    booking.DefaultCancelCutoff,
		ArchiveGrace:    booking.DefaultArchiveGrace,
		ArchiveInterval: defaultArchiveInterval,
		ExpireAt:        defaultExpireAt,
		SweepBatchLimit: booking.DefaultSweepBatchLimit,
		AMQPExchange:    defaultAMQPExchange,
		NotifyWorkers:   defaultNotifyWorkers,
		NotifyQueueSize: defaultNotifyQueueSize,
		NotifyRate:      defaultNotifyRate,
		NotifyAttempts:  defaultNotifyAttempts,
		LogFormat:       LogFormatJSON,
		CatalogCacheTTL: defaultCatalogCacheTTL,
		RequestRate:     defaultRequestRate,
		CORSOrigins:     []string{defaultAllowedOrigin},
	}
}

// Validate fills empty values with defaults and rejects settings the daemon cannot run with.
func (cfg *Config) Validate() error {
	cfg.DatabaseURL = defaultIfEmpty(cfg.DatabaseURL, defaultDatabaseURL)
	cfg.ListenAddr = defaultIfEmpty(cfg.ListenAddr, defaultListenAddr)
	cfg.Timezone = defaultIfEmpty(cfg.Timezone, defaultTimezone)
	cfg.ExpireAt = defaultIfEmpty(cfg.ExpireAt, defaultExpireAt)
	cfg.AMQPExchange = defaultIfEmpty(cfg.AMQPExchange, defaultAMQPExchange)
	cfg.LogFormat = strings.ToLower(defaultIfEmpty(cfg.LogFormat, LogFormatJSON))
	if cfg.ArchiveInterval <= 0 {
		cfg.ArchiveInterval = defaultArchiveInterval
	}
	if cfg.SweepBatchLimit <= 0 {
		cfg.SweepBatchLimit = booking.DefaultSweepBatchLimit
	}
	if cfg.NotifyWorkers <= 0 {
		cfg.NotifyWorkers = defaultNotifyWorkers
	}
	if cfg.NotifyQueueSize <= 0 {
		cfg.NotifyQueueSize = defaultNotifyQueueSize
	}
	if cfg.NotifyAttempts <= 0 {
		cfg.NotifyAttempts = defaultNotifyAttempts
	}
	if cfg.NotifyRate <= 0 {
		cfg.NotifyRate = defaultNotifyRate
	}
	if cfg.RequestRate <= 0 {
		cfg.RequestRate = defaultRequestRate
	}
	if cfg.CatalogCacheTTL < 0 {
		cfg.CatalogCacheTTL = 0
	}
	if len(cfg.CORSOrigins) == 0 {
		cfg.CORSOrigins = []string{defaultAllowedOrigin}
	}

	if cfg.CancelCutoff < 0 {
		return fmt.Errorf("%w: cancel cutoff must not be negative", ErrInvalidConfig)
	}
	if cfg.ArchiveGrace < 0 {
		return fmt.Errorf("%w: archive grace must not be negative", ErrInvalidConfig)
	}
	if cfg.LogFormat != LogFormatJSON && cfg.LogFormat != LogFormatConsole {
		return fmt.Errorf("%w: log format %q", ErrInvalidConfig, cfg.LogFormat)
	}
	if _, err := cfg.ExpireClock(); err != nil {
		return err
	}
	if _, err := cfg.Location(); err != nil {
		return err
	}
	return nil
}

// ExpireClock parses the local time of day at which credit batches are expired.
func (cfg Config) ExpireClock() (booking.ClockTime, error) {
	clock, err := booking.ParseClockTime(cfg.ExpireAt)
	if err != nil {
		return booking.ClockTime{}, fmt.Errorf("%w: expire_at: %v", ErrInvalidConfig, err)
	}
	return clock, nil
}

// Location loads the studio time zone.
func (cfg Config) Location() (*time.Location, error) {
	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrInvalidConfig, cfg.Timezone, err)
	}
	return location, nil
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}

// ParseOrigins splits comma-delimited origins into a slice.
func ParseOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return []string{}
	}
	parts := strings.Split(raw, ",")
	normalized := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			normalized = append(normalized, trimmed)
		}
	}
	return normalized
}
