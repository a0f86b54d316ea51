package main

import (
	"fmt"
	"strings"

	"github.com/MarkoPoloResearchLab/ridebook/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	envPrefix = "RIDEBOOK"

	flagConfig      = "config"
	flagDatabaseURL = "database-url"
	flagLogFormat   = "log-format"
	flagListenAddr  = "listen-addr"
	flagFile        = "file"

	configKeyFile        = "config"
	configKeyDatabaseURL = "database_url"
	configKeyLogFormat   = "log_format"
	configKeyListenAddr  = "listen_addr"
)

var flagKeys = map[string]string{
	configKeyFile:        flagConfig,
	configKeyDatabaseURL: flagDatabaseURL,
	configKeyLogFormat:   flagLogFormat,
	configKeyListenAddr:  flagListenAddr,
}

func setDefaults(settings *viper.Viper, defaults config.Config) {
	settings.SetDefault("database_url", defaults.DatabaseURL)
	settings.SetDefault("listen_addr", defaults.ListenAddr)
	settings.SetDefault("timezone", defaults.Timezone)
	settings.SetDefault("cancel_cutoff", defaults.CancelCutoff)
	settings.SetDefault("archive_grace", defaults.ArchiveGrace)
	settings.SetDefault("archive_interval", defaults.ArchiveInterval)
	settings.SetDefault("expire_at", defaults.ExpireAt)
	settings.SetDefault("sweep_batch_limit", defaults.SweepBatchLimit)
	settings.SetDefault("redis_url", defaults.RedisURL)
	settings.SetDefault("amqp_url", defaults.AMQPURL)
	settings.SetDefault("amqp_exchange", defaults.AMQPExchange)
	settings.SetDefault("notify_workers", defaults.NotifyWorkers)
	settings.SetDefault("notify_queue_size", defaults.NotifyQueueSize)
	settings.SetDefault("notify_rate", defaults.NotifyRate)
	settings.SetDefault("notify_attempts", defaults.NotifyAttempts)
	settings.SetDefault("otlp_endpoint", defaults.OTLPEndpoint)
	settings.SetDefault("log_format", defaults.LogFormat)
	settings.SetDefault("catalog_cache_ttl", defaults.CatalogCacheTTL)
	settings.SetDefault("request_rate", defaults.RequestRate)
	settings.SetDefault("cors_origins", defaults.CORSOrigins)
}

// loadConfig merges flags, RIDEBOOK_* environment variables, an optional config file and the
// defaults, in that order of precedence.
func loadConfig(cmd *cobra.Command, settings *viper.Viper) (config.Config, error) {
	settings.SetEnvPrefix(envPrefix)
	settings.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	settings.AutomaticEnv()
	if err := settings.BindEnv(configKeyDatabaseURL, envPrefix+"_DATABASE_URL", "DATABASE_URL"); err != nil {
		return config.Config{}, err
	}
	if err := settings.BindEnv(configKeyFile); err != nil {
		return config.Config{}, err
	}
	setDefaults(settings, config.Default())

	for key, flagName := range flagKeys {
		flag := cmd.Flags().Lookup(flagName)
		if flag == nil {
			continue
		}
		if err := settings.BindPFlag(key, flag); err != nil {
			return config.Config{}, err
		}
	}

	if path := settings.GetString(configKeyFile); path != "" {
		settings.SetConfigFile(path)
		if err := settings.ReadInConfig(); err != nil {
			return config.Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg config.Config
	if err := settings.Unmarshal(&cfg); err != nil {
		return config.Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.CORSOrigins = config.ParseOrigins(strings.Join(cfg.CORSOrigins, ","))
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newLogger(format string) (*zap.Logger, error) {
	var zapConfig zap.Config
	if format == config.LogFormatConsole {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("logger init: %w", err)
	}
	return logger, nil
}
