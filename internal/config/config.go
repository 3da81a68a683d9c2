// Package config loads sarflow configuration from an optional file and
// SARFLOW_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/opensource-finance/sarflow/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// SARFLOW_SERVER_PORT or SARFLOW_REPOSITORY_SQLITEPATH.
const EnvPrefix = "SARFLOW"

// ErrInvalidConfig is returned when a loaded value is out of range.
var ErrInvalidConfig = errors.New("invalid configuration")

// Load reads configuration. Defaults come from the tier preset selected by
// "tier" (community unless set to pro); the file at path, when given,
// overrides them and the environment overrides both.
func Load(path string) (*domain.Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("tier", string(domain.TierCommunity))

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := domain.DefaultConfig()
	if domain.Tier(strings.ToLower(v.GetString("tier"))) == domain.TierPro {
		cfg = domain.ProConfig()
	}
	setDefaults(v, cfg)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Tier = domain.Tier(strings.ToLower(string(cfg.Tier)))

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper, cfg *domain.Config) {
	defaults := map[string]any{
		"server.host":         cfg.Server.Host,
		"server.port":         cfg.Server.Port,
		"server.readtimeout":  cfg.Server.ReadTimeout,
		"server.writetimeout": cfg.Server.WriteTimeout,

		"repository.driver":           cfg.Repository.Driver,
		"repository.sqlitepath":       cfg.Repository.SQLitePath,
		"repository.postgreshost":     cfg.Repository.PostgresHost,
		"repository.postgresport":     cfg.Repository.PostgresPort,
		"repository.postgresuser":     cfg.Repository.PostgresUser,
		"repository.postgrespassword": cfg.Repository.PostgresPassword,
		"repository.postgresdb":       cfg.Repository.PostgresDB,
		"repository.postgressslmode":  cfg.Repository.PostgresSSLMode,
		"repository.maxopenconns":     cfg.Repository.MaxOpenConns,
		"repository.maxidleconns":     cfg.Repository.MaxIdleConns,
		"repository.connmaxlifetime":  cfg.Repository.ConnMaxLifetime,

		"cache.type":           cfg.Cache.Type,
		"cache.localmaxsize":   cfg.Cache.LocalMaxSize,
		"cache.localttl":       cfg.Cache.LocalTTL,
		"cache.redisaddr":      cfg.Cache.RedisAddr,
		"cache.redispassword":  cfg.Cache.RedisPassword,
		"cache.redisdb":        cfg.Cache.RedisDB,
		"cache.enabletwophase": cfg.Cache.EnableTwoPhase,

		"eventbus.type":              cfg.EventBus.Type,
		"eventbus.channelbuffersize": cfg.EventBus.ChannelBufferSize,
		"eventbus.natsurl":           cfg.EventBus.NATSUrl,
		"eventbus.natstoken":         cfg.EventBus.NATSToken,
		"eventbus.natsmaxreconnects": cfg.EventBus.NATSMaxReconnects,
		"eventbus.natsreconnectwait": cfg.EventBus.NATSReconnectWait,

		"generator.type":        cfg.Generator.Type,
		"generator.url":         cfg.Generator.URL,
		"generator.model":       cfg.Generator.Model,
		"generator.timeout":     cfg.Generator.Timeout,
		"generator.temperature": cfg.Generator.Temperature,
		"generator.maxtokens":   cfg.Generator.MaxTokens,

		"retrieval.corpusdir": cfg.Retrieval.CorpusDir,
		"retrieval.topk":      cfg.Retrieval.TopK,
		"retrieval.cachettl":  cfg.Retrieval.CacheTTL,

		"pipeline.batchworkers":    cfg.Pipeline.BatchWorkers,
		"pipeline.asyncworker":     cfg.Pipeline.AsyncWorker,
		"pipeline.servegeneration": cfg.Pipeline.ServeGeneration,

		"logging.level":  cfg.Logging.Level,
		"logging.format": cfg.Logging.Format,

		"tracing.enabled":     cfg.Tracing.Enabled,
		"tracing.servicename": cfg.Tracing.ServiceName,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Validate checks enumerated settings and numeric ranges.
func Validate(cfg *domain.Config) error {
	var problems []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(cfg.Tier == domain.TierCommunity || cfg.Tier == domain.TierPro, "tier %q", cfg.Tier)
	check(cfg.Server.Port > 0 && cfg.Server.Port <= 65535, "server.port %d", cfg.Server.Port)
	check(oneOf(cfg.Repository.Driver, "sqlite", "postgres"), "repository.driver %q", cfg.Repository.Driver)
	check(oneOf(cfg.Cache.Type, "memory", "redis"), "cache.type %q", cfg.Cache.Type)
	check(oneOf(cfg.EventBus.Type, "channel", "nats"), "eventBus.type %q", cfg.EventBus.Type)
	check(oneOf(cfg.Generator.Type, "none", "ollama", "bus"), "generator.type %q", cfg.Generator.Type)
	check(cfg.Generator.Timeout > 0, "generator.timeout %s", cfg.Generator.Timeout)
	check(cfg.Retrieval.TopK >= 0, "retrieval.topK %d", cfg.Retrieval.TopK)
	check(cfg.Pipeline.BatchWorkers > 0, "pipeline.batchWorkers %d", cfg.Pipeline.BatchWorkers)
	check(oneOf(cfg.Logging.Format, "json", "text"), "logging.format %q", cfg.Logging.Format)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, ", "))
	}
	return nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}
