package domain

import "time"

// Config holds the complete sarflow configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier selects the default infrastructure set
	Tier Tier `json:"tier"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Generator  GeneratorConfig  `json:"generator"`
	Retrieval  RetrievalConfig  `json:"retrieval"`
	Pipeline   PipelineConfig   `json:"pipeline"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// GeneratorConfig selects the narrative text generator.
type GeneratorConfig struct {
	// Type is "none" (template narrative only), "ollama" or "bus"
	Type        string        `json:"type"`
	URL         string        `json:"url"`
	Model       string        `json:"model"`
	Timeout     time.Duration `json:"timeout"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"maxTokens"`
}

// RetrievalConfig controls reference-corpus retrieval.
type RetrievalConfig struct {
	CorpusDir string        `json:"corpusDir"`
	TopK      int           `json:"topK"`
	CacheTTL  time.Duration `json:"cacheTTL"`
}

// PipelineConfig controls alert processing.
type PipelineConfig struct {
	BatchWorkers int  `json:"batchWorkers"`
	AsyncWorker  bool `json:"asyncWorker"`
	// ServeGeneration answers bus generation requests with the HTTP generator
	ServeGeneration bool `json:"serveGeneration"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
// Narratives come from the deterministic templates.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 60,
		},
		Tier: TierCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./sarflow.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Generator: GeneratorConfig{
			Type:        "none",
			URL:         "http://localhost:11434/api/generate",
			Model:       "llama3.1",
			Timeout:     60 * time.Second,
			Temperature: 0.25,
			MaxTokens:   1400,
		},
		Retrieval: RetrievalConfig{
			CorpusDir: "./data/corpus",
			TopK:      4,
			CacheTTL:  10 * time.Minute,
		},
		Pipeline: PipelineConfig{
			BatchWorkers: 4,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "sarflow",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "sarflow",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Generator.Type = "ollama"
	cfg.Pipeline.AsyncWorker = true
	cfg.Pipeline.BatchWorkers = 8
	cfg.Tracing.Enabled = true
	return cfg
}
