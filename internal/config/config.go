// Package config provides configuration management for Mnemos.
//
// Settings are resolved in three layers: built-in defaults, an optional YAML
// file, and environment variables with the MNEMOS_ prefix. Each layer
// overrides the one before it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable holding the YAML file path.
const ConfigFileEnv = "MNEMOS_CONFIG_FILE"

// Config holds all configuration settings for Mnemos.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Storage     StorageConfig     `yaml:"storage"`
	VectorStore VectorStoreConfig `yaml:"vector_store"`
	LLM         LLMConfig         `yaml:"llm"`
	Health      HealthConfig      `yaml:"health"`
	Memory      MemoryConfig      `yaml:"memory"`
	Worker      WorkerConfig      `yaml:"worker"`
	DeadLetter  DeadLetterConfig  `yaml:"dead_letter"`
	Server      ServerConfig      `yaml:"server"`
}

// LogConfig contains logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error (default: info)
	Format string `yaml:"format"` // json or console (default: json)
	Output string `yaml:"output"` // stdout or stderr (default: stderr)
}

// StorageConfig selects the relational store backing the fallback path and
// the decay schedule.
type StorageConfig struct {
	Backend     string `yaml:"backend"`      // sqlite or postgres (default: sqlite)
	SQLitePath  string `yaml:"sqlite_path"`  // default: ./data/mnemos.db
	PostgresDSN string `yaml:"postgres_dsn"` // required for postgres
}

// VectorStoreConfig selects the primary vector store.
type VectorStoreConfig struct {
	Backend     string `yaml:"backend"`      // chromem or pgvector (default: chromem)
	PostgresDSN string `yaml:"postgres_dsn"` // required for pgvector
	Collection  string `yaml:"collection"`   // default: memories
}

// LLMConfig contains classification and embedding provider configuration.
type LLMConfig struct {
	// Classifiers lists the tracked classification providers in preference
	// order: ollama, anthropic. The heuristic classifier is always the last
	// resort and needs no entry.
	Classifiers []string `yaml:"classifiers"`

	// Embedder is one of hash, ollama, openai (default: hash).
	Embedder string `yaml:"embedder"`

	Timeout             time.Duration `yaml:"timeout"`              // per-call timeout (default: 5s)
	EmbeddingDimensions int           `yaml:"embedding_dimensions"` // hash and openai (default: 256)
	EmbeddingCacheSize  int64         `yaml:"embedding_cache_size"` // 0 disables (default: 10000)

	OllamaURL            string `yaml:"ollama_url"`
	OllamaModel          string `yaml:"ollama_model"`
	OllamaEmbeddingModel string `yaml:"ollama_embedding_model"`

	OpenAIAPIKey         string `yaml:"openai_api_key"`
	OpenAIBaseURL        string `yaml:"openai_base_url"`
	OpenAIEmbeddingModel string `yaml:"openai_embedding_model"`

	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	AnthropicModel  string `yaml:"anthropic_model"`
}

// HealthConfig tunes the dependency circuit breakers.
type HealthConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // default: 5
	Cooldown         time.Duration `yaml:"cooldown"`          // default: 30s
	Window           time.Duration `yaml:"window"`            // default: 5m
	MaxErrorRate     float64       `yaml:"max_error_rate"`    // default: 0.5
}

// MemoryConfig tunes the memory engine.
type MemoryConfig struct {
	DefaultConfidence  float64       `yaml:"default_confidence"`
	MaxContentLength   int           `yaml:"max_content_length"`
	PrimaryTimeout     time.Duration `yaml:"primary_timeout"`
	RecencyBoostFactor float64       `yaml:"recency_boost_factor"`
	DefaultThreshold   float64       `yaml:"default_threshold"`
	BatchSize          int           `yaml:"batch_size"`
	BatchDelay         time.Duration `yaml:"batch_delay"`

	// BatchRateLimit caps batch item starts per second. 0 disables.
	BatchRateLimit float64 `yaml:"batch_rate_limit"`

	DecayAmount        float64       `yaml:"decay_amount"`
	DecayInterval      time.Duration `yaml:"decay_interval"`
	ReinforceIncrement float64       `yaml:"reinforce_increment"`
}

// WorkerConfig configures the background reconciler and decay worker.
type WorkerConfig struct {
	ReconcileEnabled   bool          `yaml:"reconcile_enabled"`    // default: true
	DecayEnabled       bool          `yaml:"decay_enabled"`        // default: true
	ReconcileInterval  time.Duration `yaml:"reconcile_interval"`   // default: 1m
	ReconcileBatchSize int           `yaml:"reconcile_batch_size"` // default: 50
	DecayPollInterval  time.Duration `yaml:"decay_poll_interval"`  // default: 10m
	DecayBatchSize     int           `yaml:"decay_batch_size"`     // default: 100
}

// DeadLetterConfig configures the Redis dead-letter queue. An empty URL
// disables it.
type DeadLetterConfig struct {
	RedisURL string `yaml:"redis_url"`
	Key      string `yaml:"key"`
}

// ServerConfig contains the worker's health endpoint configuration.
type ServerConfig struct {
	Host string `yaml:"host"` // default: 127.0.0.1
	Port int    `yaml:"port"` // default: 6464
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "json", Output: "stderr"},
		Storage: StorageConfig{
			Backend:    "sqlite",
			SQLitePath: "./data/mnemos.db",
		},
		VectorStore: VectorStoreConfig{
			Backend:    "chromem",
			Collection: "memories",
		},
		LLM: LLMConfig{
			Embedder:             "hash",
			Timeout:              5 * time.Second,
			EmbeddingDimensions:  256,
			EmbeddingCacheSize:   10000,
			OllamaURL:            "http://localhost:11434",
			OllamaModel:          "phi3:mini",
			OllamaEmbeddingModel: "nomic-embed-text",
			OpenAIEmbeddingModel: "text-embedding-3-small",
			AnthropicModel:       "claude-3-5-haiku-latest",
		},
		Health: HealthConfig{
			FailureThreshold: 5,
			Cooldown:         30 * time.Second,
			Window:           5 * time.Minute,
			MaxErrorRate:     0.5,
		},
		Memory: MemoryConfig{
			DefaultConfidence:  0.5,
			MaxContentLength:   8000,
			PrimaryTimeout:     5 * time.Second,
			RecencyBoostFactor: 0.1,
			DefaultThreshold:   0.3,
			BatchSize:          100,
			BatchDelay:         200 * time.Millisecond,
			DecayAmount:        0.05,
			DecayInterval:      24 * time.Hour,
			ReinforceIncrement: 0.1,
		},
		Worker: WorkerConfig{
			ReconcileEnabled:   true,
			DecayEnabled:       true,
			ReconcileInterval:  time.Minute,
			ReconcileBatchSize: 50,
			DecayPollInterval:  10 * time.Minute,
			DecayBatchSize:     100,
		},
		DeadLetter: DeadLetterConfig{Key: "mnemos:deadletter"},
		Server:     ServerConfig{Host: "127.0.0.1", Port: 6464},
	}
}

// LoadConfig resolves the configuration. path names an optional YAML file;
// when empty, MNEMOS_CONFIG_FILE is consulted. Environment variables are
// applied last and the result is validated.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Log.Level = getEnv("MNEMOS_LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("MNEMOS_LOG_FORMAT", c.Log.Format)
	c.Log.Output = getEnv("MNEMOS_LOG_OUTPUT", c.Log.Output)

	c.Storage.Backend = getEnv("MNEMOS_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.SQLitePath = getEnv("MNEMOS_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.PostgresDSN = getEnv("MNEMOS_POSTGRES_DSN", c.Storage.PostgresDSN)

	c.VectorStore.Backend = getEnv("MNEMOS_VECTOR_BACKEND", c.VectorStore.Backend)
	c.VectorStore.PostgresDSN = getEnv("MNEMOS_VECTOR_POSTGRES_DSN", c.VectorStore.PostgresDSN)
	c.VectorStore.Collection = getEnv("MNEMOS_VECTOR_COLLECTION", c.VectorStore.Collection)

	c.LLM.Classifiers = getEnvList("MNEMOS_CLASSIFIERS", c.LLM.Classifiers)
	c.LLM.Embedder = getEnv("MNEMOS_EMBEDDER", c.LLM.Embedder)
	c.LLM.Timeout = getEnvDuration("MNEMOS_LLM_TIMEOUT", c.LLM.Timeout)
	c.LLM.EmbeddingDimensions = getEnvInt("MNEMOS_EMBEDDING_DIMENSIONS", c.LLM.EmbeddingDimensions)
	c.LLM.EmbeddingCacheSize = int64(getEnvInt("MNEMOS_EMBEDDING_CACHE_SIZE", int(c.LLM.EmbeddingCacheSize)))
	c.LLM.OllamaURL = getEnv("MNEMOS_OLLAMA_URL", c.LLM.OllamaURL)
	c.LLM.OllamaModel = getEnv("MNEMOS_OLLAMA_MODEL", c.LLM.OllamaModel)
	c.LLM.OllamaEmbeddingModel = getEnv("MNEMOS_OLLAMA_EMBEDDING_MODEL", c.LLM.OllamaEmbeddingModel)
	c.LLM.OpenAIAPIKey = getEnv("MNEMOS_OPENAI_API_KEY", c.LLM.OpenAIAPIKey)
	c.LLM.OpenAIBaseURL = getEnv("MNEMOS_OPENAI_BASE_URL", c.LLM.OpenAIBaseURL)
	c.LLM.OpenAIEmbeddingModel = getEnv("MNEMOS_OPENAI_EMBEDDING_MODEL", c.LLM.OpenAIEmbeddingModel)
	c.LLM.AnthropicAPIKey = getEnv("MNEMOS_ANTHROPIC_API_KEY", c.LLM.AnthropicAPIKey)
	c.LLM.AnthropicModel = getEnv("MNEMOS_ANTHROPIC_MODEL", c.LLM.AnthropicModel)

	c.Health.FailureThreshold = getEnvInt("MNEMOS_BREAKER_FAILURE_THRESHOLD", c.Health.FailureThreshold)
	c.Health.Cooldown = getEnvDuration("MNEMOS_BREAKER_COOLDOWN", c.Health.Cooldown)
	c.Health.Window = getEnvDuration("MNEMOS_HEALTH_WINDOW", c.Health.Window)
	c.Health.MaxErrorRate = getEnvFloat("MNEMOS_HEALTH_MAX_ERROR_RATE", c.Health.MaxErrorRate)

	c.Memory.DefaultConfidence = getEnvFloat("MNEMOS_DEFAULT_CONFIDENCE", c.Memory.DefaultConfidence)
	c.Memory.MaxContentLength = getEnvInt("MNEMOS_MAX_CONTENT_LENGTH", c.Memory.MaxContentLength)
	c.Memory.PrimaryTimeout = getEnvDuration("MNEMOS_PRIMARY_TIMEOUT", c.Memory.PrimaryTimeout)
	c.Memory.RecencyBoostFactor = getEnvFloat("MNEMOS_RECENCY_BOOST_FACTOR", c.Memory.RecencyBoostFactor)
	c.Memory.DefaultThreshold = getEnvFloat("MNEMOS_SEARCH_THRESHOLD", c.Memory.DefaultThreshold)
	c.Memory.BatchSize = getEnvInt("MNEMOS_BATCH_SIZE", c.Memory.BatchSize)
	c.Memory.BatchDelay = getEnvDuration("MNEMOS_BATCH_DELAY", c.Memory.BatchDelay)
	c.Memory.BatchRateLimit = getEnvFloat("MNEMOS_BATCH_RATE_LIMIT", c.Memory.BatchRateLimit)
	c.Memory.DecayAmount = getEnvFloat("MNEMOS_DECAY_AMOUNT", c.Memory.DecayAmount)
	c.Memory.DecayInterval = getEnvDuration("MNEMOS_DECAY_INTERVAL", c.Memory.DecayInterval)
	c.Memory.ReinforceIncrement = getEnvFloat("MNEMOS_REINFORCE_INCREMENT", c.Memory.ReinforceIncrement)

	c.Worker.ReconcileEnabled = getEnvBool("MNEMOS_RECONCILE_ENABLED", c.Worker.ReconcileEnabled)
	c.Worker.DecayEnabled = getEnvBool("MNEMOS_DECAY_ENABLED", c.Worker.DecayEnabled)
	c.Worker.ReconcileInterval = getEnvDuration("MNEMOS_RECONCILE_INTERVAL", c.Worker.ReconcileInterval)
	c.Worker.ReconcileBatchSize = getEnvInt("MNEMOS_RECONCILE_BATCH_SIZE", c.Worker.ReconcileBatchSize)
	c.Worker.DecayPollInterval = getEnvDuration("MNEMOS_DECAY_POLL_INTERVAL", c.Worker.DecayPollInterval)
	c.Worker.DecayBatchSize = getEnvInt("MNEMOS_DECAY_BATCH_SIZE", c.Worker.DecayBatchSize)

	c.DeadLetter.RedisURL = getEnv("MNEMOS_DEADLETTER_REDIS_URL", c.DeadLetter.RedisURL)
	c.DeadLetter.Key = getEnv("MNEMOS_DEADLETTER_KEY", c.DeadLetter.Key)

	c.Server.Host = getEnv("MNEMOS_HOST", c.Server.Host)
	c.Server.Port = getEnvInt("MNEMOS_PORT", c.Server.Port)
}

// Validate checks the configuration for unknown choices and out-of-range
// values.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or console, got %q", c.Log.Format))
	}
	switch c.Log.Output {
	case "stdout", "stderr":
	default:
		errs = append(errs, fmt.Errorf("log.output must be stdout or stderr, got %q", c.Log.Output))
	}

	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, errors.New("storage.sqlite_path is required for the sqlite backend"))
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			errs = append(errs, errors.New("storage.postgres_dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be sqlite or postgres, got %q", c.Storage.Backend))
	}

	switch c.VectorStore.Backend {
	case "chromem":
	case "pgvector":
		if c.VectorStore.PostgresDSN == "" {
			errs = append(errs, errors.New("vector_store.postgres_dsn is required for the pgvector backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("vector_store.backend must be chromem or pgvector, got %q", c.VectorStore.Backend))
	}
	if c.VectorStore.Collection == "" {
		errs = append(errs, errors.New("vector_store.collection is required"))
	}

	for _, name := range c.LLM.Classifiers {
		switch name {
		case "ollama":
		case "anthropic":
			if c.LLM.AnthropicAPIKey == "" {
				errs = append(errs, errors.New("llm.anthropic_api_key is required for the anthropic classifier"))
			}
		default:
			errs = append(errs, fmt.Errorf("llm.classifiers: unknown provider %q", name))
		}
	}
	switch c.LLM.Embedder {
	case "hash", "ollama":
	case "openai":
		if c.LLM.OpenAIAPIKey == "" {
			errs = append(errs, errors.New("llm.openai_api_key is required for the openai embedder"))
		}
	default:
		errs = append(errs, fmt.Errorf("llm.embedder must be hash, ollama or openai, got %q", c.LLM.Embedder))
	}
	if c.LLM.Timeout <= 0 {
		errs = append(errs, errors.New("llm.timeout must be positive"))
	}
	if c.LLM.EmbeddingDimensions < 0 {
		errs = append(errs, errors.New("llm.embedding_dimensions must not be negative"))
	}

	if c.Health.FailureThreshold < 1 {
		errs = append(errs, errors.New("health.failure_threshold must be at least 1"))
	}
	if c.Health.Cooldown <= 0 || c.Health.Window <= 0 {
		errs = append(errs, errors.New("health.cooldown and health.window must be positive"))
	}
	if c.Health.MaxErrorRate < 0 || c.Health.MaxErrorRate > 1 {
		errs = append(errs, errors.New("health.max_error_rate must be in [0,1]"))
	}

	if c.Memory.BatchSize < 1 {
		errs = append(errs, errors.New("memory.batch_size must be at least 1"))
	}
	if c.Memory.BatchRateLimit < 0 {
		errs = append(errs, errors.New("memory.batch_rate_limit must not be negative"))
	}

	if c.Worker.ReconcileInterval <= 0 || c.Worker.DecayPollInterval <= 0 {
		errs = append(errs, errors.New("worker intervals must be positive"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// Addr returns the host:port the health endpoint listens on.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default value.
// If the environment variable exists but cannot be parsed as an integer,
// it returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default value.
// It recognizes "true", "1", "yes" as true and "false", "0", "no" as false (case-insensitive).
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes":
			return true
		case "false", "0", "no":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration parses values like "30s" or "5m".
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated value. An explicit "none" yields an
// empty list.
func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return defaultValue
	}
	if strings.EqualFold(value, "none") {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
