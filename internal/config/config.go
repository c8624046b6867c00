// Package config provides configuration management for Engram.
// It loads settings from an optional YAML file and environment variables with
// the ENGRAM_ prefix, with sensible defaults for every option. Environment
// variables take precedence over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration settings for the Engram memory engine.
type Config struct {
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Lessons   LessonsConfig   `yaml:"lessons"`
}

// StorageConfig contains record and vector storage configuration.
type StorageConfig struct {
	Engine      string `yaml:"engine"`       // Storage engine: sqlite, postgres, memory (default: sqlite)
	DataPath    string `yaml:"data_path"`    // Path to data directory (default: ./data)
	PostgresDSN string `yaml:"postgres_dsn"` // PostgreSQL connection string (postgres engine only)
	MaxEntries  int    `yaml:"max_entries"`  // Vector store capacity; 0 disables eviction
	EnableANN   bool   `yaml:"enable_ann"`   // Attempt the SQLite ANN extension (default: false)
	TolerateANN bool   `yaml:"tolerate_ann"` // Degrade to brute-force on ANN failure (default: false)
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider          string  `yaml:"provider"`            // Embedding provider: ollama, mock, none (default: none)
	OllamaURL         string  `yaml:"ollama_url"`          // Ollama API URL (default: http://localhost:11434)
	Model             string  `yaml:"model"`               // Embedding model name (default: nomic-embed-text)
	Dimension         int     `yaml:"dimension"`           // Embedding dimension (default: 768)
	CacheEntries      int     `yaml:"cache_entries"`       // Embedding cache capacity (default: 4096)
	RequestsPerSecond float64 `yaml:"requests_per_second"` // Upstream rate limit; 0 disables
}

// MemoryConfig contains the tunables of the memory engine itself.
type MemoryConfig struct {
	ShortTermLimit     int           `yaml:"short_term_limit"`    // Context buffer token budget (default: 4096)
	MaxMemories        int           `yaml:"max_memories"`        // Consolidation trigger (default: 1000)
	DecayRate          float64       `yaml:"decay_rate"`          // Per-day importance decay (default: 0.01)
	DecayInterval      time.Duration `yaml:"decay_interval"`      // Decay loop cadence (default: 1h)
	ConsolidateEvery   time.Duration `yaml:"consolidate_every"`   // Working-tier consolidation cadence (default: 5m)
	PromotionThreshold float64       `yaml:"promotion_threshold"` // Working-tier promotion bar (default: 0.7)
	TextWeight         float64       `yaml:"text_weight"`         // Hybrid query text weight (default: 0.4)
	SemanticWeight     float64       `yaml:"semantic_weight"`     // Hybrid query semantic weight (default: 0.6)
	HardThreshold      float64       `yaml:"hard_threshold"`      // Lesson hard-policy confidence bar (default: 0.85)
	WorkingLimit       int           `yaml:"working_limit"`       // Working-tier capacity (default: 100)
	WorkingStrategy    string        `yaml:"working_strategy"`    // Working-tier eviction: lru, fifo (default: lru)
}

// LessonsConfig contains lesson store configuration.
type LessonsConfig struct {
	Path string `yaml:"path"` // Lesson JSON file path (default: <data_path>/lessons.json)
}

// LoadConfig loads configuration from environment variables with defaults.
// All environment variables use the ENGRAM_ prefix. When ENGRAM_CONFIG_FILE
// is set, that YAML file is loaded first and the environment overrides it.
func LoadConfig() (*Config, error) {
	return LoadConfigFromFile(os.Getenv("ENGRAM_CONFIG_FILE"))
}

// LoadConfigFromFile loads the YAML file (when path is non-empty), then
// applies environment overrides and defaults. A missing file is an error;
// pass an empty path to skip file loading.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides file values with ENGRAM_-prefixed environment variables.
func applyEnv(cfg *Config) {
	cfg.Storage.Engine = getEnv("ENGRAM_STORAGE_ENGINE", cfg.Storage.Engine)
	cfg.Storage.DataPath = getEnv("ENGRAM_DATA_PATH", cfg.Storage.DataPath)
	cfg.Storage.PostgresDSN = getEnv("ENGRAM_POSTGRES_DSN", cfg.Storage.PostgresDSN)
	cfg.Storage.MaxEntries = getEnvInt("ENGRAM_MAX_ENTRIES", cfg.Storage.MaxEntries)
	cfg.Storage.EnableANN = getEnvBool("ENGRAM_ENABLE_ANN", cfg.Storage.EnableANN)
	cfg.Storage.TolerateANN = getEnvBool("ENGRAM_TOLERATE_ANN", cfg.Storage.TolerateANN)

	cfg.Embedding.Provider = getEnv("ENGRAM_EMBEDDING_PROVIDER", cfg.Embedding.Provider)
	cfg.Embedding.OllamaURL = getEnv("ENGRAM_OLLAMA_URL", cfg.Embedding.OllamaURL)
	cfg.Embedding.Model = getEnv("ENGRAM_EMBEDDING_MODEL", cfg.Embedding.Model)
	cfg.Embedding.Dimension = getEnvInt("ENGRAM_EMBEDDING_DIMENSION", cfg.Embedding.Dimension)
	cfg.Embedding.CacheEntries = getEnvInt("ENGRAM_EMBEDDING_CACHE_ENTRIES", cfg.Embedding.CacheEntries)
	cfg.Embedding.RequestsPerSecond = getEnvFloat("ENGRAM_EMBEDDING_RPS", cfg.Embedding.RequestsPerSecond)

	cfg.Memory.ShortTermLimit = getEnvInt("ENGRAM_SHORT_TERM_LIMIT", cfg.Memory.ShortTermLimit)
	cfg.Memory.MaxMemories = getEnvInt("ENGRAM_MAX_MEMORIES", cfg.Memory.MaxMemories)
	cfg.Memory.DecayRate = getEnvFloat("ENGRAM_DECAY_RATE", cfg.Memory.DecayRate)
	cfg.Memory.DecayInterval = getEnvDuration("ENGRAM_DECAY_INTERVAL", cfg.Memory.DecayInterval)
	cfg.Memory.ConsolidateEvery = getEnvDuration("ENGRAM_CONSOLIDATE_EVERY", cfg.Memory.ConsolidateEvery)
	cfg.Memory.PromotionThreshold = getEnvFloat("ENGRAM_PROMOTION_THRESHOLD", cfg.Memory.PromotionThreshold)
	cfg.Memory.TextWeight = getEnvFloat("ENGRAM_TEXT_WEIGHT", cfg.Memory.TextWeight)
	cfg.Memory.SemanticWeight = getEnvFloat("ENGRAM_SEMANTIC_WEIGHT", cfg.Memory.SemanticWeight)
	cfg.Memory.HardThreshold = getEnvFloat("ENGRAM_HARD_THRESHOLD", cfg.Memory.HardThreshold)
	cfg.Memory.WorkingLimit = getEnvInt("ENGRAM_WORKING_LIMIT", cfg.Memory.WorkingLimit)
	cfg.Memory.WorkingStrategy = getEnv("ENGRAM_WORKING_STRATEGY", cfg.Memory.WorkingStrategy)

	cfg.Lessons.Path = getEnv("ENGRAM_LESSONS_PATH", cfg.Lessons.Path)
}

// applyDefaults fills in every unset option.
func applyDefaults(cfg *Config) {
	if cfg.Storage.Engine == "" {
		cfg.Storage.Engine = "sqlite"
	}
	if cfg.Storage.DataPath == "" {
		cfg.Storage.DataPath = "./data"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "none"
	}
	if cfg.Embedding.OllamaURL == "" {
		cfg.Embedding.OllamaURL = "http://localhost:11434"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "nomic-embed-text"
	}
	if cfg.Embedding.Dimension <= 0 {
		cfg.Embedding.Dimension = 768
	}
	if cfg.Embedding.CacheEntries <= 0 {
		cfg.Embedding.CacheEntries = 4096
	}

	if cfg.Memory.ShortTermLimit <= 0 {
		cfg.Memory.ShortTermLimit = 4096
	}
	if cfg.Memory.MaxMemories <= 0 {
		cfg.Memory.MaxMemories = 1000
	}
	if cfg.Memory.DecayRate <= 0 {
		cfg.Memory.DecayRate = 0.01
	}
	if cfg.Memory.DecayInterval <= 0 {
		cfg.Memory.DecayInterval = time.Hour
	}
	if cfg.Memory.ConsolidateEvery <= 0 {
		cfg.Memory.ConsolidateEvery = 5 * time.Minute
	}
	if cfg.Memory.PromotionThreshold <= 0 {
		cfg.Memory.PromotionThreshold = 0.7
	}
	if cfg.Memory.TextWeight == 0 && cfg.Memory.SemanticWeight == 0 {
		cfg.Memory.TextWeight = 0.4
		cfg.Memory.SemanticWeight = 0.6
	}
	if cfg.Memory.HardThreshold <= 0 {
		cfg.Memory.HardThreshold = 0.85
	}
	if cfg.Memory.WorkingLimit <= 0 {
		cfg.Memory.WorkingLimit = 100
	}
	if cfg.Memory.WorkingStrategy == "" {
		cfg.Memory.WorkingStrategy = "lru"
	}

	if cfg.Lessons.Path == "" {
		cfg.Lessons.Path = cfg.Storage.DataPath + "/lessons.json"
	}
}

// validate rejects configurations that cannot be wired.
func validate(cfg *Config) error {
	switch cfg.Storage.Engine {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown storage engine %q", cfg.Storage.Engine)
	}
	if cfg.Storage.Engine == "postgres" && cfg.Storage.PostgresDSN == "" {
		return fmt.Errorf("config: postgres engine requires ENGRAM_POSTGRES_DSN")
	}
	switch cfg.Embedding.Provider {
	case "ollama", "mock", "none":
	default:
		return fmt.Errorf("config: unknown embedding provider %q", cfg.Embedding.Provider)
	}
	switch cfg.Memory.WorkingStrategy {
	case "lru", "fifo":
	default:
		return fmt.Errorf("config: unknown working-memory strategy %q", cfg.Memory.WorkingStrategy)
	}
	return nil
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. An unparseable value falls back to the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvFloat retrieves a float environment variable or returns a default
// value. An unparseable value falls back to the default.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. An unparseable value falls back to the default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration retrieves a duration environment variable ("1h30m") or
// returns a default value. An unparseable value falls back to the default.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
