package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramdb/engram/internal/config"
)

func TestLoadConfig_Defaults(t *testing.T) {
	_ = os.Unsetenv("ENGRAM_STORAGE_ENGINE")
	_ = os.Unsetenv("ENGRAM_CONFIG_FILE")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, "./data", cfg.Storage.DataPath)
	assert.Equal(t, "none", cfg.Embedding.Provider)
	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, 4096, cfg.Memory.ShortTermLimit)
	assert.Equal(t, 1000, cfg.Memory.MaxMemories)
	assert.Equal(t, 0.01, cfg.Memory.DecayRate)
	assert.Equal(t, time.Hour, cfg.Memory.DecayInterval)
	assert.Equal(t, 0.4, cfg.Memory.TextWeight)
	assert.Equal(t, 0.6, cfg.Memory.SemanticWeight)
	assert.Equal(t, "lru", cfg.Memory.WorkingStrategy)
	assert.Equal(t, "./data/lessons.json", cfg.Lessons.Path)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("ENGRAM_STORAGE_ENGINE", "memory")
	t.Setenv("ENGRAM_EMBEDDING_PROVIDER", "mock")
	t.Setenv("ENGRAM_EMBEDDING_DIMENSION", "64")
	t.Setenv("ENGRAM_DECAY_RATE", "0.05")
	t.Setenv("ENGRAM_DECAY_INTERVAL", "30m")
	t.Setenv("ENGRAM_WORKING_STRATEGY", "fifo")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Engine)
	assert.Equal(t, "mock", cfg.Embedding.Provider)
	assert.Equal(t, 64, cfg.Embedding.Dimension)
	assert.Equal(t, 0.05, cfg.Memory.DecayRate)
	assert.Equal(t, 30*time.Minute, cfg.Memory.DecayInterval)
	assert.Equal(t, "fifo", cfg.Memory.WorkingStrategy)
}

func TestLoadConfig_UnparseableEnvFallsBackToDefault(t *testing.T) {
	t.Setenv("ENGRAM_EMBEDDING_DIMENSION", "not-a-number")
	t.Setenv("ENGRAM_DECAY_INTERVAL", "soon")

	cfg, err := config.LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 768, cfg.Embedding.Dimension)
	assert.Equal(t, time.Hour, cfg.Memory.DecayInterval)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	data := []byte(`storage:
  engine: memory
  data_path: /tmp/engram
embedding:
  provider: mock
  dimension: 32
memory:
  working_limit: 10
  working_strategy: fifo
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := config.LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Storage.Engine)
	assert.Equal(t, "/tmp/engram", cfg.Storage.DataPath)
	assert.Equal(t, "mock", cfg.Embedding.Provider)
	assert.Equal(t, 32, cfg.Embedding.Dimension)
	assert.Equal(t, 10, cfg.Memory.WorkingLimit)
	assert.Equal(t, "fifo", cfg.Memory.WorkingStrategy)
	// Defaults still fill the rest.
	assert.Equal(t, 1000, cfg.Memory.MaxMemories)
	assert.Equal(t, "/tmp/engram/lessons.json", cfg.Lessons.Path)
}

func TestLoadConfigFromFile_EnvBeatsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engram.yaml")
	data := []byte(`storage:
  engine: memory
embedding:
  dimension: 32
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	t.Setenv("ENGRAM_STORAGE_ENGINE", "sqlite")
	t.Setenv("ENGRAM_EMBEDDING_DIMENSION", "128")

	cfg, err := config.LoadConfigFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Engine)
	assert.Equal(t, 128, cfg.Embedding.Dimension)
}

func TestLoadConfigFromFile_MissingFile(t *testing.T) {
	_, err := config.LoadConfigFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadConfig_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown storage engine", "ENGRAM_STORAGE_ENGINE", "etcd"},
		{"unknown embedding provider", "ENGRAM_EMBEDDING_PROVIDER", "openai"},
		{"unknown working strategy", "ENGRAM_WORKING_STRATEGY", "random"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := config.LoadConfig()
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig_PostgresRequiresDSN(t *testing.T) {
	t.Setenv("ENGRAM_STORAGE_ENGINE", "postgres")
	_ = os.Unsetenv("ENGRAM_POSTGRES_DSN")

	_, err := config.LoadConfig()
	assert.Error(t, err)

	t.Setenv("ENGRAM_POSTGRES_DSN", "postgres://localhost/engram?sslmode=disable")
	cfg, err := config.LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Storage.Engine)
}
