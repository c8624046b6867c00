// Command engram-server runs the Engram memory service: the memory engine
// behind the HTTP API, with background importance decay.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/internal/server"
)

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	host       = flag.String("host", "127.0.0.1", "Bind address")
	port       = flag.Int("port", 8787, "Listen port")
	apiKey     = flag.String("api-key", os.Getenv("ENGRAM_API_KEY"), "Bearer token required on API routes (empty disables auth)")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider := buildProvider(cfg)

	var persister engine.Persister
	if cfg.Storage.Engine == "sqlite" {
		if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		persister, err = engine.NewSQLitePersister(cfg.Storage.DataPath + "/engram.db")
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer func() { _ = persister.Close() }()
	}

	store, err := engine.NewStore(ctx, engine.StoreConfig{
		TextWeight:     cfg.Memory.TextWeight,
		SemanticWeight: cfg.Memory.SemanticWeight,
	}, persister)
	if err != nil {
		log.Fatalf("Failed to load memory store: %v", err)
	}

	manager := engine.NewManager(store, provider, engine.ManagerConfig{
		ShortTermLimit: cfg.Memory.ShortTermLimit,
		MaxMemories:    cfg.Memory.MaxMemories,
	})

	decay := engine.NewDecayManager(store, engine.DecayConfig{
		Rate:     cfg.Memory.DecayRate,
		Interval: cfg.Memory.DecayInterval,
	})
	go decay.Run(ctx)

	srv := server.New(manager, server.Config{
		Host:   *host,
		Port:   *port,
		APIKey: *apiKey,
	})
	addr, err := srv.Start(ctx)
	if err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("engram-server listening on %s (storage=%s, embeddings=%s)",
		addr, cfg.Storage.Engine, cfg.Embedding.Provider)

	<-ctx.Done()
	log.Println("Shutting down")
}

// buildProvider assembles the embedding provider with the shared cache in
// front of it. A nil return means text-only operation.
func buildProvider(cfg *config.Config) embedding.Provider {
	var upstream embedding.Provider
	switch cfg.Embedding.Provider {
	case "ollama":
		upstream = embedding.NewOllamaProvider(embedding.OllamaConfig{
			BaseURL:           cfg.Embedding.OllamaURL,
			Model:             cfg.Embedding.Model,
			Dimension:         cfg.Embedding.Dimension,
			RequestsPerSecond: cfg.Embedding.RequestsPerSecond,
		})
	case "mock":
		upstream = embedding.NewMock(cfg.Embedding.Dimension)
	default:
		return nil
	}

	cached, err := embedding.NewCache(upstream, embedding.CacheConfig{
		MaxEntries:    int64(cfg.Embedding.CacheEntries),
		NormalizeText: true,
	})
	if err != nil {
		log.Printf("Embedding cache unavailable, using provider directly: %v", err)
		return upstream
	}
	return cached
}
