// Command engram is the Engram memory CLI. It operates on the local
// SQLite-backed store by default, or against a running engram-server when
// -remote is set; both paths drive the same memory manager contract.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/engramdb/engram/internal/cloud"
	"github.com/engramdb/engram/internal/config"
	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/pkg/types"
)

const usage = `Usage: engram [flags] <command> [args]

Commands:
  remember <content>     Store a memory
  recall <query>         Search memories
  forget <id>            Delete a memory
  reinforce <id>         Boost a memory's importance
  stats                  Show store statistics
  consolidate            Run a consolidation pass
  export                 Write all memories as JSON to stdout
  import <file>          Merge an exported JSON snapshot

Flags:
`

var (
	configPath = flag.String("config", "", "Path to YAML config file (optional, uses env vars by default)")
	remote     = flag.String("remote", "", "Remote engram-server base URL (empty uses the local store)")
	apiKey     = flag.String("api-key", os.Getenv("ENGRAM_API_KEY"), "Bearer token for the remote server")
	memType    = flag.String("type", "fact", "Memory type for remember (fact, preference, codebase, conversation, decision, error, tool_result, summary)")
	importance = flag.Float64("importance", 0.5, "Importance for remember (0.0-1.0)")
	tags       = flag.String("tags", "", "Comma-separated tags for remember")
	limit      = flag.Int("limit", 10, "Result limit for recall")
	boost      = flag.Float64("boost", 0.1, "Importance boost for reinforce")
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	ctx := context.Background()
	manager, cleanup, err := buildManager(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize: %v", err)
	}
	defer cleanup()

	if err := run(ctx, manager, args[0], args[1:]); err != nil {
		log.Fatalf("%s failed: %v", args[0], err)
	}
}

// buildManager picks the remote client or a local SQLite-backed engine.
func buildManager(ctx context.Context) (cloud.Manager, func(), error) {
	if *remote != "" {
		client, err := cloud.NewClient(cloud.ClientConfig{BaseURL: *remote, APIKey: *apiKey})
		if err != nil {
			return nil, nil, err
		}
		return client, func() {}, nil
	}

	cfg, err := config.LoadConfigFromFile(*configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(cfg.Storage.DataPath, 0o755); err != nil {
		return nil, nil, err
	}
	persister, err := engine.NewSQLitePersister(cfg.Storage.DataPath + "/engram.db")
	if err != nil {
		return nil, nil, err
	}
	store, err := engine.NewStore(ctx, engine.StoreConfig{
		TextWeight:     cfg.Memory.TextWeight,
		SemanticWeight: cfg.Memory.SemanticWeight,
	}, persister)
	if err != nil {
		_ = persister.Close()
		return nil, nil, err
	}
	manager := engine.NewManager(store, nil, engine.ManagerConfig{
		ShortTermLimit: cfg.Memory.ShortTermLimit,
		MaxMemories:    cfg.Memory.MaxMemories,
	})
	return manager, func() { _ = persister.Close() }, nil
}

func run(ctx context.Context, manager cloud.Manager, command string, args []string) error {
	switch command {
	case "remember":
		if len(args) == 0 {
			return fmt.Errorf("remember requires content")
		}
		var tagList []string
		if *tags != "" {
			tagList = strings.Split(*tags, ",")
		}
		rec, err := manager.Remember(ctx, strings.Join(args, " "), types.MemoryType(*memType), engine.RememberOptions{
			Importance: *importance,
			Source:     "cli",
			Tags:       tagList,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Remembered %s\n", rec.ID)
		return nil

	case "recall":
		if len(args) == 0 {
			return fmt.Errorf("recall requires a query")
		}
		memories, err := manager.Recall(ctx, strings.Join(args, " "), *limit)
		if err != nil {
			return err
		}
		if len(memories) == 0 {
			fmt.Println("No memories found")
			return nil
		}
		for _, rec := range memories {
			fmt.Printf("%s  [%s, importance %.2f]\n  %s\n", rec.ID, rec.Type, rec.Importance, rec.Content)
		}
		return nil

	case "forget":
		if len(args) != 1 {
			return fmt.Errorf("forget requires exactly one id")
		}
		deleted, err := manager.Forget(ctx, args[0])
		if err != nil {
			return err
		}
		if !deleted {
			fmt.Println("Not found")
			return nil
		}
		fmt.Println("Forgotten")
		return nil

	case "reinforce":
		if len(args) != 1 {
			return fmt.Errorf("reinforce requires exactly one id")
		}
		rec, err := manager.Reinforce(ctx, args[0], *boost)
		if err != nil {
			return err
		}
		if rec == nil {
			fmt.Println("Not found")
			return nil
		}
		fmt.Printf("Importance now %.2f\n", rec.Importance)
		return nil

	case "stats":
		stats, err := manager.GetStats(ctx)
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(stats, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil

	case "consolidate":
		report, err := manager.Consolidate(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Pruned %d, summarized %d conversation records into %d summaries\n",
			report.Pruned, report.Summarized, report.Summaries)
		return nil

	case "export":
		data, err := manager.Export(ctx)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err

	case "import":
		if len(args) != 1 {
			return fmt.Errorf("import requires a file path")
		}
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		count, err := manager.Import(ctx, data)
		if err != nil {
			return err
		}
		fmt.Printf("Imported %d memories\n", count)
		return nil

	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}
