package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/vector"
	"github.com/engramdb/engram/pkg/types"
)

// PostgresConfig configures the pgvector-backed store.
type PostgresConfig struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Table is the table name; must match [A-Za-z0-9_]+ (default: vectors).
	Table string

	// Dimension is the fixed embedding dimension.
	Dimension int

	// MaxEntries caps stored rows; oldest created_at rows are deleted first.
	// Zero disables eviction.
	MaxEntries int
}

// PostgresStore is a vector store backend on PostgreSQL with the pgvector
// extension. It implements the same contract as the embedded backends and is
// intended for deployments whose datasets outgrow SQLite brute-force scans.
type PostgresStore struct {
	db         *sql.DB
	table      string
	dimension  int
	maxEntries int
	provider   embedding.Provider
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore opens the store and ensures the pgvector extension, table,
// and index exist. provider may be nil.
func NewPostgresStore(cfg PostgresConfig, provider embedding.Provider) (*PostgresStore, error) {
	if cfg.Table == "" {
		cfg.Table = "vectors"
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidInput, cfg.Table)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidInput)
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres: open database: %w", err)
	}

	if _, err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: pgvector extension unavailable: %w", err)
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT,
			embedding vector(%d),
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, cfg.Table, cfg.Dimension)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: create table %s: %w", cfg.Table, err)
	}

	return &PostgresStore{
		db:         db,
		table:      cfg.Table,
		dimension:  cfg.Dimension,
		maxEntries: cfg.MaxEntries,
		provider:   provider,
	}, nil
}

// Upsert inserts or replaces the entry, then enforces the capacity bound.
func (s *PostgresStore) Upsert(ctx context.Context, entry types.VectorEntry) error {
	if entry.ID == "" {
		return fmt.Errorf("%w: entry id is required", ErrInvalidInput)
	}
	if len(entry.Embedding) != s.dimension {
		return fmt.Errorf("%w: store dimension %d, entry %d", vector.ErrDimensionMismatch, s.dimension, len(entry.Embedding))
	}

	var metadataJSON []byte
	if entry.Metadata != nil {
		var err error
		metadataJSON, err = json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("postgres: marshal metadata: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, embedding, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			metadata = EXCLUDED.metadata`, s.table)

	vec := pgvector.NewVector(entry.Embedding)
	if _, err := s.db.ExecContext(ctx, query, entry.ID, entry.Content, vec, nullableBytes(metadataJSON)); err != nil {
		return fmt.Errorf("postgres: upsert entry: %w", err)
	}

	return s.enforceCapacity(ctx)
}

func (s *PostgresStore) enforceCapacity(ctx context.Context) error {
	if s.maxEntries <= 0 {
		return nil
	}
	// Keep the newest maxEntries rows: skip them, delete the remainder.
	query := fmt.Sprintf(`
		DELETE FROM %s WHERE id IN (
			SELECT id FROM %s ORDER BY created_at DESC
			OFFSET $1
		)`, s.table, s.table)
	if _, err := s.db.ExecContext(ctx, query, s.maxEntries); err != nil {
		return fmt.Errorf("postgres: enforce capacity: %w", err)
	}
	return nil
}

// Delete removes the entry, reporting whether a row was removed.
func (s *PostgresStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.table), id)
	if err != nil {
		return false, fmt.Errorf("postgres: delete entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: rows affected: %w", err)
	}
	return n > 0, nil
}

// Search ranks entries by pgvector cosine distance. Text queries are embedded
// when a provider is configured, otherwise scored with plain text matching.
func (s *PostgresStore) Search(ctx context.Context, q Query) ([]Result, error) {
	if q.Limit <= 0 {
		return []Result{}, nil
	}

	emb := q.Embedding
	if len(emb) == 0 && q.Text != "" && s.provider != nil {
		vec, err := s.provider.Embed(ctx, q.Text)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		emb = vec
	}

	if len(emb) == 0 {
		return s.textScan(ctx, q)
	}
	if len(emb) != s.dimension {
		return nil, fmt.Errorf("%w: store dimension %d, query %d", vector.ErrDimensionMismatch, s.dimension, len(emb))
	}

	query := fmt.Sprintf(`
		SELECT id, content, metadata, 1 - (embedding <=> $1) AS similarity
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2`, s.table)

	rows, err := s.db.QueryContext(ctx, query, pgvector.NewVector(emb), q.Limit*3)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var entry types.VectorEntry
		var metadataJSON sql.NullString
		var score float64
		if err := rows.Scan(&entry.ID, &entry.Content, &metadataJSON, &score); err != nil {
			return nil, fmt.Errorf("postgres: scan hit: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
			}
		}
		if score < q.Threshold {
			continue
		}
		results = append(results, Result{Entry: entry, Score: score})
		if len(results) >= q.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: search rows: %w", err)
	}
	return results, nil
}

func (s *PostgresStore) textScan(ctx context.Context, q Query) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, content, metadata FROM %s ORDER BY created_at ASC", s.table))
	if err != nil {
		return nil, fmt.Errorf("postgres: full scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		var entry types.VectorEntry
		var metadataJSON sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Content, &metadataJSON); err != nil {
			return nil, fmt.Errorf("postgres: scan entry: %w", err)
		}
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal metadata: %w", err)
			}
		}
		score := scoreText(q.Text, entry.Content)
		if score > 0 && score >= q.Threshold {
			results = append(results, Result{Entry: entry, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan rows: %w", err)
	}

	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// RecordAccess reads, bumps, and writes back the entry's metadata column.
// Unknown ids are a no-op.
func (s *PostgresStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT metadata FROM %s WHERE id = $1", s.table), id)

	var metadataJSON sql.NullString
	if err := row.Scan(&metadataJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("postgres: read metadata: %w", err)
	}

	md := types.Metadata{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &md); err != nil {
			return fmt.Errorf("postgres: unmarshal metadata: %w", err)
		}
	}
	bumpAccess(md, at)

	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("postgres: marshal metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET metadata = $1 WHERE id = $2", s.table), string(data), id); err != nil {
		return fmt.Errorf("postgres: write metadata: %w", err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("postgres: count entries: %w", err)
	}
	return count, nil
}

// Close releases the database handle.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
