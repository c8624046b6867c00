package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"sync"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/engramdb/engram/internal/embedding"
	"github.com/engramdb/engram/internal/vector"
	"github.com/engramdb/engram/pkg/types"
)

// ANNState tracks whether the optional ANN extension is in use. The state
// transitions at most once per process: Enabled -> Degraded when a query or
// table creation fails and the store is configured to tolerate it.
type ANNState int

// ANN states.
const (
	// ANNDisabled means ANN was never requested; all searches brute-force.
	ANNDisabled ANNState = iota

	// ANNEnabled means the vec virtual table exists and serves searches.
	ANNEnabled

	// ANNDegraded means ANN failed at runtime and was permanently switched
	// off for this session; searches brute-force from here on.
	ANNDegraded
)

// identPattern is the allow-list for SQL identifiers interpolated into
// statements. Validation is a hard precondition for any string formatting.
var identPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// DistanceMetric selects how ANN distances convert to similarity scores.
type DistanceMetric string

// Distance metrics.
const (
	MetricCosine DistanceMetric = "cosine" // similarity = 1 - distance
	MetricL2     DistanceMetric = "l2"     // similarity = 1 / (1 + distance)
)

// SQLiteConfig configures the disk-backed vector store.
type SQLiteConfig struct {
	// DSN is the SQLite data source name (":memory:" or a file path).
	DSN string

	// Table is the primary table name; must match [A-Za-z0-9_]+
	// (default: vectors). The ANN shadow table is named <Table>_vec.
	Table string

	// Dimension is the fixed embedding dimension.
	Dimension int

	// MaxEntries caps stored rows; oldest created_at rows are deleted first.
	// Zero disables eviction.
	MaxEntries int

	// EnableANN attempts to create a vec0 virtual table for accelerated search.
	EnableANN bool

	// TolerateANNErrors degrades to brute-force scans instead of failing when
	// the ANN extension is unavailable or a query errors.
	TolerateANNErrors bool

	// Metric converts ANN distance to similarity (default: cosine).
	Metric DistanceMetric
}

// SQLiteStore is the durable vector store backend on an embedded SQLite
// database, with an optional ANN virtual table and brute-force fallback.
type SQLiteStore struct {
	db         *sql.DB
	table      string
	dimension  int
	maxEntries int
	metric     DistanceMetric
	tolerant   bool
	provider   embedding.Provider

	mu  sync.Mutex
	ann ANNState
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the store. provider may be nil; text
// searches then fall back to plain text scoring.
func NewSQLiteStore(cfg SQLiteConfig, provider embedding.Provider) (*SQLiteStore, error) {
	if cfg.Table == "" {
		cfg.Table = "vectors"
	}
	if !identPattern.MatchString(cfg.Table) {
		return nil, fmt.Errorf("%w: invalid table name %q", ErrInvalidInput, cfg.Table)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive", ErrInvalidInput)
	}
	if cfg.Metric == "" {
		cfg.Metric = MetricCosine
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

	// One open connection serialises writes and avoids SQLITE_BUSY under
	// concurrent load; WAL lets readers proceed alongside the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}

	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content TEXT,
			embedding BLOB,
			metadata TEXT,
			created_at INTEGER
		)`, cfg.Table)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create table %s: %w", cfg.Table, err)
	}

	s := &SQLiteStore{
		db:         db,
		table:      cfg.Table,
		dimension:  cfg.Dimension,
		maxEntries: cfg.MaxEntries,
		metric:     cfg.Metric,
		tolerant:   cfg.TolerateANNErrors,
		provider:   provider,
		ann:        ANNDisabled,
	}

	if cfg.EnableANN {
		annSchema := fmt.Sprintf(
			"CREATE VIRTUAL TABLE IF NOT EXISTS %s_vec USING vec0(embedding FLOAT[%d], id TEXT)",
			cfg.Table, cfg.Dimension)
		if _, err := db.Exec(annSchema); err != nil {
			if !cfg.TolerateANNErrors {
				_ = db.Close()
				return nil, fmt.Errorf("sqlite: create ANN table: %w", err)
			}
			log.Printf("sqlite: ANN table creation failed, degrading to brute-force search: %v", err)
			s.ann = ANNDegraded
		} else {
			s.ann = ANNEnabled
		}
	}

	return s, nil
}

// ANN returns the current ANN state.
func (s *SQLiteStore) ANN() ANNState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ann
}

// degradeANN permanently disables ANN for the remainder of the session.
func (s *SQLiteStore) degradeANN(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ann == ANNEnabled {
		log.Printf("sqlite: ANN query failed, degrading to brute-force search for this session: %v", cause)
		s.ann = ANNDegraded
	}
}

// Upsert inserts or replaces the entry, keeping any ANN shadow row in sync,
// then enforces the capacity bound.
func (s *SQLiteStore) Upsert(ctx context.Context, entry types.VectorEntry) error {
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
			return fmt.Errorf("sqlite: marshal metadata: %w", err)
		}
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, embedding, metadata, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			embedding = excluded.embedding,
			metadata = excluded.metadata`, s.table)

	blob := SerializeVector(entry.Embedding)
	if _, err := s.db.ExecContext(ctx, query, entry.ID, entry.Content, blob, nullableBytes(metadataJSON), time.Now().UnixMilli()); err != nil {
		return fmt.Errorf("sqlite: upsert entry: %w", err)
	}

	if s.ANN() == ANNEnabled {
		if err := s.upsertANN(ctx, entry.ID, blob); err != nil {
			if !s.tolerant {
				return err
			}
			s.degradeANN(err)
		}
	}

	return s.enforceCapacity(ctx)
}

func (s *SQLiteStore) upsertANN(ctx context.Context, id string, blob []byte) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s_vec WHERE id = ?", s.table), id); err != nil {
		return fmt.Errorf("sqlite: clear ANN row: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s_vec (embedding, id) VALUES (?, ?)", s.table), blob, id); err != nil {
		return fmt.Errorf("sqlite: insert ANN row: %w", err)
	}
	return nil
}

// enforceCapacity deletes the oldest-created rows (and their ANN shadow rows)
// when the table exceeds maxEntries.
func (s *SQLiteStore) enforceCapacity(ctx context.Context) error {
	if s.maxEntries <= 0 {
		return nil
	}

	count, err := s.Count(ctx)
	if err != nil {
		return err
	}
	excess := count - s.maxEntries
	if excess <= 0 {
		return nil
	}

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id FROM %s ORDER BY created_at ASC, rowid ASC LIMIT ?", s.table), excess)
	if err != nil {
		return fmt.Errorf("sqlite: select eviction candidates: %w", err)
	}
	var victims []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return fmt.Errorf("sqlite: scan eviction candidate: %w", err)
		}
		victims = append(victims, id)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: eviction candidates: %w", err)
	}

	for _, id := range victims {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id); err != nil {
			return fmt.Errorf("sqlite: evict entry: %w", err)
		}
		if s.ANN() == ANNEnabled {
			if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s_vec WHERE id = ?", s.table), id); err != nil {
				if !s.tolerant {
					return fmt.Errorf("sqlite: evict ANN row: %w", err)
				}
				s.degradeANN(err)
			}
		}
	}
	return nil
}

// Delete removes the entry and any ANN shadow row, reporting whether a row
// was removed.
func (s *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
	if err != nil {
		return false, fmt.Errorf("sqlite: delete entry: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: rows affected: %w", err)
	}

	if s.ANN() == ANNEnabled {
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s_vec WHERE id = ?", s.table), id); err != nil {
			if !s.tolerant {
				return n > 0, fmt.Errorf("sqlite: delete ANN row: %w", err)
			}
			s.degradeANN(err)
		}
	}

	return n > 0, nil
}

// Search embeds text queries when a provider is configured, then searches via
// the ANN table when enabled (falling back on failure) or a brute-force scan.
// Without a provider, text queries use plain text scoring.
func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]Result, error) {
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

	if s.ANN() == ANNEnabled {
		results, err := s.annSearch(ctx, emb, q)
		if err == nil {
			return results, nil
		}
		if !s.tolerant {
			return nil, err
		}
		s.degradeANN(err)
	}

	return s.bruteForceSearch(ctx, emb, q)
}

// annSearch queries the vec virtual table for limit*3 candidates, re-fetches
// their rows, and converts distance to similarity.
func (s *SQLiteStore) annSearch(ctx context.Context, emb []float32, q Query) ([]Result, error) {
	candidates := q.Limit * 3
	query := fmt.Sprintf(
		"SELECT id, distance FROM %s_vec WHERE embedding MATCH ? ORDER BY distance LIMIT ?", s.table)

	rows, err := s.db.QueryContext(ctx, query, SerializeVector(emb), candidates)
	if err != nil {
		return nil, fmt.Errorf("sqlite: ANN query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type hit struct {
		id       string
		distance float64
	}
	var hits []hit
	for rows.Next() {
		var h hit
		if err := rows.Scan(&h.id, &h.distance); err != nil {
			return nil, fmt.Errorf("sqlite: scan ANN hit: %w", err)
		}
		hits = append(hits, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: ANN rows: %w", err)
	}

	var results []Result
	for _, h := range hits {
		score := s.similarityFromDistance(h.distance)
		if score < q.Threshold {
			continue
		}
		entry, err := s.fetch(ctx, h.id)
		if err != nil {
			continue // row may have been evicted between queries
		}
		results = append(results, Result{Entry: entry, Score: score})
		if len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}

func (s *SQLiteStore) similarityFromDistance(distance float64) float64 {
	if s.metric == MetricL2 {
		return 1.0 / (1.0 + distance)
	}
	return 1.0 - distance
}

// bruteForceSearch scans the full table and ranks rows by cosine similarity.
func (s *SQLiteStore) bruteForceSearch(ctx context.Context, emb []float32, q Query) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, content, embedding, metadata FROM %s ORDER BY created_at ASC, rowid ASC", s.table))
	if err != nil {
		return nil, fmt.Errorf("sqlite: full scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		entry, blob, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		vec, err := DeserializeVector(blob, s.dimension)
		if err != nil {
			continue // skip rows written with a different dimension
		}
		sim, err := vector.Cosine(emb, vec)
		if err != nil {
			continue
		}
		if sim >= q.Threshold {
			results = append(results, Result{Entry: entry, Score: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan rows: %w", err)
	}

	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// textScan ranks rows by plain text scoring when no embedding is available.
func (s *SQLiteStore) textScan(ctx context.Context, q Query) ([]Result, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT id, content, embedding, metadata FROM %s ORDER BY created_at ASC, rowid ASC", s.table))
	if err != nil {
		return nil, fmt.Errorf("sqlite: full scan: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []Result
	for rows.Next() {
		entry, _, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		score := scoreText(q.Text, entry.Content)
		if score > 0 && score >= q.Threshold {
			results = append(results, Result{Entry: entry, Score: score})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: scan rows: %w", err)
	}

	sortResults(results)
	if len(results) > q.Limit {
		results = results[:q.Limit]
	}
	return results, nil
}

// fetch loads a single entry by id (without its embedding).
func (s *SQLiteStore) fetch(ctx context.Context, id string) (types.VectorEntry, error) {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT id, content, metadata FROM %s WHERE id = ?", s.table), id)

	var entry types.VectorEntry
	var metadataJSON sql.NullString
	if err := row.Scan(&entry.ID, &entry.Content, &metadataJSON); err != nil {
		if err == sql.ErrNoRows {
			return entry, ErrNotFound
		}
		return entry, fmt.Errorf("sqlite: fetch entry: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
			return entry, fmt.Errorf("sqlite: unmarshal metadata: %w", err)
		}
	}
	return entry, nil
}

// RecordAccess reads, bumps, and writes back the entry's metadata column.
// Unknown ids are a no-op. The single-connection pool makes the
// read-modify-write effectively atomic within this process.
func (s *SQLiteStore) RecordAccess(ctx context.Context, id string, at time.Time) error {
	row := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT metadata FROM %s WHERE id = ?", s.table), id)

	var metadataJSON sql.NullString
	if err := row.Scan(&metadataJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("sqlite: read metadata: %w", err)
	}

	md := types.Metadata{}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &md); err != nil {
			return fmt.Errorf("sqlite: unmarshal metadata: %w", err)
		}
	}
	bumpAccess(md, at)

	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("sqlite: marshal metadata: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE %s SET metadata = ? WHERE id = ?", s.table), string(data), id); err != nil {
		return fmt.Errorf("sqlite: write metadata: %w", err)
	}
	return nil
}

// Count returns the number of stored rows.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", s.table)).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite: count entries: %w", err)
	}
	return count, nil
}

// Close checkpoints the WAL and releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}
	return s.db.Close()
}

func scanEntry(rows *sql.Rows) (types.VectorEntry, []byte, error) {
	var entry types.VectorEntry
	var blob []byte
	var metadataJSON sql.NullString
	if err := rows.Scan(&entry.ID, &entry.Content, &blob, &metadataJSON); err != nil {
		return entry, nil, fmt.Errorf("sqlite: scan entry: %w", err)
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &entry.Metadata); err != nil {
			return entry, nil, fmt.Errorf("sqlite: unmarshal metadata: %w", err)
		}
	}
	return entry, blob, nil
}

// nullableBytes converts a byte slice to sql.NullString; empty means NULL.
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}
