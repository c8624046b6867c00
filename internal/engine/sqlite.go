package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/engramdb/engram/internal/vectorstore"
	"github.com/engramdb/engram/pkg/types"
)

// SQLitePersister mirrors memory records into an embedded SQLite database so
// the store survives restarts. It is a write-through mirror, not a query
// engine: all filtering and scoring happen in memory against the loaded set.
type SQLitePersister struct {
	db *sql.DB
}

var _ Persister = (*SQLitePersister)(nil)

// NewSQLitePersister opens (or creates) the record database.
func NewSQLitePersister(dsn string) (*SQLitePersister, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}

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

	schema := `
		CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding BLOB,
			importance REAL NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL,
			access_count INTEGER NOT NULL DEFAULT 0,
			source TEXT,
			tags TEXT,
			session_id TEXT,
			metadata TEXT
		)`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: create memories table: %w", err)
	}

	return &SQLitePersister{db: db}, nil
}

// LoadAll returns every persisted record in creation order.
func (p *SQLitePersister) LoadAll(ctx context.Context) ([]*types.MemoryRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, content, embedding, importance, created_at,
		       last_accessed_at, access_count, source, tags, session_id, metadata
		FROM memories ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []*types.MemoryRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: load rows: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (*types.MemoryRecord, error) {
	var rec types.MemoryRecord
	var blob []byte
	var createdAt, accessedAt int64
	var source, tagsJSON, sessionID, metadataJSON sql.NullString

	if err := rows.Scan(&rec.ID, &rec.Type, &rec.Content, &blob, &rec.Importance,
		&createdAt, &accessedAt, &rec.AccessCount,
		&source, &tagsJSON, &sessionID, &metadataJSON); err != nil {
		return nil, fmt.Errorf("sqlite: scan record: %w", err)
	}

	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.LastAccessedAt = time.UnixMilli(accessedAt)
	rec.Source = source.String
	rec.SessionID = sessionID.String

	if len(blob) > 0 && len(blob)%4 == 0 {
		vec, err := vectorstore.DeserializeVector(blob, len(blob)/4)
		if err == nil {
			rec.Embedding = vec
		} else {
			log.Printf("sqlite: record %s has a corrupt embedding, dropping it: %v", rec.ID, err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal tags for %s: %w", rec.ID, err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal metadata for %s: %w", rec.ID, err)
		}
	}
	return &rec, nil
}

// Save inserts or replaces the record.
func (p *SQLitePersister) Save(ctx context.Context, rec *types.MemoryRecord) error {
	var tagsJSON, metadataJSON []byte
	var err error
	if len(rec.Tags) > 0 {
		if tagsJSON, err = json.Marshal(rec.Tags); err != nil {
			return fmt.Errorf("sqlite: marshal tags: %w", err)
		}
	}
	if rec.Metadata != nil {
		if metadataJSON, err = json.Marshal(rec.Metadata); err != nil {
			return fmt.Errorf("sqlite: marshal metadata: %w", err)
		}
	}

	var blob []byte
	if len(rec.Embedding) > 0 {
		blob = vectorstore.SerializeVector(rec.Embedding)
	}

	_, err = p.db.ExecContext(ctx, `
		INSERT INTO memories (id, type, content, embedding, importance, created_at,
		                      last_accessed_at, access_count, source, tags, session_id, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			content = excluded.content,
			embedding = excluded.embedding,
			importance = excluded.importance,
			last_accessed_at = excluded.last_accessed_at,
			access_count = excluded.access_count,
			source = excluded.source,
			tags = excluded.tags,
			session_id = excluded.session_id,
			metadata = excluded.metadata`,
		rec.ID, string(rec.Type), rec.Content, blob, rec.Importance,
		rec.CreatedAt.UnixMilli(), rec.LastAccessedAt.UnixMilli(), rec.AccessCount,
		nullString(rec.Source), nullString(string(tagsJSON)),
		nullString(rec.SessionID), nullString(string(metadataJSON)))
	if err != nil {
		return fmt.Errorf("sqlite: save record: %w", err)
	}
	return nil
}

// Delete removes the record; unknown ids are a no-op.
func (p *SQLitePersister) Delete(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id); err != nil {
		return fmt.Errorf("sqlite: delete record: %w", err)
	}
	return nil
}

// Close checkpoints the WAL and releases the database handle.
func (p *SQLitePersister) Close() error {
	if p.db == nil {
		return nil
	}
	if _, err := p.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}
	return p.db.Close()
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
