// Package sqlite persists collection contents in an embedded SQLite database so a
// restarted process resumes with the documents it already replicated.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver" // registers the sqlite3 driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embeds the SQLite build

	"github.com/wcpos/query/internal/store"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	collection TEXT    NOT NULL,
	id         TEXT    NOT NULL,
	data       BLOB    NOT NULL,
	updated_at INTEGER NOT NULL,
	UNIQUE (collection, id)
);
CREATE INDEX IF NOT EXISTS idx_documents_collection ON documents (collection, seq);
`

// Persister implements store.Persister on SQLite.
type Persister struct {
	conn *sql.DB
	path string
}

var _ store.Persister = (*Persister)(nil)

// Open opens or creates the database file at path and ensures the schema exists.
//
// The caller must call Close when done.
func Open(path string) (*Persister, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(4)
	conn.SetConnMaxLifetime(5 * time.Minute)

	p := &Persister{conn: conn, path: path}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	if _, err := conn.Exec(schemaSQL); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	slog.Debug("Opened document database", "path", path)
	return p, nil
}

// Path returns the database file path.
func (p *Persister) Path() string {
	return p.path
}

// Close checkpoints the WAL and closes the connection. It is safe to call twice.
func (p *Persister) Close() error {
	if p.conn == nil {
		return nil
	}
	if _, err := p.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		slog.Warn("Failed to checkpoint WAL", "path", p.path, "error", err)
	}
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	p.conn = nil
	return nil
}

// Load returns a collection's records in first-insertion order.
func (p *Persister) Load(ctx context.Context, collection string) ([]store.Record, error) {
	rows, err := p.conn.QueryContext(ctx,
		`SELECT id, data FROM documents WHERE collection = ? ORDER BY seq`, collection)
	if err != nil {
		return nil, fmt.Errorf("failed to query documents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []store.Record
	for rows.Next() {
		var (
			id   string
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, fmt.Errorf("failed to scan document: %w", err)
		}
		out = append(out, store.Record{ID: id, Document: store.Document(data)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate documents: %w", err)
	}
	return out, nil
}

// Save upserts records in one transaction.
func (p *Persister) Save(ctx context.Context, collection string, records []store.Record) error {
	if len(records) == 0 {
		return nil
	}
	now := time.Now().Unix()
	return p.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO documents (collection, id, data, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer func() {
			_ = stmt.Close()
		}()

		for _, rec := range records {
			if _, err := stmt.ExecContext(ctx, collection, rec.ID, []byte(rec.Document), now); err != nil {
				return fmt.Errorf("failed to upsert document %s: %w", rec.ID, err)
			}
		}
		return nil
	})
}

// Delete removes records by ID in one transaction.
func (p *Persister) Delete(ctx context.Context, collection string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.withTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM documents WHERE collection = ? AND id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare delete: %w", err)
		}
		defer func() {
			_ = stmt.Close()
		}()

		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, collection, id); err != nil {
				return fmt.Errorf("failed to delete document %s: %w", id, err)
			}
		}
		return nil
	})
}

// Drop removes all records of a collection.
func (p *Persister) Drop(ctx context.Context, collection string) error {
	if _, err := p.conn.ExecContext(ctx, `DELETE FROM documents WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", collection, err)
	}
	return nil
}

func (p *Persister) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
