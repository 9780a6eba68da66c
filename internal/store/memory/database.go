// Package memory provides an in-memory implementation of the store contracts with
// change notifications and an optional durable persister behind it.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/wcpos/query/internal/store"
)

// Option configures a Database.
type Option func(*Database)

// WithPersister writes every mutation through to p and hydrates collections from it.
func WithPersister(p store.Persister) Option {
	return func(db *Database) {
		db.persister = p
	}
}

// Database is a set of in-memory collections.
type Database struct {
	name      string
	persister store.Persister

	mu          sync.RWMutex
	collections map[string]*Collection
}

// NewDatabase creates an empty database.
func NewDatabase(name string, opts ...Option) *Database {
	db := &Database{
		name:        name,
		collections: make(map[string]*Collection),
	}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Name returns the database name.
func (db *Database) Name() string {
	return db.name
}

// AddCollection creates a collection, loading any persisted documents. Adding a
// collection that already exists returns the existing one.
func (db *Database) AddCollection(ctx context.Context, name string, schema store.Schema) (*Collection, error) {
	db.mu.Lock()
	defer db.mu.Unlock()

	if existing, ok := db.collections[name]; ok {
		return existing, nil
	}

	coll := newCollection(db, name, withSchemaDefaults(schema))
	if db.persister != nil {
		records, err := db.persister.Load(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to load collection %s: %w", name, err)
		}
		coll.hydrate(records)
		slog.Debug("Hydrated collection from persister",
			"collection", name,
			"document_count", len(records))
	}

	db.collections[name] = coll
	return coll, nil
}

// Collection looks up a collection by name.
func (db *Database) Collection(name string) (store.Collection, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()

	coll, ok := db.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrCollectionNotFound, name)
	}
	return coll, nil
}

// Collections lists all collections ordered by name.
func (db *Database) Collections() []store.Collection {
	db.mu.RLock()
	defer db.mu.RUnlock()

	names := make([]string, 0, len(db.collections))
	for name := range db.collections {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]store.Collection, 0, len(names))
	for _, name := range names {
		out = append(out, db.collections[name])
	}
	return out
}

// ResetCollection clears a collection and notifies its remove hooks. The collection
// stays registered and empty.
func (db *Database) ResetCollection(ctx context.Context, name string) error {
	db.mu.RLock()
	coll, ok := db.collections[name]
	db.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", store.ErrCollectionNotFound, name)
	}
	return coll.reset(ctx)
}

func withSchemaDefaults(schema store.Schema) store.Schema {
	if schema.PrimaryKey == "" {
		schema.PrimaryKey = "uuid"
	}
	if schema.RemoteIDField == "" {
		schema.RemoteIDField = "id"
	}
	if schema.ModifiedField == "" {
		schema.ModifiedField = "date_modified_gmt"
	}
	return schema
}
