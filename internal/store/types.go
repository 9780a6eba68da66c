// Package store defines the contracts the replication and query engine expects from the
// local document store, plus the selector and sort semantics shared by every implementation.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"github.com/tidwall/gjson"

	"github.com/wcpos/query/internal/observable"
)

// ErrCollectionNotFound is returned when a named collection does not exist.
var ErrCollectionNotFound = errors.New("collection not found")

// Document is a JSON document held by a collection.
type Document []byte

// Get returns the value at the given dotted path.
func (d Document) Get(path string) gjson.Result {
	return gjson.GetBytes(d, path)
}

// Clone returns an independent copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	return bytes.Clone(d)
}

// MarshalJSON emits the document verbatim.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return d, nil
}

// UnmarshalJSON stores a copy of the raw document.
func (d *Document) UnmarshalJSON(data []byte) error {
	*d = bytes.Clone(data)
	return nil
}

// ChangeOp names the kind of mutation carried by a ChangeEvent.
type ChangeOp string

const (
	// ChangeOpUpsert is emitted after documents were inserted or replaced
	ChangeOpUpsert ChangeOp = "upsert"
	// ChangeOpRemove is emitted after documents were deleted
	ChangeOpRemove ChangeOp = "remove"
	// ChangeOpReset is emitted after the whole collection was cleared
	ChangeOpReset ChangeOp = "reset"
)

// ChangeEvent describes a committed mutation of a collection.
type ChangeEvent struct {
	Collection string
	Op         ChangeOp
	IDs        []string
}

// Schema describes how documents of a collection are keyed and how they map to the
// remote source.
type Schema struct {
	// PrimaryKey is the local primary key field
	PrimaryKey string
	// RemoteIDField holds the remote source's identifier
	RemoteIDField string
	// ModifiedField holds the remote modification timestamp
	ModifiedField string
	// References maps a document field to the collection its values point at
	References map[string]string
}

// Collection is the capability surface of one local collection.
type Collection interface {
	// Name returns the collection name
	Name() string

	// Schema returns the keying information for the collection
	Schema() Schema

	// Find returns the documents matching sel in storage order
	Find(ctx context.Context, sel Selector) ([]Document, error)

	// FindByIDs returns the documents with the given primary keys, skipping missing ones
	FindByIDs(ctx context.Context, ids []string) ([]Document, error)

	// Watch registers fn to be called after every committed mutation
	Watch(fn func(ChangeEvent)) observable.Subscription

	// BulkUpsert inserts or replaces documents by primary key
	BulkUpsert(ctx context.Context, docs []Document) error

	// BulkRemove deletes documents by primary key
	BulkRemove(ctx context.Context, ids []string) error

	// ParseRestResponse converts a remote record into the local document shape
	ParseRestResponse(raw json.RawMessage) (Document, error)

	// UpsertRefs resolves foreign references carried by doc, rewriting it in place
	UpsertRefs(ctx context.Context, doc *Document) error

	// OnRemove registers fn to be called when the collection is reset
	OnRemove(fn func()) observable.Subscription
}

// Database groups named collections.
type Database interface {
	// Name identifies the database
	Name() string

	// Collection looks up a collection by name
	Collection(name string) (Collection, error)

	// Collections lists all collections
	Collections() []Collection
}

// Record pairs a primary key with its document for persistence back-ends.
type Record struct {
	ID       string
	Document Document
}

// Persister stores collection contents durably.
type Persister interface {
	// Load returns every stored record of a collection
	Load(ctx context.Context, collection string) ([]Record, error)

	// Save writes records, replacing existing ones with the same ID
	Save(ctx context.Context, collection string, records []Record) error

	// Delete removes records by ID
	Delete(ctx context.Context, collection string, ids []string) error

	// Drop removes every record of a collection
	Drop(ctx context.Context, collection string) error
}

// Live runs sel against coll now and after every mutation, passing each result to fn.
// The returned subscription stops further evaluations.
func Live(ctx context.Context, coll Collection, sel Selector, fn func([]Document, error)) observable.Subscription {
	run := func() {
		docs, err := coll.Find(ctx, sel)
		fn(docs, err)
	}
	sub := coll.Watch(func(ChangeEvent) { run() })
	run()
	return sub
}
