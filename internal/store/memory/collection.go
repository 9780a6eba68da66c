package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/store"
)

// Collection is an in-memory collection keyed by the schema's primary key.
type Collection struct {
	db     *Database
	name   string
	schema store.Schema

	mu    sync.RWMutex
	docs  map[string]store.Document
	order []string

	changes *observable.Subject[store.ChangeEvent]
	removed *observable.Subject[struct{}]
}

func newCollection(db *Database, name string, schema store.Schema) *Collection {
	return &Collection{
		db:      db,
		name:    name,
		schema:  schema,
		docs:    make(map[string]store.Document),
		changes: observable.NewSubject(observable.WithoutReplay[store.ChangeEvent]()),
		removed: observable.NewSubject(observable.WithoutReplay[struct{}]()),
	}
}

// Name returns the collection name.
func (c *Collection) Name() string {
	return c.name
}

// Schema returns the collection schema.
func (c *Collection) Schema() store.Schema {
	return c.schema
}

// Find returns copies of the matching documents in insertion order.
func (c *Collection) Find(_ context.Context, sel store.Selector) ([]store.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]store.Document, 0, len(c.order))
	for _, id := range c.order {
		doc := c.docs[id]
		ok, err := store.Match(doc, sel)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate selector on %s: %w", c.name, err)
		}
		if ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// FindByIDs returns copies of the documents with the given primary keys in the order requested.
func (c *Collection) FindByIDs(_ context.Context, ids []string) ([]store.Document, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]store.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := c.docs[id]; ok {
			out = append(out, doc.Clone())
		}
	}
	return out, nil
}

// Count returns the number of stored documents.
func (c *Collection) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.order)
}

// Watch registers fn for change events.
func (c *Collection) Watch(fn func(store.ChangeEvent)) observable.Subscription {
	return c.changes.Subscribe(fn)
}

// OnRemove registers fn to run when the collection is reset.
func (c *Collection) OnRemove(fn func()) observable.Subscription {
	return c.removed.Subscribe(func(struct{}) { fn() })
}

// BulkUpsert inserts or replaces documents by primary key.
func (c *Collection) BulkUpsert(ctx context.Context, docs []store.Document) error {
	if len(docs) == 0 {
		return nil
	}

	records := make([]store.Record, 0, len(docs))
	for i, doc := range docs {
		if !gjson.ValidBytes(doc) {
			return fmt.Errorf("document %d in %s is not valid JSON", i, c.name)
		}
		id := doc.Get(c.schema.PrimaryKey).String()
		if id == "" {
			return fmt.Errorf("document %d in %s has no primary key %q", i, c.name, c.schema.PrimaryKey)
		}
		records = append(records, store.Record{ID: id, Document: doc.Clone()})
	}

	if c.db.persister != nil {
		if err := c.db.persister.Save(ctx, c.name, records); err != nil {
			return fmt.Errorf("failed to persist %d documents in %s: %w", len(records), c.name, err)
		}
	}

	ids := make([]string, 0, len(records))
	c.mu.Lock()
	for _, rec := range records {
		if _, exists := c.docs[rec.ID]; !exists {
			c.order = append(c.order, rec.ID)
		}
		c.docs[rec.ID] = rec.Document
		ids = append(ids, rec.ID)
	}
	c.mu.Unlock()

	c.changes.Next(store.ChangeEvent{Collection: c.name, Op: store.ChangeOpUpsert, IDs: ids})
	return nil
}

// BulkRemove deletes documents by primary key. Unknown keys are ignored.
func (c *Collection) BulkRemove(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	if c.db.persister != nil {
		if err := c.db.persister.Delete(ctx, c.name, ids); err != nil {
			return fmt.Errorf("failed to delete %d documents from %s: %w", len(ids), c.name, err)
		}
	}

	removed := make(map[string]bool, len(ids))
	c.mu.Lock()
	for _, id := range ids {
		if _, ok := c.docs[id]; ok {
			delete(c.docs, id)
			removed[id] = true
		}
	}
	if len(removed) > 0 {
		kept := c.order[:0]
		for _, id := range c.order {
			if !removed[id] {
				kept = append(kept, id)
			}
		}
		c.order = kept
	}
	c.mu.Unlock()

	if len(removed) == 0 {
		return nil
	}
	removedIDs := make([]string, 0, len(removed))
	for _, id := range ids {
		if removed[id] {
			removedIDs = append(removedIDs, id)
		}
	}
	c.changes.Next(store.ChangeEvent{Collection: c.name, Op: store.ChangeOpRemove, IDs: removedIDs})
	return nil
}

// ParseRestResponse converts a remote record into a local document. Records without a
// local primary key receive one derived from the remote ID, so repeated pulls of the
// same record always map onto the same document.
func (c *Collection) ParseRestResponse(raw json.RawMessage) (store.Document, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("remote record for %s is not valid JSON", c.name)
	}
	parsed := gjson.ParseBytes(raw)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("remote record for %s is not an object", c.name)
	}

	doc := store.Document(raw).Clone()
	if parsed.Get(c.schema.PrimaryKey).String() != "" {
		return doc, nil
	}

	id := c.DeriveID(parsed.Get(c.schema.RemoteIDField).String())
	out, err := sjson.SetBytes(doc, c.schema.PrimaryKey, id)
	if err != nil {
		return nil, fmt.Errorf("failed to set primary key on %s record: %w", c.name, err)
	}
	return out, nil
}

// DeriveID returns the primary key a record with the given remote ID maps to.
// An empty remote ID yields a random key.
func (c *Collection) DeriveID(remoteID string) string {
	if remoteID == "" {
		return uuid.NewString()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(c.name+"/"+remoteID)).String()
}

// UpsertRefs replaces embedded reference objects with the primary keys of the
// documents they resolve to, inserting referenced documents that are not yet stored.
func (c *Collection) UpsertRefs(ctx context.Context, doc *store.Document) error {
	for field, targetName := range c.schema.References {
		value := doc.Get(field)
		if !value.Exists() || value.Type == gjson.Null {
			continue
		}

		target, err := c.db.Collection(targetName)
		if err != nil {
			return fmt.Errorf("reference %s.%s: %w", c.name, field, err)
		}

		var resolved any
		if value.IsArray() {
			keys := make([]string, 0, len(value.Array()))
			for _, el := range value.Array() {
				key, err := c.resolveRef(ctx, target, el)
				if err != nil {
					return err
				}
				if key != "" {
					keys = append(keys, key)
				}
			}
			resolved = keys
		} else {
			key, err := c.resolveRef(ctx, target, value)
			if err != nil {
				return err
			}
			resolved = key
		}

		updated, err := sjson.SetBytes(*doc, field, resolved)
		if err != nil {
			return fmt.Errorf("failed to rewrite reference %s.%s: %w", c.name, field, err)
		}
		*doc = updated
	}
	return nil
}

// resolveRef returns the primary key for one reference value, inserting a stub
// document when the referenced record is not stored yet.
func (*Collection) resolveRef(ctx context.Context, target store.Collection, ref gjson.Result) (string, error) {
	if !ref.IsObject() {
		return ref.String(), nil
	}

	child, err := target.ParseRestResponse(json.RawMessage(ref.Raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse reference into %s: %w", target.Name(), err)
	}
	key := child.Get(target.Schema().PrimaryKey).String()

	existing, err := target.FindByIDs(ctx, []string{key})
	if err != nil {
		return "", err
	}
	if len(existing) == 0 {
		if err := target.BulkUpsert(ctx, []store.Document{child}); err != nil {
			return "", fmt.Errorf("failed to insert reference into %s: %w", target.Name(), err)
		}
	}
	return key, nil
}

func (c *Collection) hydrate(records []store.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, rec := range records {
		if _, exists := c.docs[rec.ID]; !exists {
			c.order = append(c.order, rec.ID)
		}
		c.docs[rec.ID] = rec.Document
	}
}

func (c *Collection) reset(ctx context.Context) error {
	slog.Info("Resetting collection", "collection", c.name)

	// hooks run first so owners tear down before the data disappears
	c.removed.Next(struct{}{})

	if c.db.persister != nil {
		if err := c.db.persister.Drop(ctx, c.name); err != nil {
			return fmt.Errorf("failed to drop persisted collection %s: %w", c.name, err)
		}
	}

	c.mu.Lock()
	c.docs = make(map[string]store.Document)
	c.order = nil
	c.mu.Unlock()

	c.changes.Next(store.ChangeEvent{Collection: c.name, Op: store.ChangeOpReset})
	return nil
}
