package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcpos/query/internal/store"
)

type mapPersister struct {
	mu      sync.Mutex
	data    map[string]map[string]store.Document
	saveErr error
}

func newMapPersister() *mapPersister {
	return &mapPersister{data: make(map[string]map[string]store.Document)}
}

func (p *mapPersister) Load(_ context.Context, collection string) ([]store.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.data[collection]))
	for id := range p.data[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]store.Record, 0, len(ids))
	for _, id := range ids {
		out = append(out, store.Record{ID: id, Document: p.data[collection][id]})
	}
	return out, nil
}

func (p *mapPersister) Save(_ context.Context, collection string, records []store.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.saveErr != nil {
		return p.saveErr
	}
	if p.data[collection] == nil {
		p.data[collection] = make(map[string]store.Document)
	}
	for _, rec := range records {
		p.data[collection][rec.ID] = rec.Document
	}
	return nil
}

func (p *mapPersister) Delete(_ context.Context, collection string, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.data[collection], id)
	}
	return nil
}

func (p *mapPersister) Drop(_ context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.data, collection)
	return nil
}

func TestDatabase_WritesThroughAndHydrates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newMapPersister()

	db := NewDatabase("first", WithPersister(p))
	products, err := db.AddCollection(ctx, "products", store.Schema{})
	require.NoError(t, err)
	require.NoError(t, products.BulkUpsert(ctx, []store.Document{
		store.Document(`{"uuid":"a"}`),
		store.Document(`{"uuid":"b"}`),
	}))
	require.NoError(t, products.BulkRemove(ctx, []string{"b"}))

	restarted := NewDatabase("second", WithPersister(p))
	again, err := restarted.AddCollection(ctx, "products", store.Schema{})
	require.NoError(t, err)
	assert.Equal(t, 1, again.Count())

	require.NoError(t, restarted.ResetCollection(ctx, "products"))
	records, err := p.Load(ctx, "products")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCollection_PersistFailureLeavesMemoryUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	p := newMapPersister()
	p.saveErr = errors.New("disk full")

	db := NewDatabase("test", WithPersister(p))
	products, err := db.AddCollection(ctx, "products", store.Schema{})
	require.NoError(t, err)

	err = products.BulkUpsert(ctx, []store.Document{store.Document(`{"uuid":"a"}`)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 0, products.Count())
}
