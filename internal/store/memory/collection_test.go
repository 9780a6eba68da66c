package memory

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcpos/query/internal/store"
)

func newTestDB(t *testing.T, opts ...Option) (*Database, *Collection) {
	t.Helper()
	db := NewDatabase("test", opts...)
	ctx := context.Background()
	_, err := db.AddCollection(ctx, "categories", store.Schema{})
	require.NoError(t, err)
	products, err := db.AddCollection(ctx, "products", store.Schema{
		References: map[string]string{"categories": "categories"},
	})
	require.NoError(t, err)
	return db, products
}

func TestDatabase_CollectionLookup(t *testing.T) {
	t.Parallel()

	db, products := newTestDB(t)

	got, err := db.Collection("products")
	require.NoError(t, err)
	assert.Same(t, products, got)

	_, err = db.Collection("orders")
	assert.True(t, errors.Is(err, store.ErrCollectionNotFound))

	names := []string{}
	for _, c := range db.Collections() {
		names = append(names, c.Name())
	}
	assert.Equal(t, []string{"categories", "products"}, names)
}

func TestDatabase_AddCollectionTwiceReturnsExisting(t *testing.T) {
	t.Parallel()

	db, products := newTestDB(t)
	again, err := db.AddCollection(context.Background(), "products", store.Schema{})
	require.NoError(t, err)
	assert.Same(t, products, again)
}

func TestCollection_SchemaDefaults(t *testing.T) {
	t.Parallel()

	_, products := newTestDB(t)
	schema := products.Schema()
	assert.Equal(t, "uuid", schema.PrimaryKey)
	assert.Equal(t, "id", schema.RemoteIDField)
	assert.Equal(t, "date_modified_gmt", schema.ModifiedField)
}

func TestCollection_UpsertFindRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, products := newTestDB(t)

	var events []store.ChangeEvent
	var mu sync.Mutex
	sub := products.Watch(func(ev store.ChangeEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})
	defer sub.Unsubscribe()

	require.NoError(t, products.BulkUpsert(ctx, []store.Document{
		store.Document(`{"uuid":"a","name":"Milk","status":"publish"}`),
		store.Document(`{"uuid":"b","name":"Bread","status":"draft"}`),
	}))
	require.NoError(t, products.BulkUpsert(ctx, []store.Document{
		store.Document(`{"uuid":"a","name":"Whole Milk","status":"publish"}`),
	}))

	docs, err := products.Find(ctx, store.Selector{"status": "publish"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Whole Milk", docs[0].Get("name").String())

	all, err := products.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Get("uuid").String(), "replacing keeps insertion position")

	byID, err := products.FindByIDs(ctx, []string{"b", "missing", "a"})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, "b", byID[0].Get("uuid").String())

	require.NoError(t, products.BulkRemove(ctx, []string{"b", "missing"}))
	assert.Equal(t, 1, products.Count())

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 3)
	assert.Equal(t, store.ChangeOpUpsert, events[0].Op)
	assert.Equal(t, []string{"a", "b"}, events[0].IDs)
	assert.Equal(t, store.ChangeOpRemove, events[2].Op)
	assert.Equal(t, []string{"b"}, events[2].IDs)
}

func TestCollection_FindReturnsCopies(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, products := newTestDB(t)
	require.NoError(t, products.BulkUpsert(ctx, []store.Document{store.Document(`{"uuid":"a"}`)}))

	docs, err := products.Find(ctx, nil)
	require.NoError(t, err)
	docs[0][2] = 'X'

	again, err := products.Find(ctx, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"uuid":"a"}`, string(again[0]))
}

func TestCollection_BulkUpsertRejectsInvalid(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, products := newTestDB(t)

	assert.Error(t, products.BulkUpsert(ctx, []store.Document{store.Document(`{"name":"no key"}`)}))
	assert.Error(t, products.BulkUpsert(ctx, []store.Document{store.Document(`{not json`)}))
	assert.Equal(t, 0, products.Count())
}

func TestCollection_ParseRestResponse(t *testing.T) {
	t.Parallel()

	_, products := newTestDB(t)

	doc, err := products.ParseRestResponse(json.RawMessage(`{"id":42,"name":"Milk"}`))
	require.NoError(t, err)
	key := doc.Get("uuid").String()
	assert.NotEmpty(t, key)
	assert.Equal(t, products.DeriveID("42"), key)

	again, err := products.ParseRestResponse(json.RawMessage(`{"id":42,"name":"Milk 2"}`))
	require.NoError(t, err)
	assert.Equal(t, key, again.Get("uuid").String(), "same remote id maps to same key")

	kept, err := products.ParseRestResponse(json.RawMessage(`{"uuid":"local","id":1}`))
	require.NoError(t, err)
	assert.Equal(t, "local", kept.Get("uuid").String())

	_, err = products.ParseRestResponse(json.RawMessage(`[1,2]`))
	assert.Error(t, err)
}

func TestCollection_UpsertRefs(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, products := newTestDB(t)
	categories, err := db.Collection("categories")
	require.NoError(t, err)

	// a fuller category already stored must not be overwritten by the stub
	full, err := categories.ParseRestResponse(json.RawMessage(`{"id":5,"name":"Dairy","count":12}`))
	require.NoError(t, err)
	require.NoError(t, categories.BulkUpsert(ctx, []store.Document{full}))

	doc, err := products.ParseRestResponse(json.RawMessage(
		`{"id":1,"name":"Milk","categories":[{"id":5,"name":"Dairy"},{"id":9,"name":"Cold"}]}`))
	require.NoError(t, err)
	require.NoError(t, products.UpsertRefs(ctx, &doc))

	refs := doc.Get("categories").Array()
	require.Len(t, refs, 2)
	assert.Equal(t, products.db.mustCollection(t, "categories").DeriveID("5"), refs[0].String())

	stored, err := categories.Find(ctx, nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, int64(12), stored[0].Get("count").Int())
	assert.Equal(t, "Cold", stored[1].Get("name").String())
}

func TestCollection_UpsertRefsUnknownTarget(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := NewDatabase("test")
	orders, err := db.AddCollection(ctx, "orders", store.Schema{
		References: map[string]string{"customer": "customers"},
	})
	require.NoError(t, err)

	doc := store.Document(`{"uuid":"o1","customer":{"id":3}}`)
	err = orders.UpsertRefs(ctx, &doc)
	assert.True(t, errors.Is(err, store.ErrCollectionNotFound))
}

func TestDatabase_ResetCollection(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, products := newTestDB(t)
	require.NoError(t, products.BulkUpsert(ctx, []store.Document{store.Document(`{"uuid":"a"}`)}))

	removed := 0
	products.OnRemove(func() { removed++ })
	var lastOp store.ChangeOp
	products.Watch(func(ev store.ChangeEvent) { lastOp = ev.Op })

	require.NoError(t, db.ResetCollection(ctx, "products"))
	assert.Equal(t, 1, removed)
	assert.Equal(t, store.ChangeOpReset, lastOp)
	assert.Equal(t, 0, products.Count())

	assert.Error(t, db.ResetCollection(ctx, "nope"))
}

func TestLive_ReEvaluatesOnChange(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	_, products := newTestDB(t)

	var counts []int
	sub := store.Live(ctx, products, store.Selector{"status": "publish"}, func(docs []store.Document, err error) {
		require.NoError(t, err)
		counts = append(counts, len(docs))
	})

	require.NoError(t, products.BulkUpsert(ctx, []store.Document{store.Document(`{"uuid":"a","status":"publish"}`)}))
	sub.Unsubscribe()
	require.NoError(t, products.BulkUpsert(ctx, []store.Document{store.Document(`{"uuid":"b","status":"publish"}`)}))

	assert.Equal(t, []int{0, 1}, counts)
}

func (db *Database) mustCollection(t *testing.T, name string) *Collection {
	t.Helper()
	db.mu.RLock()
	defer db.mu.RUnlock()
	c, ok := db.collections[name]
	require.True(t, ok)
	return c
}
