package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/store/memory"
)

func setup(t *testing.T) (*memory.Database, *memory.Collection, *Index) {
	t.Helper()
	ctx := context.Background()
	db := memory.NewDatabase("test")
	products, err := db.AddCollection(ctx, "products", store.Schema{})
	require.NoError(t, err)
	_, err = db.AddCollection(ctx, "orders", store.Schema{})
	require.NoError(t, err)

	require.NoError(t, products.BulkUpsert(ctx, []store.Document{
		store.Document(`{"uuid":"p1","name":"Chocolate Milk","sku":"CHOC-1"}`),
		store.Document(`{"uuid":"p2","name":"Whole Milk","sku":"MILK-2"}`),
		store.Document(`{"uuid":"p3","name":"Bread","sku":"BRD-3"}`),
		store.Document(`{"uuid":"p4","name":"Crème brûlée","sku":"DES-4"}`),
	}))

	idx := NewIndex(db, map[string][]string{"products": {"name", "sku"}})
	t.Cleanup(idx.Close)
	return db, products, idx
}

func hitIDs(hits []Hit) []string {
	out := make([]string, len(hits))
	for i, h := range hits {
		out[i] = h.ID
	}
	return out
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	assert.Equal(t, []string{"creme", "brulee", "500ml"}, Tokenize("Crème-Brûlée, 500ml!"))
	assert.Empty(t, Tokenize("  -- "))
}

func TestIndex_Search(t *testing.T) {
	t.Parallel()

	_, _, idx := setup(t)
	ctx := context.Background()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{name: "name exact beats sku prefix", text: "milk", want: []string{"p1", "p2"}},
		{name: "all terms must match", text: "whole milk", want: []string{"p2"}},
		{name: "prefix match", text: "bre", want: []string{"p3"}},
		{name: "diacritics folded", text: "creme", want: []string{"p4"}},
		{name: "sku field", text: "brd", want: []string{"p3"}},
		{name: "no match", text: "cheese", want: []string{}},
		{name: "empty text", text: "   ", want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			hits, err := idx.Search(ctx, "products", tt.text)
			require.NoError(t, err)
			assert.Equal(t, tt.want, hitIDs(hits))
		})
	}
}

func TestIndex_RanksByScore(t *testing.T) {
	t.Parallel()

	_, _, idx := setup(t)
	hits, err := idx.Search(context.Background(), "products", "milk-2")
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "p2", hits[0].ID)
	for i := 1; i < len(hits); i++ {
		assert.GreaterOrEqual(t, hits[i-1].Score, hits[i].Score)
	}
}

func TestIndex_ReactsToChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db, products, idx := setup(t)

	hits, err := idx.Search(ctx, "products", "oat")
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, products.BulkUpsert(ctx, []store.Document{
		store.Document(`{"uuid":"p5","name":"Oat Milk"}`),
	}))
	hits, err = idx.Search(ctx, "products", "oat")
	require.NoError(t, err)
	assert.Equal(t, []string{"p5"}, hitIDs(hits))

	require.NoError(t, products.BulkRemove(ctx, []string{"p5"}))
	hits, err = idx.Search(ctx, "products", "oat")
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, db.ResetCollection(ctx, "products"))
	hits, err = idx.Search(ctx, "products", "milk")
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndex_Errors(t *testing.T) {
	t.Parallel()

	_, _, idx := setup(t)
	ctx := context.Background()

	_, err := idx.Search(ctx, "orders", "x")
	assert.True(t, errors.Is(err, ErrNotSearchable))

	idx2 := NewIndex(memory.NewDatabase("empty"), map[string][]string{"products": {"name"}})
	_, err = idx2.Search(ctx, "products", "x")
	assert.True(t, errors.Is(err, store.ErrCollectionNotFound))
}
