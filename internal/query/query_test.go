package query

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wcpos/query/internal/search"
	"github.com/wcpos/query/internal/store"
)

func TestQuery_NoParamsBeforeFirstUse(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t, productJSON(1, "Apple", "publish"))
	q := newQuery(t, coll)

	_, ok := q.Params()
	assert.False(t, ok)
	assert.Never(t, func() bool {
		_, ok := q.Result()
		return ok
	}, 50*time.Millisecond, 5*time.Millisecond, "nothing to evaluate before the first parameter change")
}

func TestQuery_FilterPathSortsBySingleField(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t,
		productJSON(1, "banana", "publish"),
		productJSON(2, "Apple", "publish"),
		productJSON(3, "cherry", "draft"),
		productJSON(4, "date", "publish"),
	)
	q := newQuery(t, coll, WithInitialParams(Params{SortBy: "name", SortDirection: store.SortAsc}))

	res := resultWhere(t, q, func(r Result) bool { return r.Count == 4 })
	assert.Equal(t, []string{"2", "1", "3", "4"}, remoteIDs(res))
	assert.False(t, res.SearchActive)
	assert.Empty(t, res.SearchTerm)

	q.Where("status", "publish").Sort("name", store.SortDesc)
	res = resultWhere(t, q, func(r Result) bool { return r.Count == 3 && r.Hits[0].Document.Get("id").Int() == 4 })
	assert.Equal(t, []string{"4", "1", "2"}, remoteIDs(res))
}

func TestQuery_WhereReplacesAndRemoves(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t)
	q := newQuery(t, coll)

	q.Where("status", "publish")
	q.Where("status", "draft")
	assert.Equal(t, []any{"draft"}, q.Values("status"))
	assert.True(t, q.HasValue("status", "draft"))
	assert.False(t, q.HasValue("status", "publish"))

	p, ok := q.Params()
	require.True(t, ok)
	assert.Equal(t, store.Selector{"status": "draft"}, p.Selector)

	q.Where("status", nil)
	assert.Empty(t, q.Values("status"))
	p, _ = q.Params()
	assert.Empty(t, p.Selector)
}

func TestQuery_ElemMatchClausesAccumulate(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t,
		`{"id":1,"name":"shirt","attributes":[{"id":7,"name":"Color","option":"Red"},{"id":8,"name":"Size","option":"L"}]}`,
		`{"id":2,"name":"hat","attributes":[{"id":7,"name":"Color","option":"Red"},{"id":8,"name":"Size","option":"S"}]}`,
		`{"id":3,"name":"sock","attributes":[{"id":7,"name":"Color","option":"Blue"}]}`,
	)
	q := newQuery(t, coll)

	red := map[string]any{"$elemMatch": map[string]any{"id": 7, "option": "Red"}}
	large := map[string]any{"$elemMatch": map[string]any{"id": 8, "option": "L"}}
	q.Where("attributes", red).Where("attributes", large)

	assert.Len(t, q.Values("attributes"), 2)
	assert.True(t, q.HasElemMatchID("attributes", 7))
	assert.True(t, q.HasElemMatchID("attributes", 8.0), "numeric IDs compare by value")
	assert.False(t, q.HasElemMatchID("attributes", 9))
	assert.True(t, q.HasElemMatch("attributes", map[string]any{"id": 8, "option": "L"}))
	assert.False(t, q.HasElemMatch("attributes", map[string]any{"id": 8, "option": "S"}))

	p, _ := q.Params()
	assert.Len(t, p.Selector["$and"], 2)

	res := resultWhere(t, q, func(r Result) bool { return r.Count == 1 })
	assert.Equal(t, []string{"1"}, remoteIDs(res))

	q.RemoveWhere("attributes", large)
	assert.False(t, q.HasElemMatchID("attributes", 8))
	res = resultWhere(t, q, func(r Result) bool { return r.Count == 2 })
	assert.ElementsMatch(t, []string{"1", "2"}, remoteIDs(res))
}

func TestQuery_SortByLastKeyWins(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t)
	q := newQuery(t, coll)

	q.SortBy(SortKey{Field: "name", Direction: store.SortAsc}, SortKey{Field: "price", Direction: store.SortDesc})

	p, ok := q.Params()
	require.True(t, ok)
	assert.Equal(t, "price", p.SortBy)
	assert.Equal(t, store.SortDesc, p.SortDirection)
}

func TestQuery_EqualParamsNeverEmitTwice(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t, productJSON(1, "Apple", "publish"), productJSON(2, "Pear", "publish"))
	q := newQuery(t, coll)

	var emissions emissionCounter
	sub := q.Subscribe(func(Result) { emissions.inc() })
	t.Cleanup(sub.Unsubscribe)

	q.Where("status", "publish")
	require.Eventually(t, func() bool { return emissions.count() == 1 }, waitFor, 5*time.Millisecond)

	q.Where("status", "publish")
	q.Sort("", "")
	q.Search("")

	assert.Never(t, func() bool { return emissions.count() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
}

func TestQuery_SearchFollowsRankOrder(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t,
		productJSON(1, "Almond milk", "publish"),
		productJSON(2, "Milk", "publish"),
		productJSON(3, "Oat milk", "draft"),
		productJSON(4, "Bread", "publish"),
	)
	searcher := newStubSearcher()
	searcher.rank("milk",
		search.Hit{ID: coll.DeriveID("3"), Score: 3},
		search.Hit{ID: coll.DeriveID("2"), Score: 2},
		search.Hit{ID: "missing", Score: 1.5},
		search.Hit{ID: coll.DeriveID("1"), Score: 1},
	)
	q := newQuery(t, coll, WithSearcher(searcher),
		WithInitialParams(Params{SortBy: "name", SortDirection: store.SortAsc}))

	res := resultWhere(t, q, func(r Result) bool { return r.Count == 4 })
	assert.Equal(t, []string{"1", "4", "2", "3"}, remoteIDs(res))

	q.Search("milk")
	res = resultWhere(t, q, func(r Result) bool { return r.SearchActive })
	assert.Equal(t, "milk", res.SearchTerm)
	assert.Equal(t, []string{"3", "2", "1"}, remoteIDs(res), "rank order, not name order")
	assert.Equal(t, 3.0, res.Hits[0].Score)

	// The remaining selector still applies on the search path
	q.Where("status", "publish")
	res = resultWhere(t, q, func(r Result) bool { return r.SearchActive && r.Count == 2 })
	assert.Equal(t, []string{"2", "1"}, remoteIDs(res))

	q.Search("  ")
	res = resultWhere(t, q, func(r Result) bool { return !r.SearchActive })
	assert.Equal(t, []string{"1", "4", "2"}, remoteIDs(res))
}

func TestQuery_LiveUpdatesOnStoreChange(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t, productJSON(1, "Apple", "publish"))
	q := newQuery(t, coll, WithInitialParams(Params{Selector: store.Selector{"status": "publish"}}))
	resultWhere(t, q, func(r Result) bool { return r.Count == 1 })

	insert(t, coll, productJSON(2, "Pear", "publish"), productJSON(3, "Plum", "draft"))

	res := resultWhere(t, q, func(r Result) bool { return r.Count == 2 })
	assert.Equal(t, []string{"1", "2"}, remoteIDs(res))
}

func TestQuery_ContentChangesOnlyPublishWithDocumentComparison(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		opts        []Option
		wantPublish bool
	}{
		{name: "identity comparison", wantPublish: false},
		{name: "document comparison", opts: []Option{WithDocumentComparison()}, wantPublish: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, coll := newProducts(t, productJSON(1, "Apple", "publish"))
			opts := append([]Option{WithInitialParams(Params{})}, tt.opts...)
			q := newQuery(t, coll, opts...)

			var emissions emissionCounter
			sub := q.Subscribe(func(Result) { emissions.inc() })
			t.Cleanup(sub.Unsubscribe)
			require.Eventually(t, func() bool { return emissions.count() == 1 }, waitFor, 5*time.Millisecond)

			insert(t, coll, productJSON(1, "Green apple", "publish"))

			if tt.wantPublish {
				res := resultWhere(t, q, func(r Result) bool {
					return r.Hits[0].Document.Get("name").String() == "Green apple"
				})
				assert.Equal(t, 1, res.Count)
				return
			}
			assert.Never(t, func() bool { return emissions.count() > 1 }, 100*time.Millisecond, 5*time.Millisecond)
		})
	}
}

func TestQuery_EvaluationErrorKeepsLastResult(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t, productJSON(1, "Milk", "publish"))
	searcher := newStubSearcher()
	searcher.rank("milk", search.Hit{ID: coll.DeriveID("1"), Score: 1})
	errs := &errorRecorder{}
	q := newQuery(t, coll, WithSearcher(searcher), WithErrorSink(errs.sink))

	q.Search("milk")
	first := resultWhere(t, q, func(r Result) bool { return r.SearchActive })

	boom := errors.New("index unavailable")
	searcher.fail(boom)
	q.Search("milk powder")

	require.Eventually(t, func() bool { return len(errs.all()) == 1 }, waitFor, 5*time.Millisecond)
	err := errs.all()[0]
	assert.ErrorIs(t, err, boom)
	var qErr *Error
	require.ErrorAs(t, err, &qErr)
	assert.Equal(t, "products-test", qErr.Key)

	current, ok := q.Result()
	require.True(t, ok)
	assert.Equal(t, first.IDs(), current.IDs())
	assert.Equal(t, "milk", current.SearchTerm)
}

func TestQuery_SearchWithoutSearcherReportsError(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t)
	errs := &errorRecorder{}
	q := newQuery(t, coll, WithErrorSink(errs.sink))

	q.Search("milk")

	require.Eventually(t, func() bool { return len(errs.all()) == 1 }, waitFor, 5*time.Millisecond)
	assert.ErrorIs(t, errs.all()[0], ErrNoSearcher)
}

func TestQuery_Hooks(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t,
		productJSON(1, "Apple", "publish"),
		productJSON(2, "Pear", "draft"),
		productJSON(3, "Plum", "publish"),
	)
	pre := func(p Params) Params {
		if p.Selector == nil {
			p.Selector = store.Selector{}
		}
		p.Selector["status"] = "publish"
		return p
	}
	post := func(docs []store.Document, _ Params) []store.Document {
		// reverse
		out := make([]store.Document, 0, len(docs))
		for i := len(docs) - 1; i >= 0; i-- {
			out = append(out, docs[i])
		}
		return out
	}
	q := newQuery(t, coll, WithPreQueryHook(pre), WithPostQueryHook(post),
		WithInitialParams(Params{SortBy: "name"}))

	res := resultWhere(t, q, func(r Result) bool { return r.Count == 2 })
	assert.Equal(t, []string{"3", "1"}, remoteIDs(res))

	// The hook works on a copy; the pushed snapshot is untouched
	p, _ := q.Params()
	assert.Empty(t, p.Selector)
}

func TestQuery_DebouncedSearchAppliesLastCall(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t)
	q := newQuery(t, coll, WithDebounce(30*time.Millisecond), WithInitialParams(Params{}))

	var pushes emissionCounter
	sub := q.SubscribeParams(func(Params) { pushes.inc() })
	t.Cleanup(sub.Unsubscribe)
	require.Equal(t, 1, pushes.count(), "current params replay on subscribe")

	q.DebouncedSearch("m")
	q.DebouncedSearch("mi")
	q.DebouncedSearch("milk")

	require.Eventually(t, func() bool {
		p, _ := q.Params()
		return p.Search == "milk"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 2, pushes.count())
}

func TestQuery_CancelIsIdempotent(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t, productJSON(1, "Apple", "publish"))
	q := newQuery(t, coll, WithInitialParams(Params{}))
	resultWhere(t, q, func(r Result) bool { return r.Count == 1 })

	var emissions emissionCounter
	sub := q.Subscribe(func(Result) { emissions.inc() })
	t.Cleanup(sub.Unsubscribe)
	require.Equal(t, 1, emissions.count())

	q.Cancel()
	q.Cancel()

	assert.True(t, q.Canceled())
	select {
	case <-q.Done():
	default:
		t.Fatal("Done must be closed after Cancel")
	}

	q.Where("status", "draft")
	insert(t, coll, productJSON(2, "Pear", "publish"))
	assert.Never(t, func() bool { return emissions.count() > 1 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestNew_RequiresCollection(t *testing.T) {
	t.Parallel()

	_, err := New("orphan", nil)
	require.Error(t, err)
}

func TestQuery_ParamsSnapshotIsACopy(t *testing.T) {
	t.Parallel()

	_, coll := newProducts(t)
	q := newQuery(t, coll)
	q.Where("categories", map[string]any{"$elemMatch": map[string]any{"id": 5}})

	p, _ := q.Params()
	p.Selector["categories"].(map[string]any)["$elemMatch"] = "mutated"

	assert.True(t, q.HasElemMatchID("categories", 5))
	again, _ := q.Params()
	assert.NotEqual(t, p.Selector, again.Selector)
}
