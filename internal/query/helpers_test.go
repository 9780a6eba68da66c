package query

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wcpos/query/internal/search"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/store/memory"
)

const waitFor = 2 * time.Second

// stubSearcher answers with fixed rankings per collection and lower-cased text
type stubSearcher struct {
	mu    sync.Mutex
	ranks map[string][]search.Hit
	err   error
}

func newStubSearcher() *stubSearcher {
	return &stubSearcher{ranks: make(map[string][]search.Hit)}
}

func (s *stubSearcher) Search(_ context.Context, collection, text string) ([]search.Hit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]search.Hit(nil), s.ranks[collection+"/"+strings.ToLower(text)]...), nil
}

func (s *stubSearcher) rank(text string, hits ...search.Hit) {
	s.rankIn("products", text, hits...)
}

func (s *stubSearcher) rankIn(collection, text string, hits ...search.Hit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ranks[collection+"/"+text] = hits
}

func (s *stubSearcher) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

type errorRecorder struct {
	mu   sync.Mutex
	errs []error
}

func (e *errorRecorder) sink(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.errs = append(e.errs, err)
}

func (e *errorRecorder) all() []error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]error(nil), e.errs...)
}

// newProducts returns a products collection holding the given remote records
func newProducts(t *testing.T, records ...string) (*memory.Database, *memory.Collection) {
	t.Helper()
	db := memory.NewDatabase("test")
	coll, err := db.AddCollection(context.Background(), "products", store.Schema{})
	require.NoError(t, err)
	insert(t, coll, records...)
	return db, coll
}

func insert(t *testing.T, coll store.Collection, records ...string) {
	t.Helper()
	docs := make([]store.Document, 0, len(records))
	for _, rec := range records {
		doc, err := coll.ParseRestResponse([]byte(rec))
		require.NoError(t, err)
		docs = append(docs, doc)
	}
	require.NoError(t, coll.BulkUpsert(context.Background(), docs))
}

func productJSON(id int, name, status string) string {
	return fmt.Sprintf(`{"id":%d,"name":%q,"status":%q}`, id, name, status)
}

func newQuery(t *testing.T, coll store.Collection, opts ...Option) *Query {
	t.Helper()
	q, err := New("products-test", coll, opts...)
	require.NoError(t, err)
	t.Cleanup(q.Cancel)
	return q
}

// remoteIDs maps a result's hits to their remote IDs
func remoteIDs(res Result) []string {
	out := make([]string, len(res.Hits))
	for i, h := range res.Hits {
		out[i] = h.Document.Get("id").String()
	}
	return out
}

// resultWhere waits for a result satisfying cond
func resultWhere(t *testing.T, q *Query, cond func(Result) bool) Result {
	t.Helper()
	var got Result
	require.Eventually(t, func() bool {
		res, ok := q.Result()
		if !ok || !cond(res) {
			return false
		}
		got = res
		return true
	}, waitFor, 5*time.Millisecond)
	return got
}

type emissionCounter struct {
	mu sync.Mutex
	n  int
}

func (c *emissionCounter) inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *emissionCounter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}
