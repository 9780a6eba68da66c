package replication

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wcpos/query/internal/httpclient"
	"github.com/wcpos/query/internal/remotetest"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/store/memory"
)

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

type fixture struct {
	remote *remotetest.Server
	db     *memory.Database
	coll   *memory.Collection
	client httpclient.Client
	errs   *errorRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	db := memory.NewDatabase("test")
	coll, err := db.AddCollection(context.Background(), "products", store.Schema{})
	require.NoError(t, err)

	return &fixture{
		remote: remotetest.New(t),
		db:     db,
		coll:   coll,
		client: httpclient.NewDefaultClient(5*time.Second, httpclient.WithMaxRetries(1)),
		errs:   &errorRecorder{},
	}
}

func (f *fixture) settings() Settings {
	return Settings{BaseURL: f.remote.URL}
}

func (f *fixture) collectionReplicator(t *testing.T, opts ...Option) *CollectionReplicator {
	t.Helper()
	opts = append([]Option{WithSettings(f.settings()), WithErrorSink(f.errs.sink)}, opts...)
	r, err := NewCollectionReplicator(context.Background(), f.coll, f.client, "products", opts...)
	require.NoError(t, err)
	t.Cleanup(r.Cancel)
	return r
}

func product(id int, name, modified string) remotetest.Record {
	rec := remotetest.Record{
		"id":     id,
		"name":   name,
		"status": "publish",
	}
	rec[remotetest.ModifiedField] = modified
	return rec
}

func seed(remote *remotetest.Server, n int) {
	for i := 1; i <= n; i++ {
		remote.Put("products", product(i, fmt.Sprintf("product %02d", i), fmt.Sprintf("2024-01-%02dT00:00:00", i)))
	}
}

func remoteIDs(t *testing.T, coll store.Collection) []string {
	t.Helper()
	docs, err := coll.Find(context.Background(), nil)
	require.NoError(t, err)
	out := make([]string, 0, len(docs))
	for _, doc := range docs {
		out = append(out, doc.Get("id").String())
	}
	return out
}

// paramMatcher matches url.Values carrying the given key/value pairs; an empty value
// requires the key to be absent
type paramMatcher map[string]string

func (m paramMatcher) Matches(x any) bool {
	params, ok := x.(url.Values)
	if !ok {
		return false
	}
	for k, v := range m {
		if v == "" {
			if params.Has(k) {
				return false
			}
			continue
		}
		if params.Get(k) != v {
			return false
		}
	}
	return true
}

func (m paramMatcher) String() string {
	return fmt.Sprintf("url.Values with %v", map[string]string(m))
}
