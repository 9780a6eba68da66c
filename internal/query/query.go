// Package query turns a mutable set of filter, sort and search parameters into a live,
// deduplicated stream of results over one local collection.
//
// Every parameter change pushes an immutable Params snapshot. A single worker per query
// evaluates the latest snapshot, again whenever the collection changes, and publishes a
// Result unless it is equivalent to the previous one. Late subscribers receive the
// current result immediately.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/otel"
	"github.com/wcpos/query/internal/search"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/telemetry"
)

// DefaultDebounce is the quiet period of DebouncedSearch
const DefaultDebounce = 250 * time.Millisecond

// PreQueryHook rewrites params before they reach the store
type PreQueryHook func(Params) Params

// PostQueryHook re-filters or re-orders the documents of the filter path
type PostQueryHook func(docs []store.Document, p Params) []store.Document

// extendFunc post-processes search hits; relational queries install one
type extendFunc func(ctx context.Context, p Params, hits []Hit) ([]Hit, error)

// Option configures a Query
type Option func(*Query)

// WithSearcher sets the search capability used when a search term is present
func WithSearcher(s search.Searcher) Option {
	return func(q *Query) {
		q.searcher = s
	}
}

// WithErrorSink routes evaluation errors to sink in addition to the log
func WithErrorSink(sink func(error)) Option {
	return func(q *Query) {
		q.sink = sink
	}
}

// WithInitialParams seeds the query so it evaluates immediately
func WithInitialParams(p Params) Option {
	return func(q *Query) {
		initial := p.Clone()
		q.initial = &initial
	}
}

// WithPreQueryHook installs a params rewrite applied before every evaluation
func WithPreQueryHook(h PreQueryHook) Option {
	return func(q *Query) {
		q.preQuery = h
	}
}

// WithPostQueryHook installs a document rewrite applied on the filter path
func WithPostQueryHook(h PostQueryHook) Option {
	return func(q *Query) {
		q.postQuery = h
	}
}

// WithMetrics records evaluation metrics
func WithMetrics(m *telemetry.QueryMetrics) Option {
	return func(q *Query) {
		q.metrics = m
	}
}

// WithTracer traces evaluations
func WithTracer(t trace.Tracer) Option {
	return func(q *Query) {
		q.tracer = t
	}
}

// WithDebounce overrides the quiet period of DebouncedSearch
func WithDebounce(d time.Duration) Option {
	return func(q *Query) {
		q.debounce = d
	}
}

// WithDocumentComparison publishes a result when only the content of a hit changed.
// By default results are compared by hit identity and order alone.
func WithDocumentComparison() Option {
	return func(q *Query) {
		q.compareDocuments = true
	}
}

// Query is a live query over one collection
type Query struct {
	key              string
	collection       store.Collection
	searcher         search.Searcher
	sink             func(error)
	preQuery         PreQueryHook
	postQuery        PostQueryHook
	metrics          *telemetry.QueryMetrics
	tracer           trace.Tracer
	debounce         time.Duration
	compareDocuments bool
	initial          *Params
	logger           *slog.Logger

	// mu guards the mutable parameter state
	mu      sync.Mutex
	clauses []FilterClause
	search  string
	sortBy  string
	sortDir store.SortDirection
	extend  extendFunc

	// pushMu orders snapshot pushes so a later mutation never publishes first
	pushMu  sync.Mutex
	params  *observable.Subject[Params]
	results *observable.Subject[Result]

	wake      chan struct{}
	debouncer *observable.Debouncer
	subs      []observable.Subscription

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	cancelOnce sync.Once
}

// New creates a query over coll and starts its evaluation worker. key identifies the
// query in logs and errors.
func New(key string, coll store.Collection, opts ...Option) (*Query, error) {
	if coll == nil {
		return nil, fmt.Errorf("query %q requires a collection", key)
	}

	q := &Query{
		key:        key,
		collection: coll,
		debounce:   DefaultDebounce,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}

	equal := Equivalent
	if q.compareDocuments {
		equal = equivalentWithDocuments
	}
	q.results = observable.NewSubject(observable.WithEqual(equal))
	q.params = observable.NewSubject(observable.WithEqual(func(a, b Params) bool { return a.Equal(b) }))
	q.debouncer = observable.NewDebouncer(q.debounce)
	q.logger = slog.Default().With("query", key, "collection", coll.Name())
	q.ctx, q.cancel = context.WithCancel(context.Background())

	if q.initial != nil {
		q.clauses = clausesFrom(q.initial.Selector)
		q.search = q.initial.Search
		q.sortBy = q.initial.SortBy
		q.sortDir = q.initial.SortDirection
		q.params.Next(q.snapshotLocked())
	}

	q.subs = append(q.subs,
		q.params.Subscribe(func(Params) { q.schedule() }),
		coll.Watch(func(store.ChangeEvent) { q.schedule() }),
	)

	go q.run()
	return q, nil
}

// Key returns the identifying key
func (q *Query) Key() string { return q.key }

// Collection returns the collection the query reads
func (q *Query) Collection() store.Collection { return q.collection }

// Where sets the condition for field, replacing earlier ones. $elemMatch conditions
// accumulate instead, so several element matches can apply to one array field. A nil
// value removes every condition on field.
func (q *Query) Where(field string, value any) *Query {
	q.update(func() {
		switch {
		case value == nil:
			q.clauses = slices.DeleteFunc(q.clauses, func(c FilterClause) bool { return c.Field == field })
		case isElemMatch(value):
			q.clauses = append(q.clauses, FilterClause{Field: field, Value: value})
		default:
			q.clauses = slices.DeleteFunc(q.clauses, func(c FilterClause) bool { return c.Field == field })
			q.clauses = append(q.clauses, FilterClause{Field: field, Value: value})
		}
		q.clauses = normalizeClauses(q.clauses)
	})
	return q
}

// RemoveWhere removes one specific condition, typically a single $elemMatch
func (q *Query) RemoveWhere(field string, value any) *Query {
	q.update(func() {
		q.clauses = slices.DeleteFunc(q.clauses, func(c FilterClause) bool {
			return c.Field == field && sameValue(c.Value, value)
		})
	})
	return q
}

// Sort orders results by a single field. An empty field restores storage order.
func (q *Query) Sort(field string, dir store.SortDirection) *Query {
	q.update(func() {
		q.sortBy = field
		q.sortDir = store.ParseSortDirection(string(dir))
		if field == "" {
			q.sortDir = ""
		}
	})
	return q
}

// SortBy applies the last of keys; only one sort field is ever active
func (q *Query) SortBy(keys ...SortKey) *Query {
	if len(keys) == 0 {
		return q
	}
	last := keys[len(keys)-1]
	return q.Sort(last.Field, last.Direction)
}

// Search switches to the search path for non-blank text and back for blank text
func (q *Query) Search(text string) *Query {
	q.update(func() {
		q.search = text
	})
	return q
}

// DebouncedSearch applies text once no further call arrived for the debounce period
func (q *Query) DebouncedSearch(text string) {
	q.debouncer.Call(func() { q.Search(text) })
}

// Params returns the last pushed snapshot, false before the first parameter change
func (q *Query) Params() (Params, bool) {
	p, ok := q.params.Value()
	if !ok {
		return Params{}, false
	}
	return p.Clone(), true
}

// SubscribeParams calls fn with the current snapshot and every later change.
// fn must not mutate the same query.
func (q *Query) SubscribeParams(fn func(Params)) observable.Subscription {
	return q.params.Subscribe(func(p Params) { fn(p.Clone()) })
}

// Result returns the current result, false before the first evaluation
func (q *Query) Result() (Result, bool) {
	return q.results.Value()
}

// Subscribe calls fn with the current result, if any, and every later one
func (q *Query) Subscribe(fn func(Result)) observable.Subscription {
	return q.results.Subscribe(fn)
}

// Clauses returns a copy of the filter clauses
func (q *Query) Clauses() []FilterClause {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]FilterClause, len(q.clauses))
	for i, c := range q.clauses {
		out[i] = FilterClause{Field: c.Field, Value: store.CloneValue(c.Value)}
	}
	return out
}

// Values returns the condition values on field
func (q *Query) Values(field string) []any {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []any
	for _, c := range q.clauses {
		if c.Field == field {
			out = append(out, store.CloneValue(c.Value))
		}
	}
	return out
}

// HasValue reports whether field is filtered by exactly value
func (q *Query) HasValue(field string, value any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.ContainsFunc(q.clauses, func(c FilterClause) bool {
		return c.Field == field && sameValue(c.Value, value)
	})
}

// HasElemMatchID reports whether an $elemMatch on field selects the element with id
func (q *Query) HasElemMatchID(field string, id any) bool {
	return q.HasElemMatch(field, map[string]any{"id": id})
}

// HasElemMatch reports whether an $elemMatch on field carries every key/value pair of match
func (q *Query) HasElemMatch(field string, match map[string]any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range q.clauses {
		if c.Field != field {
			continue
		}
		inner, ok := elemMatchOf(c.Value)
		if !ok {
			continue
		}
		if containsPairs(inner, match) {
			return true
		}
	}
	return false
}

func containsPairs(m, pairs map[string]any) bool {
	for k, v := range pairs {
		got, ok := m[k]
		if !ok || !sameValue(got, v) {
			return false
		}
	}
	return true
}

// Cancel stops evaluation, drops every subscriber and releases the collection
// subscription. It is safe to call more than once.
func (q *Query) Cancel() {
	q.cancelOnce.Do(func() {
		q.debouncer.Stop()
		for _, sub := range q.subs {
			sub.Unsubscribe()
		}
		q.cancel()
		q.params.Close()
		q.results.Close()
		q.logger.Debug("Query cancelled")
	})
}

// Canceled reports whether Cancel was called
func (q *Query) Canceled() bool {
	return q.ctx.Err() != nil
}

// Done is closed once the query is cancelled
func (q *Query) Done() <-chan struct{} {
	return q.ctx.Done()
}

func (q *Query) update(mutate func()) {
	q.pushMu.Lock()
	defer q.pushMu.Unlock()

	q.mu.Lock()
	mutate()
	p := q.snapshotLocked()
	q.mu.Unlock()

	q.params.Next(p)
}

func (q *Query) snapshotLocked() Params {
	return Params{
		Selector:      selectorFrom(q.clauses),
		Search:        q.search,
		SortBy:        q.sortBy,
		SortDirection: q.sortDir,
	}
}

func (q *Query) setExtend(fn extendFunc) {
	q.mu.Lock()
	q.extend = fn
	q.mu.Unlock()
	q.schedule()
}

// schedule requests an evaluation. Requests arriving while one is pending coalesce.
func (q *Query) schedule() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Query) run() {
	defer close(q.done)
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
		}
		p, ok := q.params.Value()
		if !ok {
			continue
		}
		q.evaluate(q.ctx, p)
	}
}

// evaluate runs one evaluation of p and publishes the result
func (q *Query) evaluate(ctx context.Context, pushed Params) {
	start := time.Now()
	p := pushed.Clone()
	if q.preQuery != nil {
		p = q.preQuery(p)
	}
	active := p.SearchActive()

	ctx, span := otel.StartEvaluation(ctx, q.tracer, q.collection.Name(), active)

	var (
		hits []Hit
		err  error
	)
	if active {
		hits, err = q.searchHits(ctx, p)
	} else {
		hits, err = q.filterHits(ctx, p)
	}
	q.mu.Lock()
	extend := q.extend
	q.mu.Unlock()
	if err == nil && extend != nil {
		hits, err = extend(ctx, p, hits)
	}
	otel.Finish(span, err, otel.AttrResultCount.Int(len(hits)))

	if q.Canceled() {
		return
	}
	if err != nil {
		q.report(err)
		return
	}
	// A newer snapshot is queued; its evaluation supersedes this one
	if cur, ok := q.params.Value(); ok && !cur.Equal(pushed) {
		return
	}

	res := Result{
		Elapsed:      time.Since(start),
		SearchActive: active,
		Count:        len(hits),
		Hits:         hits,
	}
	if active {
		res.SearchTerm = p.Search
	}
	published := q.results.Next(res)
	q.metrics.RecordEvaluation(ctx, q.collection.Name(), res.Elapsed, active, published)
	if published {
		q.logger.Debug("Query result published", "count", res.Count, "search_active", active, "elapsed_ms", res.ElapsedMs())
	}
}

// searchHits resolves the search term, keeps the ranked documents that are stored and
// match the selector, and returns them in rank order
func (q *Query) searchHits(ctx context.Context, p Params) ([]Hit, error) {
	if q.searcher == nil {
		return nil, ErrNoSearcher
	}
	ranked, err := q.searcher.Search(ctx, q.collection.Name(), p.Search)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	if len(ranked) == 0 {
		return []Hit{}, nil
	}

	ids := make([]string, len(ranked))
	for i, h := range ranked {
		ids[i] = h.ID
	}
	docs, err := q.collection.FindByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load search hits: %w", err)
	}

	pk := q.collection.Schema().PrimaryKey
	byID := make(map[string]store.Document, len(docs))
	for _, doc := range docs {
		ok, err := store.Match(doc, p.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to filter search hits: %w", err)
		}
		if ok {
			byID[doc.Get(pk).String()] = doc
		}
	}

	hits := make([]Hit, 0, len(byID))
	for _, h := range ranked {
		doc, ok := byID[h.ID]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ID:                  h.ID,
			Document:            doc,
			Score:               h.Score,
			ChildrenSearchCount: h.ChildrenSearchCount,
			ParentSearchTerm:    h.ParentSearchTerm,
		})
	}
	return hits, nil
}

func (q *Query) filterHits(ctx context.Context, p Params) ([]Hit, error) {
	docs, err := q.collection.Find(ctx, p.Selector)
	if err != nil {
		return nil, fmt.Errorf("find failed: %w", err)
	}
	if p.SortBy != "" {
		docs = store.SortDocuments(docs, p.SortBy, p.SortDirection)
	}
	if q.postQuery != nil {
		docs = q.postQuery(docs, p)
	}

	pk := q.collection.Schema().PrimaryKey
	hits := make([]Hit, len(docs))
	for i, doc := range docs {
		hits[i] = Hit{ID: doc.Get(pk).String(), Document: doc}
	}
	return hits, nil
}

func (q *Query) report(err error) {
	err = &Error{Key: q.key, Err: err}
	q.logger.Error("Query evaluation failed", "error", err)
	if q.sink != nil {
		q.sink(err)
	}
}
