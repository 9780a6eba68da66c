package query

import (
	"context"
	"fmt"
	"sync"

	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/store"
)

// DefaultParentField is the child document field holding the parent's remote ID
const DefaultParentField = "parent_id"

// RelationalOption configures a RelationalQuery
type RelationalOption func(*RelationalQuery)

// WithParentField sets the child field that points at the parent's remote ID
func WithParentField(field string) RelationalOption {
	return func(r *RelationalQuery) {
		r.parentField = field
	}
}

// RelationalQuery is a query over parent documents whose search also reaches parents
// through their children. A child matching the search term pulls its parent into the
// result, annotated with the term and the number of matching children.
//
// The child query follows the parent's search term. Its matches feed the parent lookup
// query, whose documents are merged into the parent's search hits.
type RelationalQuery struct {
	*Query

	child        *Query
	parentLookup *Query
	parentField  string

	mu          sync.Mutex
	childTerm   string
	childCounts map[string]int

	subs       []observable.Subscription
	cancelOnce sync.Once
}

// NewRelationalQuery links parent with its child and parent lookup queries. It panics
// with ErrWrongCollection when parentLookup does not read the parent's collection.
func NewRelationalQuery(parent, child, parentLookup *Query, opts ...RelationalOption) *RelationalQuery {
	if parentLookup.collection.Name() != parent.collection.Name() {
		panic(fmt.Errorf("%w: parent lookup reads %q, parent reads %q",
			ErrWrongCollection, parentLookup.collection.Name(), parent.collection.Name()))
	}

	r := &RelationalQuery{
		Query:        parent,
		child:        child,
		parentLookup: parentLookup,
		parentField:  DefaultParentField,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.subs = append(r.subs,
		parent.SubscribeParams(func(p Params) { child.Search(p.Search) }),
		child.Subscribe(r.onChildResult),
		parentLookup.Subscribe(func(Result) { parent.schedule() }),
	)
	parent.setExtend(r.extend)
	return r
}

// Child returns the child query
func (r *RelationalQuery) Child() *Query { return r.child }

// ParentLookup returns the query resolving parents of matching children
func (r *RelationalQuery) ParentLookup() *Query { return r.parentLookup }

// Cancel unlinks the child and parent lookup queries and cancels the parent. The
// child and lookup stay alive; whoever registered them cancels them.
func (r *RelationalQuery) Cancel() {
	r.cancelOnce.Do(func() {
		for _, sub := range r.subs {
			sub.Unsubscribe()
		}
		r.Query.Cancel()
	})
}

func (r *RelationalQuery) onChildResult(res Result) {
	counts := make(map[string]int)
	ids := []any{}
	if res.SearchActive {
		for _, h := range res.Hits {
			pid := h.Document.Get(r.parentField).String()
			if pid == "" || pid == "0" {
				continue
			}
			if counts[pid] == 0 {
				ids = append(ids, pid)
			}
			counts[pid]++
		}
	}

	r.mu.Lock()
	r.childTerm = res.SearchTerm
	r.childCounts = counts
	r.mu.Unlock()

	remoteID := r.collection.Schema().RemoteIDField
	r.parentLookup.Where(remoteID, map[string]any{"$in": ids})
	r.Query.schedule()
}

// extend merges parents reached through matching children into the search hits
func (r *RelationalQuery) extend(_ context.Context, p Params, hits []Hit) ([]Hit, error) {
	if !p.SearchActive() {
		return hits, nil
	}
	r.mu.Lock()
	term, counts := r.childTerm, r.childCounts
	r.mu.Unlock()
	// The child query has not caught up with this term yet; its result reschedules us
	if term != p.Search || len(counts) == 0 {
		return hits, nil
	}
	lookup, ok := r.parentLookup.Result()
	if !ok {
		return hits, nil
	}

	remoteID := r.collection.Schema().RemoteIDField
	index := make(map[string]int, len(hits))
	for i, h := range hits {
		index[h.ID] = i
	}
	for _, parent := range lookup.Hits {
		n := counts[parent.Document.Get(remoteID).String()]
		if n == 0 {
			continue
		}
		if i, ok := index[parent.ID]; ok {
			hits[i].ChildrenSearchCount = n
			continue
		}
		matched, err := store.Match(parent.Document, p.Selector)
		if err != nil {
			return nil, fmt.Errorf("failed to filter parent documents: %w", err)
		}
		if !matched {
			continue
		}
		index[parent.ID] = len(hits)
		hits = append(hits, Hit{
			ID:                  parent.ID,
			Document:            parent.Document,
			ChildrenSearchCount: n,
			ParentSearchTerm:    p.Search,
		})
	}
	return hits, nil
}
