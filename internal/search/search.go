// Package search provides the free-text search capability used by search-mode queries.
//
// A Searcher resolves a query string into a ranked list of document IDs. The in-memory
// Index keeps per-document token lists current by watching collection changes, so a
// search issued after a replication batch lands sees the new documents.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/store"
)

// ErrNotSearchable is returned for collections with no configured search fields.
var ErrNotSearchable = errors.New("collection is not searchable")

// Hit is one ranked search result.
type Hit struct {
	// ID is the primary key of the matching document
	ID string `json:"id"`
	// Score orders hits, higher first
	Score float64 `json:"score"`
	// ParentSearchTerm is set when the hit was produced through a child document match
	ParentSearchTerm string `json:"parentSearchTerm,omitempty"`
	// ChildrenSearchCount counts child documents that matched on behalf of this hit
	ChildrenSearchCount int `json:"childrenSearchCount,omitempty"`
}

// Searcher resolves free text into ranked hits for one collection.
type Searcher interface {
	Search(ctx context.Context, collection, text string) ([]Hit, error)
}

// Index is an in-memory token index over configured document fields.
type Index struct {
	db     store.Database
	fields map[string][]string

	mu      sync.Mutex
	entries map[string]*collectionIndex
}

type collectionIndex struct {
	mu     sync.RWMutex
	fields []string
	tokens map[string][][]string // id -> per-field tokens
	order  []string
	sub    observable.Subscription
}

// NewIndex creates an index. fields maps collection name to the document fields that
// are searched, in decreasing order of weight.
func NewIndex(db store.Database, fields map[string][]string) *Index {
	return &Index{
		db:      db,
		fields:  fields,
		entries: make(map[string]*collectionIndex),
	}
}

// Search returns ranked hits for text. Empty text yields no hits.
func (idx *Index) Search(ctx context.Context, collection, text string) ([]Hit, error) {
	terms := Tokenize(text)
	if len(terms) == 0 {
		return nil, nil
	}

	ci, err := idx.collectionIndex(ctx, collection)
	if err != nil {
		return nil, err
	}

	ci.mu.RLock()
	defer ci.mu.RUnlock()

	hits := make([]Hit, 0)
	for _, id := range ci.order {
		if score := scoreDocument(ci.tokens[id], terms); score > 0 {
			hits = append(hits, Hit{ID: id, Score: score})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	return hits, nil
}

// Close detaches the index from every collection it watches.
func (idx *Index) Close() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for name, ci := range idx.entries {
		ci.sub.Unsubscribe()
		delete(idx.entries, name)
	}
}

func (idx *Index) collectionIndex(ctx context.Context, name string) (*collectionIndex, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if ci, ok := idx.entries[name]; ok {
		return ci, nil
	}

	fields := idx.fields[name]
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotSearchable, name)
	}
	coll, err := idx.db.Collection(name)
	if err != nil {
		return nil, err
	}

	ci := &collectionIndex{
		fields: fields,
		tokens: make(map[string][][]string),
	}
	ci.sub = coll.Watch(func(ev store.ChangeEvent) {
		ci.apply(context.Background(), coll, ev)
	})

	docs, err := coll.Find(ctx, nil)
	if err != nil {
		ci.sub.Unsubscribe()
		return nil, fmt.Errorf("failed to build index for %s: %w", name, err)
	}
	ci.add(coll.Schema().PrimaryKey, docs)

	idx.entries[name] = ci
	return ci, nil
}

func (ci *collectionIndex) apply(ctx context.Context, coll store.Collection, ev store.ChangeEvent) {
	switch ev.Op {
	case store.ChangeOpUpsert:
		docs, err := coll.FindByIDs(ctx, ev.IDs)
		if err != nil {
			return
		}
		ci.add(coll.Schema().PrimaryKey, docs)
	case store.ChangeOpRemove:
		ci.remove(ev.IDs)
	case store.ChangeOpReset:
		ci.mu.Lock()
		ci.tokens = make(map[string][][]string)
		ci.order = nil
		ci.mu.Unlock()
	}
}

func (ci *collectionIndex) add(primaryKey string, docs []store.Document) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	for _, doc := range docs {
		id := doc.Get(primaryKey).String()
		if id == "" {
			continue
		}
		perField := make([][]string, len(ci.fields))
		for i, field := range ci.fields {
			perField[i] = Tokenize(doc.Get(field).String())
		}
		if _, exists := ci.tokens[id]; !exists {
			ci.order = append(ci.order, id)
		}
		ci.tokens[id] = perField
	}
}

func (ci *collectionIndex) remove(ids []string) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	gone := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := ci.tokens[id]; ok {
			delete(ci.tokens, id)
			gone[id] = true
		}
	}
	kept := ci.order[:0]
	for _, id := range ci.order {
		if !gone[id] {
			kept = append(kept, id)
		}
	}
	ci.order = kept
}

// scoreDocument sums per-term scores; every term must match somewhere.
// Exact token matches count fully, prefix matches half. Earlier fields weigh more.
func scoreDocument(fields [][]string, terms []string) float64 {
	total := 0.0
	for _, term := range terms {
		best := 0.0
		for i, tokens := range fields {
			weight := 1.0 / float64(i+1)
			for _, tok := range tokens {
				var s float64
				switch {
				case tok == term:
					s = weight
				case strings.HasPrefix(tok, term):
					s = weight / 2
				}
				if s > best {
					best = s
				}
			}
		}
		if best == 0 {
			return 0
		}
		total += best
	}
	return total
}

// Tokenize lower-cases, strips diacritics and splits text on anything that is not a
// letter or digit.
func Tokenize(text string) []string {
	folder := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(folder, text)
	if err != nil {
		folded = text
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
