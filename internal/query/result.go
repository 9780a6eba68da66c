package query

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/wcpos/query/internal/store"
)

// Hit is one document of a result
type Hit struct {
	ID       string         `json:"id"`
	Document store.Document `json:"document"`
	// Score is set on the search path
	Score float64 `json:"score,omitempty"`
	// ChildrenSearchCount counts child documents that matched the search on behalf of this hit
	ChildrenSearchCount int `json:"childrenSearchCount,omitempty"`
	// ParentSearchTerm is the search that reached this hit through its children
	ParentSearchTerm string `json:"parentSearchTerm,omitempty"`
}

// Result is one evaluation of a query
type Result struct {
	Elapsed      time.Duration `json:"-"`
	SearchActive bool          `json:"searchActive"`
	SearchTerm   string        `json:"searchTerm,omitempty"`
	Count        int           `json:"count"`
	Hits         []Hit         `json:"hits"`
}

// ElapsedMs returns the evaluation time in milliseconds
func (r Result) ElapsedMs() float64 {
	return float64(r.Elapsed) / float64(time.Millisecond)
}

// MarshalJSON encodes the result with its evaluation time as elapsedMs
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		ElapsedMs float64 `json:"elapsedMs"`
	}{plain(r), r.ElapsedMs()})
}

// IDs returns the hit IDs in order
func (r Result) IDs() []string {
	ids := make([]string, len(r.Hits))
	for i, h := range r.Hits {
		ids[i] = h.ID
	}
	return ids
}

// Equivalent reports whether b carries nothing new over a. The hit ID sequence must be
// identical; on the search path scores and search lineage must match too.
func Equivalent(a, b Result) bool {
	if a.SearchActive != b.SearchActive || a.SearchTerm != b.SearchTerm {
		return false
	}
	if len(a.Hits) != len(b.Hits) {
		return false
	}
	for i := range a.Hits {
		ha, hb := a.Hits[i], b.Hits[i]
		if ha.ID != hb.ID {
			return false
		}
		if !a.SearchActive {
			continue
		}
		if ha.Score != hb.Score ||
			ha.ParentSearchTerm != hb.ParentSearchTerm ||
			ha.ChildrenSearchCount != hb.ChildrenSearchCount {
			return false
		}
	}
	return true
}

// equivalentWithDocuments additionally requires every hit's document to be unchanged
func equivalentWithDocuments(a, b Result) bool {
	if !Equivalent(a, b) {
		return false
	}
	for i := range a.Hits {
		if !bytes.Equal(a.Hits[i].Document, b.Hits[i].Document) {
			return false
		}
	}
	return true
}
