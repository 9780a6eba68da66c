package query

import (
	"encoding/json"
	"reflect"
	"slices"
	"strings"

	"github.com/wcpos/query/internal/store"
)

// elemMatchOp is the selector operator that matches one element of an array field
const elemMatchOp = "$elemMatch"

// FilterClause is one field condition of a query. Repeated fields combine under AND.
type FilterClause struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// SortKey names a sort field and direction
type SortKey struct {
	Field     string              `json:"field"`
	Direction store.SortDirection `json:"direction"`
}

// Params is an immutable snapshot of what a query asks for
type Params struct {
	Selector      store.Selector      `json:"selector,omitempty"`
	Search        string              `json:"search,omitempty"`
	SortBy        string              `json:"sortBy,omitempty"`
	SortDirection store.SortDirection `json:"sortDirection,omitempty"`
}

// Clone returns a deep copy so evaluation never shares nested values with the caller
func (p Params) Clone() Params {
	p.Selector = p.Selector.Clone()
	return p
}

// SearchActive reports whether the params select the search path
func (p Params) SearchActive() bool {
	return strings.TrimSpace(p.Search) != ""
}

// Equal reports structural equality
func (p Params) Equal(o Params) bool {
	if p.Search != o.Search || p.SortBy != o.SortBy || p.SortDirection != o.SortDirection {
		return false
	}
	if len(p.Selector) == 0 && len(o.Selector) == 0 {
		return true
	}
	return reflect.DeepEqual(p.Selector, o.Selector)
}

// normalizeClauses drops cleared and duplicate clauses and orders them by field, so two
// queries built in a different order derive the same selector
func normalizeClauses(clauses []FilterClause) []FilterClause {
	out := make([]FilterClause, 0, len(clauses))
	for _, c := range clauses {
		if c.Field == "" || c.Value == nil {
			continue
		}
		if slices.ContainsFunc(out, func(e FilterClause) bool {
			return e.Field == c.Field && sameValue(e.Value, c.Value)
		}) {
			continue
		}
		out = append(out, FilterClause{Field: c.Field, Value: store.CloneValue(c.Value)})
	}
	slices.SortStableFunc(out, func(a, b FilterClause) int {
		return strings.Compare(a.Field, b.Field)
	})
	return out
}

// selectorFrom derives the store selector. A field with one clause is a plain key;
// repeated fields move into $and.
func selectorFrom(clauses []FilterClause) store.Selector {
	counts := make(map[string]int, len(clauses))
	for _, c := range clauses {
		counts[c.Field]++
	}
	sel := make(store.Selector, len(clauses))
	var and []any
	for _, c := range clauses {
		if counts[c.Field] == 1 {
			sel[c.Field] = store.CloneValue(c.Value)
			continue
		}
		and = append(and, map[string]any{c.Field: store.CloneValue(c.Value)})
	}
	if len(and) > 0 {
		sel["$and"] = and
	}
	return sel
}

// clausesFrom is the inverse of selectorFrom for selectors supplied as initial params
func clausesFrom(sel store.Selector) []FilterClause {
	var out []FilterClause
	for field, value := range sel {
		if field == "$and" {
			if list, ok := value.([]any); ok && splitAnd(list, &out) {
				continue
			}
		}
		out = append(out, FilterClause{Field: field, Value: value})
	}
	return normalizeClauses(out)
}

// splitAnd expands an $and list of single-field conditions. It reports false when the
// list holds anything else, in which case $and stays one opaque clause.
func splitAnd(list []any, out *[]FilterClause) bool {
	var clauses []FilterClause
	for _, item := range list {
		m, ok := item.(map[string]any)
		if !ok || len(m) != 1 {
			return false
		}
		for field, value := range m {
			if strings.HasPrefix(field, "$") {
				return false
			}
			clauses = append(clauses, FilterClause{Field: field, Value: value})
		}
	}
	*out = append(*out, clauses...)
	return true
}

func isElemMatch(v any) bool {
	m, ok := asMap(v)
	if !ok {
		return false
	}
	_, ok = m[elemMatchOp]
	return ok
}

func elemMatchOf(v any) (map[string]any, bool) {
	m, ok := asMap(v)
	if !ok {
		return nil, false
	}
	return asMap(m[elemMatchOp])
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case store.Selector:
		return m, true
	default:
		return nil, false
	}
}

// sameValue compares through JSON so 1 and 1.0 or []string and []any are equal
func sameValue(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}
