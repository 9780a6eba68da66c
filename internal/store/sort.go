package store

import (
	"cmp"
	"slices"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// SortDirection is the order applied by SortDocuments.
type SortDirection string

const (
	// SortAsc sorts smallest first
	SortAsc SortDirection = "asc"
	// SortDesc sorts largest first
	SortDesc SortDirection = "desc"
)

// ParseSortDirection maps user input onto a SortDirection, defaulting to ascending.
func ParseSortDirection(s string) SortDirection {
	if strings.EqualFold(strings.TrimSpace(s), string(SortDesc)) {
		return SortDesc
	}
	return SortAsc
}

// SortDocuments returns a copy of docs ordered by a single field.
//
// Values that parse as numbers (including numeric strings) compare numerically,
// everything else compares as case-insensitive text. Missing values sort first in
// ascending order. The sort is stable.
func SortDocuments(docs []Document, field string, dir SortDirection) []Document {
	out := slices.Clone(docs)
	if field == "" {
		return out
	}
	slices.SortStableFunc(out, func(a, b Document) int {
		c := CompareResults(a.Get(field), b.Get(field))
		if dir == SortDesc {
			return -c
		}
		return c
	})
	return out
}

// CompareResults orders two field values.
func CompareResults(a, b gjson.Result) int {
	ap, bp := present(a), present(b)
	switch {
	case !ap && !bp:
		return 0
	case !ap:
		return -1
	case !bp:
		return 1
	}
	if af, ok := numeric(a); ok {
		if bf, ok := numeric(b); ok {
			return compareFloat(af, bf)
		}
	}
	return strings.Compare(strings.ToLower(a.String()), strings.ToLower(b.String()))
}

func numeric(r gjson.Result) (float64, bool) {
	switch r.Type {
	case gjson.Number:
		return r.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(r.Str), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

func compareFloat(a, b float64) int {
	return cmp.Compare(a, b)
}
