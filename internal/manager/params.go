package manager

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/wcpos/query/internal/query"
	"github.com/wcpos/query/internal/store"
)

// APIParamsHook rewrites the remote request parameters derived for one collection
type APIParamsHook func(params url.Values, p query.Params) url.Values

// APIParams maps query params onto the remote vocabulary: orderby, order, per_page,
// search, and every plain selector field except the primary key. Operator conditions
// have no remote equivalent and are only applied locally.
func APIParams(schema store.Schema, perPage int, p query.Params) url.Values {
	v := url.Values{}
	v.Set("per_page", strconv.Itoa(perPage))
	if p.SortBy != "" {
		v.Set("orderby", p.SortBy)
		v.Set("order", string(store.ParseSortDirection(string(p.SortDirection))))
	}
	if p.SearchActive() {
		v.Set("search", strings.TrimSpace(p.Search))
	}
	for field, value := range p.Selector {
		if field == schema.PrimaryKey || strings.HasPrefix(field, "$") {
			continue
		}
		if s, ok := paramValue(value); ok {
			v.Set(field, s)
		}
	}
	return v
}

// DeriveEndpoint embeds params into endpoint. Parameters already on endpoint are kept
// unless params overrides them. Keys are encoded in sorted order, so equal params
// always derive the same endpoint.
func DeriveEndpoint(endpoint string, params url.Values) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	merged := u.Query()
	for k, vs := range params {
		merged[k] = vs
	}
	u.RawQuery = merged.Encode()
	return u.String(), nil
}

func paramValue(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case int:
		return strconv.Itoa(x), true
	case int64:
		return strconv.FormatInt(x, 10), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case []string:
		return strings.Join(x, ","), true
	case []any:
		parts := make([]string, 0, len(x))
		for _, el := range x {
			s, ok := paramValue(el)
			if !ok {
				return "", false
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), true
	default:
		return "", false
	}
}
