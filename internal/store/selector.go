package store

import (
	"encoding/json"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// Selector is a Mongo-style predicate over document fields.
//
// A plain value matches by equality (array fields match when any element is equal).
// A map whose keys all start with "$" is an operator expression. Supported operators:
// $eq, $ne, $in, $nin, $gt, $gte, $lt, $lte, $exists, $regex (with $options "i"),
// $size, $elemMatch, and the logical $and, $or, $nor at the top level.
type Selector map[string]any

// Clone returns a deep copy of the selector.
func (s Selector) Clone() Selector {
	if s == nil {
		return nil
	}
	out := make(Selector, len(s))
	for k, v := range s {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies maps and slices found in selector values.
func CloneValue(v any) any {
	switch x := v.(type) {
	case Selector:
		return x.Clone()
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, vv := range x {
			out[k] = CloneValue(vv)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, vv := range x {
			out[i] = CloneValue(vv)
		}
		return out
	case []string:
		return append([]string(nil), x...)
	default:
		return v
	}
}

// Match reports whether doc satisfies sel. An empty selector matches everything.
func Match(doc Document, sel Selector) (bool, error) {
	for key, cond := range sel {
		var (
			ok  bool
			err error
		)
		switch key {
		case "$and":
			ok, err = matchLogical(doc, cond, true)
		case "$or":
			ok, err = matchLogical(doc, cond, false)
		case "$nor":
			ok, err = matchLogical(doc, cond, false)
			ok = !ok
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("unsupported top-level operator %s", key)
			}
			ok, err = matchField(doc.Get(key), cond)
		}
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Filter returns the documents matching sel, preserving order.
func Filter(docs []Document, sel Selector) ([]Document, error) {
	out := make([]Document, 0, len(docs))
	for _, doc := range docs {
		ok, err := Match(doc, sel)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func matchLogical(doc Document, cond any, all bool) (bool, error) {
	list, ok := toSlice(cond)
	if !ok {
		return false, fmt.Errorf("logical operator expects a list, got %T", cond)
	}
	for _, item := range list {
		sub, ok := asSelector(item)
		if !ok {
			return false, fmt.Errorf("logical operator expects selectors, got %T", item)
		}
		matched, err := Match(doc, sub)
		if err != nil {
			return false, err
		}
		if all && !matched {
			return false, nil
		}
		if !all && matched {
			return true, nil
		}
	}
	return all, nil
}

func matchField(res gjson.Result, cond any) (bool, error) {
	ops, isOps := operators(cond)
	if !isOps {
		return equals(res, cond), nil
	}

	for op, arg := range ops {
		ok, err := applyOperator(res, op, arg, ops)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

//nolint:gocyclo // flat operator switch
func applyOperator(res gjson.Result, op string, arg any, ops map[string]any) (bool, error) {
	switch op {
	case "$eq":
		return equals(res, arg), nil
	case "$ne":
		return !equals(res, arg), nil
	case "$in", "$nin":
		list, ok := toSlice(arg)
		if !ok {
			return false, fmt.Errorf("%s expects a list, got %T", op, arg)
		}
		found := false
		for _, v := range list {
			if equals(res, v) {
				found = true
				break
			}
		}
		if op == "$in" {
			return found, nil
		}
		return !found, nil
	case "$gt", "$gte", "$lt", "$lte":
		if !present(res) {
			return false, nil
		}
		c := compareValue(res, arg)
		switch op {
		case "$gt":
			return c > 0, nil
		case "$gte":
			return c >= 0, nil
		case "$lt":
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case "$exists":
		want, ok := arg.(bool)
		if !ok {
			return false, fmt.Errorf("$exists expects a bool, got %T", arg)
		}
		return res.Exists() == want, nil
	case "$regex":
		pattern, ok := arg.(string)
		if !ok {
			return false, fmt.Errorf("$regex expects a string, got %T", arg)
		}
		if opts, _ := ops["$options"].(string); strings.Contains(opts, "i") {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, fmt.Errorf("invalid $regex: %w", err)
		}
		return present(res) && re.MatchString(res.String()), nil
	case "$options":
		return true, nil
	case "$size":
		n, ok := toFloat(arg)
		if !ok {
			return false, fmt.Errorf("$size expects a number, got %T", arg)
		}
		return res.IsArray() && float64(len(res.Array())) == n, nil
	case "$elemMatch":
		return elemMatch(res, arg)
	default:
		return false, fmt.Errorf("unsupported operator %s", op)
	}
}

func elemMatch(res gjson.Result, arg any) (bool, error) {
	if !res.IsArray() {
		return false, nil
	}
	sub, ok := asSelector(arg)
	if !ok {
		return false, fmt.Errorf("$elemMatch expects a selector, got %T", arg)
	}
	_, scalarOps := operators(map[string]any(sub))
	for _, el := range res.Array() {
		var (
			matched bool
			err     error
		)
		if scalarOps {
			matched, err = matchField(el, map[string]any(sub))
		} else if el.IsObject() {
			matched, err = Match(Document(el.Raw), sub)
		}
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

func present(res gjson.Result) bool {
	return res.Exists() && res.Type != gjson.Null
}

func equals(res gjson.Result, v any) bool {
	if res.IsArray() {
		if list, ok := toSlice(v); ok {
			return reflect.DeepEqual(res.Value(), normalize(list))
		}
		for _, el := range res.Array() {
			if scalarEquals(el, v) {
				return true
			}
		}
		return false
	}
	return scalarEquals(res, v)
}

func scalarEquals(res gjson.Result, v any) bool {
	switch x := v.(type) {
	case nil:
		return !present(res)
	case string:
		return (res.Type == gjson.String || res.Type == gjson.Number) && res.String() == x
	case bool:
		return (res.Type == gjson.True || res.Type == gjson.False) && res.Bool() == x
	case map[string]any, Selector:
		return res.IsObject() && reflect.DeepEqual(res.Value(), normalize(x))
	}
	if f, ok := toFloat(v); ok {
		return res.Type == gjson.Number && res.Num == f
	}
	return false
}

// compareValue orders a document value against a selector argument.
func compareValue(res gjson.Result, v any) int {
	if f, ok := toFloat(v); ok {
		if n, ok := numeric(res); ok {
			return compareFloat(n, f)
		}
	}
	return strings.Compare(res.String(), fmt.Sprint(v))
}

func operators(cond any) (map[string]any, bool) {
	var m map[string]any
	switch x := cond.(type) {
	case map[string]any:
		m = x
	case Selector:
		m = x
	default:
		return nil, false
	}
	if len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

func asSelector(v any) (Selector, bool) {
	switch x := v.(type) {
	case Selector:
		return x, true
	case map[string]any:
		return Selector(x), true
	default:
		return nil, false
	}
}

func toSlice(v any) ([]any, bool) {
	switch x := v.(type) {
	case []any:
		return x, true
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	case []float64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out, true
	default:
		return nil, false
	}
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int8:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint:
		return float64(x), true
	case uint8:
		return float64(x), true
	case uint16:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalize round-trips v through JSON so it compares equal to gjson's Value output.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}
