// Package remotetest provides an in-process fake of the paginated REST source the
// replicators pull from. It understands the include/exclude/modified_after/search
// vocabulary, field projection, paging and POST requests carrying a method override.
package remotetest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/wcpos/query/internal/httpclient"
)

// ModifiedField is the modification timestamp field of every fake record
const ModifiedField = "date_modified_gmt"

// Record is one remote document
type Record map[string]any

// Request is a request observed by the server, after method override and body merge
type Request struct {
	Method     string
	Collection string
	Params     url.Values
}

// Server is a fake remote source
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	collections map[string][]Record
	requests    []Request
	failures    map[string][]int
}

// New starts a server that is closed when the test ends
func New(t testing.TB) *Server {
	t.Helper()

	s := &Server{
		collections: make(map[string][]Record),
		failures:    make(map[string][]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/*", s.list)
	r.Post("/*", s.list)

	s.Server = httptest.NewServer(r)
	// Keep-alives off so closing one server never disturbs parallel tests
	s.Config.SetKeepAlivesEnabled(false)
	t.Cleanup(s.Close)
	return s
}

// Put inserts or replaces records by id
func (s *Server) Put(collection string, records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.collections[collection]
	for _, rec := range records {
		replaced := false
		for i, cur := range existing {
			if idString(cur["id"]) == idString(rec["id"]) {
				existing[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			existing = append(existing, rec)
		}
	}
	s.collections[collection] = existing
}

// Delete removes records by id
func (s *Server) Delete(collection string, ids ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[strconv.Itoa(id)] = true
	}
	kept := s.collections[collection][:0]
	for _, rec := range s.collections[collection] {
		if !drop[idString(rec["id"])] {
			kept = append(kept, rec)
		}
	}
	s.collections[collection] = kept
}

// FailNext makes the next requests for collection answer with the given status codes, in order
func (s *Server) FailNext(collection string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[collection] = append(s.failures[collection], statuses...)
}

// Requests returns every request served so far
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// RequestsFor returns the requests for one collection that were not ID audits
func (s *Server) RequestsFor(collection string) []Request {
	var out []Request
	for _, req := range s.Requests() {
		if req.Collection == collection && !req.IsAudit() {
			out = append(out, req)
		}
	}
	return out
}

// IsAudit reports whether the request asked for the full remote ID listing
func (r Request) IsAudit() bool {
	return r.Params.Get("posts_per_page") == "-1" && r.Params.Get("fields") != ""
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	collection := strings.Trim(chi.URLParam(r, "*"), "/")
	params := r.URL.Query()

	if r.Method == http.MethodPost {
		if r.Header.Get(httpclient.MethodOverrideHeader) != http.MethodGet {
			http.Error(w, "POST requires method override", http.StatusMethodNotAllowed)
			return
		}
		if err := mergeBody(r.Body, params); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.mu.Lock()
	s.requests = append(s.requests, Request{Method: r.Method, Collection: collection, Params: params})
	if pending := s.failures[collection]; len(pending) > 0 {
		status := pending[0]
		s.failures[collection] = pending[1:]
		s.mu.Unlock()
		http.Error(w, http.StatusText(status), status)
		return
	}
	records := append([]Record(nil), s.collections[collection]...)
	s.mu.Unlock()

	out, err := selectRecords(records, params)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-WP-Total", strconv.Itoa(len(out.all)))
	_ = json.NewEncoder(w).Encode(out.page)
}

type selection struct {
	all  []Record
	page []Record
}

// reserved lists the parameters that are not plain field equality filters
var reserved = map[string]bool{
	"include": true, "exclude": true, "modified_after": true, "search": true,
	"per_page": true, "posts_per_page": true, "page": true, "fields": true,
	"orderby": true, "order": true,
}

func selectRecords(records []Record, params url.Values) (selection, error) {
	include := idSet(params.Get("include"))
	exclude := idSet(params.Get("exclude"))
	after := params.Get("modified_after")
	search := strings.ToLower(params.Get("search"))

	var all []Record
	for _, rec := range records {
		id := idString(rec["id"])
		if include != nil && !include[id] {
			continue
		}
		if exclude[id] {
			continue
		}
		if after != "" && fmt.Sprint(rec[ModifiedField]) <= after {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(fmt.Sprint(rec["name"])), search) {
			continue
		}
		if !matchesFilters(rec, params) {
			continue
		}
		all = append(all, rec)
	}

	if orderby := params.Get("orderby"); orderby != "" {
		desc := strings.EqualFold(params.Get("order"), "desc")
		sort.SliceStable(all, func(i, j int) bool {
			a, b := fmt.Sprint(all[i][orderby]), fmt.Sprint(all[j][orderby])
			if desc {
				return a > b
			}
			return a < b
		})
	}

	perPage := 10
	for _, key := range []string{"posts_per_page", "per_page"} {
		if v := params.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return selection{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			perPage = n
			break
		}
	}
	page := 1
	if v := params.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return selection{}, fmt.Errorf("invalid page %q", v)
		}
		page = n
	}

	paged := all
	if perPage >= 0 {
		start := (page - 1) * perPage
		if start > len(all) {
			start = len(all)
		}
		end := start + perPage
		if end > len(all) {
			end = len(all)
		}
		paged = all[start:end]
	}

	if fields := params.Get("fields"); fields != "" {
		keep := strings.Split(fields, ",")
		projected := make([]Record, 0, len(paged))
		for _, rec := range paged {
			p := make(Record, len(keep))
			for _, f := range keep {
				if v, ok := rec[f]; ok {
					p[f] = v
				}
			}
			projected = append(projected, p)
		}
		paged = projected
	}

	if paged == nil {
		paged = []Record{}
	}
	return selection{all: all, page: paged}, nil
}

func matchesFilters(rec Record, params url.Values) bool {
	for key, values := range params {
		if reserved[key] || len(values) == 0 {
			continue
		}
		if fmt.Sprint(rec[key]) != values[0] {
			return false
		}
	}
	return true
}

// mergeBody folds a JSON object body into params. Arrays become comma separated lists.
func mergeBody(body io.Reader, params url.Values) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	var fields map[string]any
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("body must be a JSON object: %w", err)
	}
	for key, v := range fields {
		switch val := v.(type) {
		case []any:
			parts := make([]string, 0, len(val))
			for _, item := range val {
				parts = append(parts, idString(item))
			}
			params.Set(key, strings.Join(parts, ","))
		default:
			params.Set(key, idString(val))
		}
	}
	return nil
}

func idSet(list string) map[string]bool {
	if list == "" {
		return nil
	}
	out := make(map[string]bool)
	for _, id := range strings.Split(list, ",") {
		out[strings.TrimSpace(id)] = true
	}
	return out
}

func idString(v any) string {
	switch id := v.(type) {
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	case int:
		return strconv.Itoa(id)
	case string:
		return id
	default:
		return fmt.Sprint(v)
	}
}
