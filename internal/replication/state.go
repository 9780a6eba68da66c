// Package replication converges local collections with a remote paginated REST source.
//
// A CollectionReplicator owns the full-collection protocol for one collection: it audits
// the remote ID listing, pulls unsynced documents and then changes after its
// modification cursor. A QueryReplicator pulls only what one filtered endpoint needs
// and hands over to its CollectionReplicator once that endpoint is exhausted.
package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wcpos/query/internal/httpclient"
	"github.com/wcpos/query/internal/status"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/telemetry"
	"github.com/wcpos/query/internal/versions"
)

const (
	// DefaultPollInterval is the default QueryReplicator polling period
	DefaultPollInterval = 5 * time.Minute
	// DefaultCollectionPollInterval is the default CollectionReplicator polling period
	DefaultCollectionPollInterval = 5 * time.Minute
	// DefaultPerPage is the default page size of query endpoints
	DefaultPerPage = 10
	// DefaultBatchSize is the default page size of collection pulls
	DefaultBatchSize = 100
	// DefaultExcludeRatio weights synced against unsynced list sizes
	DefaultExcludeRatio = 1.0
	// DefaultMaxGetIDs is the largest ID list sent in a query string
	DefaultMaxGetIDs = 50

	kindCollection = "collection"
	kindQuery      = "query"
)

// ErrorSink receives every error a replicator produces
type ErrorSink func(error)

// Replicator is the state shared by both replicator variants
type Replicator interface {
	// Endpoint returns the remote endpoint, which is the replicator's identity
	Endpoint() string
	// Collection returns the local collection being filled
	Collection() store.Collection
	// Start resumes polling
	Start()
	// Pause stops polling; an in-flight cycle completes
	Pause()
	// Cancel stops the replicator for good. It is safe to call more than once.
	Cancel()
	// Paused reports whether polling is suspended
	Paused() bool
	// Active reports whether a fetch cycle is in flight
	Active() bool
	// Canceled reports whether Cancel was called
	Canceled() bool
	// FetchUnsynced runs one fetch cycle unless one is already running
	FetchUnsynced(ctx context.Context)
}

// Settings tunes the fetch protocol
type Settings struct {
	// BaseURL is prefixed to every endpoint
	BaseURL string
	// PerPage is the page size query endpoints are derived with
	PerPage int
	// BatchSize is the page size of collection pulls
	BatchSize int
	// ExcludeRatio weights the synced list when choosing between include and exclude
	ExcludeRatio float64
	// MaxGetIDs is the largest ID list sent in a query string; longer lists are POSTed
	MaxGetIDs int
	// PollInterval is the QueryReplicator polling period
	PollInterval time.Duration
	// CollectionPollInterval is the CollectionReplicator polling period
	CollectionPollInterval time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.PerPage <= 0 {
		s.PerPage = DefaultPerPage
	}
	if s.BatchSize <= 0 {
		s.BatchSize = DefaultBatchSize
	}
	if s.ExcludeRatio <= 0 {
		s.ExcludeRatio = DefaultExcludeRatio
	}
	if s.MaxGetIDs <= 0 {
		s.MaxGetIDs = DefaultMaxGetIDs
	}
	if s.PollInterval <= 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.CollectionPollInterval <= 0 {
		s.CollectionPollInterval = DefaultCollectionPollInterval
	}
	return s
}

// Option configures a replicator
type Option func(*state)

// WithSettings sets the fetch protocol settings
func WithSettings(s Settings) Option {
	return func(st *state) {
		st.settings = s
	}
}

// WithErrorSink routes errors to sink instead of only logging them
func WithErrorSink(sink ErrorSink) Option {
	return func(st *state) {
		st.sink = sink
	}
}

// WithStatusPersistence checkpoints the replicator's status, including its cursor
func WithStatusPersistence(p status.Persistence) Option {
	return func(st *state) {
		st.persistence = p
	}
}

// WithMetrics records cycle metrics
func WithMetrics(m *telemetry.ReplicationMetrics) Option {
	return func(st *state) {
		st.metrics = m
	}
}

// WithTracer traces fetch cycles
func WithTracer(t trace.Tracer) Option {
	return func(st *state) {
		st.tracer = t
	}
}

// WithRemoveStale makes a CollectionReplicator delete local documents the remote no longer lists
func WithRemoveStale(remove bool) Option {
	return func(st *state) {
		st.removeStale = remove
	}
}

// WithGreedy makes a QueryReplicator run cycles back to back until its endpoint is exhausted
func WithGreedy(greedy bool) Option {
	return func(st *state) {
		st.greedy = greedy
	}
}

type state struct {
	id          string
	kind        string
	endpoint    string
	path        string
	baseParams  url.Values
	collection  store.Collection
	client      httpclient.Client
	settings    Settings
	sink        ErrorSink
	persistence status.Persistence
	metrics     *telemetry.ReplicationMetrics
	tracer      trace.Tracer
	removeStale bool
	greedy      bool
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	paused   bool
	active   bool
	canceled bool
	status   status.ReplicationStatus
}

func newState(kind, endpoint string, coll store.Collection, client httpclient.Client, opts []Option) (*state, error) {
	if coll == nil {
		return nil, fmt.Errorf("replicator for %q requires a collection", endpoint)
	}
	if client == nil {
		return nil, fmt.Errorf("replicator for %q requires an HTTP client", endpoint)
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}

	st := &state{
		id:         uuid.NewString(),
		kind:       kind,
		endpoint:   endpoint,
		path:       strings.Trim(u.Path, "/"),
		baseParams: u.Query(),
		collection: coll,
		client:     client,
		paused:     true,
		status:     status.ReplicationStatus{Collection: coll.Name()},
	}
	for _, opt := range opts {
		opt(st)
	}
	st.settings = st.settings.withDefaults()
	st.logger = slog.Default().With(
		"replicator", kind,
		"endpoint", endpoint,
		"collection", coll.Name(),
		"replicator_id", st.id,
	)
	st.ctx, st.cancel = context.WithCancel(context.Background())
	return st, nil
}

// Endpoint returns the remote endpoint
func (s *state) Endpoint() string { return s.endpoint }

// Collection returns the local collection
func (s *state) Collection() store.Collection { return s.collection }

// Paused reports whether polling is suspended
func (s *state) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Active reports whether a fetch cycle is in flight
func (s *state) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Canceled reports whether Cancel was called
func (s *state) Canceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canceled
}

// Status returns a copy of the replicator's checkpoint
func (s *state) Status() status.ReplicationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// tryBegin claims the single fetch slot. Overlapping cycles are dropped, never queued.
func (s *state) tryBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active || s.canceled {
		return false
	}
	s.active = true
	s.status.Begin(time.Now())
	return true
}

func (s *state) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = false
}

// markCanceled flips the canceled flag once and reports whether this call did it
func (s *state) markCanceled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.canceled {
		return false
	}
	s.canceled = true
	s.paused = true
	s.cancel()
	return true
}

// bind derives a context that ends with either ctx or the replicator
func (s *state) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

func (s *state) opError(op string, err error) error {
	var replErr *Error
	if errors.As(err, &replErr) {
		return err
	}
	return &Error{Endpoint: s.endpoint, Op: op, Err: err}
}

// report routes err to the sink. Errors caused by cancellation are dropped.
func (s *state) report(err error) {
	if err == nil {
		return
	}
	if s.Canceled() && (errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)) {
		s.logger.Debug("Discarding result of cancelled cycle")
		return
	}
	err = s.opError(OpFetch, err)
	s.logger.Error("Replication cycle failed", "error", err)
	if s.sink != nil {
		s.sink(err)
	}
}

// checkpoint records the outcome of a cycle and persists it when configured
func (s *state) checkpoint(ctx context.Context, written int, err error, update func(*status.ReplicationStatus)) {
	s.mu.Lock()
	if err != nil {
		s.status.Fail(err)
	} else {
		s.status.Succeed(time.Now(), written)
	}
	if update != nil {
		update(&s.status)
	}
	s.status.EngineVersion = versions.Version
	snapshot := s.status
	s.mu.Unlock()

	if s.persistence == nil {
		return
	}
	if perr := s.persistence.SaveStatus(context.WithoutCancel(ctx), s.endpoint, &snapshot); perr != nil {
		s.logger.Warn("Failed to persist replication status", "error", perr)
	}
}

func (s *state) url() string {
	return strings.TrimRight(s.settings.BaseURL, "/") + "/" + s.path
}

// request fetches one page. ids are attached under idParam; lists longer than
// MaxGetIDs travel in a POST body with a GET method override.
func (s *state) request(ctx context.Context, params url.Values, idParam string, ids []string) ([]byte, error) {
	if len(ids) > s.settings.MaxGetIDs {
		body := make(map[string]any, len(params)+1)
		for k := range params {
			body[k] = params.Get(k)
		}
		body[idParam] = ids
		headers := http.Header{}
		headers.Set(httpclient.MethodOverrideHeader, http.MethodGet)
		data, err := s.client.Post(ctx, s.url(), body, headers)
		if err != nil {
			return nil, s.opError(OpFetch, err)
		}
		return data, nil
	}
	if len(ids) > 0 {
		params.Set(idParam, strings.Join(ids, ","))
	}
	data, err := s.client.Get(ctx, s.url(), params)
	if err != nil {
		return nil, s.opError(OpFetch, err)
	}
	return data, nil
}

func cloneParams(v url.Values) url.Values {
	out := make(url.Values, len(v))
	for k, vs := range v {
		out[k] = append([]string(nil), vs...)
	}
	return out
}

func setInt(v url.Values, key string, n int) {
	v.Set(key, strconv.Itoa(n))
}
