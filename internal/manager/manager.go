// Package manager coordinates query evaluators and replicators for one local database.
//
// Queries are deduplicated by their identifying keys. Every query shares the
// CollectionReplicator of its collection and follows the QueryReplicator of the
// endpoint its current params derive. Query replicators nobody follows any more are
// paused, never cancelled, so switching back to earlier params resumes them.
package manager

import (
	"log/slog"
	"net/url"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/wcpos/query/internal/httpclient"
	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/query"
	"github.com/wcpos/query/internal/replication"
	"github.com/wcpos/query/internal/search"
	"github.com/wcpos/query/internal/status"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/telemetry"
)

// Deps are the resources a manager is bound to
type Deps struct {
	// Store is the local database
	Store store.Database
	// FastStore optionally holds collections served ahead of Store
	FastStore store.Database
	// Locale is the content locale; a different locale needs a different manager
	Locale string
	// Client talks to the remote source
	Client httpclient.Client
	// Searcher answers search terms; queries without one cannot search
	Searcher search.Searcher
}

// sameIdentity reports whether two dependency sets address the same local data
func (d Deps) sameIdentity(o Deps) bool {
	return d.Store == o.Store && d.FastStore == o.FastStore && d.Locale == o.Locale
}

// Option configures a Manager
type Option func(*Manager)

// WithSettings sets the replication settings shared by every replicator
func WithSettings(s replication.Settings) Option {
	return func(m *Manager) {
		m.settings = s
	}
}

// WithStatusPersistence persists replication checkpoints
func WithStatusPersistence(p status.Persistence) Option {
	return func(m *Manager) {
		m.persistence = p
	}
}

// WithReplicationMetrics records replication cycles
func WithReplicationMetrics(rm *telemetry.ReplicationMetrics) Option {
	return func(m *Manager) {
		m.replicationMetrics = rm
	}
}

// WithQueryMetrics records query evaluations
func WithQueryMetrics(qm *telemetry.QueryMetrics) Option {
	return func(m *Manager) {
		m.queryMetrics = qm
	}
}

// WithTracer traces replication cycles and query evaluations
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		m.tracer = t
	}
}

// WithRemoveStale removes local documents the remote no longer lists
func WithRemoveStale(remove bool) Option {
	return func(m *Manager) {
		m.removeStale = remove
	}
}

// WithAPIParamsHook rewrites the remote parameters of every query on collection
func WithAPIParamsHook(collection string, hook APIParamsHook) Option {
	return func(m *Manager) {
		m.apiHooks[collection] = hook
	}
}

// Manager owns every query and replicator created against one set of Deps
type Manager struct {
	id   string
	deps Deps
	opts []Option

	settings           replication.Settings
	persistence        status.Persistence
	replicationMetrics *telemetry.ReplicationMetrics
	queryMetrics       *telemetry.QueryMetrics
	tracer             trace.Tracer
	removeStale        bool
	apiHooks           map[string]APIParamsHook
	logger             *slog.Logger

	errors *observable.Subject[error]

	// regMu serialises registration and deregistration
	regMu sync.Mutex

	mu               sync.Mutex
	canceled         bool
	queries          map[string]*entry
	replications     map[string]replication.Replicator
	activeCollection map[string]*replication.CollectionReplicator
	activeQuery      map[string]*replication.QueryReplicator
	resetHooks       map[string]observable.Subscription
}

type entry struct {
	query      *query.Query
	relational *query.RelationalQuery
	collection string
	children   []string
	params     observable.Subscription
}

func (e *entry) cancel() {
	if e.relational != nil {
		e.relational.Cancel()
		return
	}
	e.query.Cancel()
}

// New creates a manager bound to deps
func New(deps Deps, opts ...Option) (*Manager, error) {
	if deps.Store == nil {
		return nil, &ConfigError{Reason: "a local store is required"}
	}
	if deps.Client == nil {
		return nil, &ConfigError{Reason: "an HTTP client is required"}
	}

	m := &Manager{
		id:               uuid.NewString(),
		deps:             deps,
		opts:             opts,
		apiHooks:         make(map[string]APIParamsHook),
		errors:           observable.NewSubject[error](observable.WithoutReplay[error]()),
		queries:          make(map[string]*entry),
		replications:     make(map[string]replication.Replicator),
		activeCollection: make(map[string]*replication.CollectionReplicator),
		activeQuery:      make(map[string]*replication.QueryReplicator),
		resetHooks:       make(map[string]observable.Subscription),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = slog.Default().With(
		"component", "manager",
		"manager_id", m.id,
		"store", deps.Store.Name(),
		"locale", deps.Locale,
	)
	m.logger.Info("Created manager")
	return m, nil
}

// Reset returns m itself when deps address the same local data and m is still
// running. Otherwise m is cancelled and a new manager with the same options is returned.
func (m *Manager) Reset(deps Deps) (*Manager, error) {
	if m.deps.sameIdentity(deps) && !m.Canceled() {
		return m, nil
	}
	m.logger.Info("Replacing manager for new dependencies")
	m.Cancel()
	return New(deps, m.opts...)
}

// ID returns the manager's instance id
func (m *Manager) ID() string { return m.id }

// Locale returns the content locale the manager serves
func (m *Manager) Locale() string { return m.deps.Locale }

// SubscribeErrors delivers every error raised by the manager, its queries and its
// replicators. Errors raised before subscribing are not replayed.
func (m *Manager) SubscribeErrors(fn func(error)) observable.Subscription {
	return m.errors.Subscribe(fn)
}

func (m *Manager) report(err error) {
	if err == nil {
		return
	}
	m.logger.Error("Replication engine error", "error", err)
	m.errors.Next(err)
}

// Queries returns the registered query keys in sorted order
func (m *Manager) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.queries))
	for k := range m.queries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Replications returns the replicated endpoints in sorted order
func (m *Manager) Replications() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	endpoints := make([]string, 0, len(m.replications))
	for ep := range m.replications {
		endpoints = append(endpoints, ep)
	}
	sort.Strings(endpoints)
	return endpoints
}

// Query returns the query registered under key
func (m *Manager) Query(key string) (*query.Query, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[key]
	if !ok {
		return nil, false
	}
	return e.query, true
}

// Replication returns the replicator of endpoint
func (m *Manager) Replication(endpoint string) (replication.Replicator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.replications[endpoint]
	return r, ok
}

// CollectionReplication returns the collection replicator serving the query under key
func (m *Manager) CollectionReplication(key string) (*replication.CollectionReplicator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.activeCollection[key]
	return r, ok
}

// QueryReplication returns the query replicator the query under key currently follows
func (m *Manager) QueryReplication(key string) (*replication.QueryReplicator, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.activeQuery[key]
	return r, ok
}

// Canceled reports whether Cancel was called
func (m *Manager) Canceled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canceled
}

// Cancel releases every subscription, then every query, then every replicator.
// It is safe to call more than once.
func (m *Manager) Cancel() {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	m.mu.Lock()
	if m.canceled {
		m.mu.Unlock()
		return
	}
	m.canceled = true
	entries := m.queries
	replicators := m.replications
	hooks := m.resetHooks
	m.queries = make(map[string]*entry)
	m.replications = make(map[string]replication.Replicator)
	m.activeCollection = make(map[string]*replication.CollectionReplicator)
	m.activeQuery = make(map[string]*replication.QueryReplicator)
	m.resetHooks = make(map[string]observable.Subscription)
	m.mu.Unlock()

	for _, hook := range hooks {
		hook.Unsubscribe()
	}
	for _, e := range entries {
		if e.params != nil {
			e.params.Unsubscribe()
		}
	}
	for _, e := range entries {
		e.cancel()
	}
	for _, r := range replicators {
		r.Cancel()
	}
	m.errors.Close()
	m.logger.Info("Cancelled manager", "queries", len(entries), "replications", len(replicators))
}

// apiParams derives the remote parameters of p for coll
func (m *Manager) apiParams(coll store.Collection, p query.Params) url.Values {
	perPage := m.settings.PerPage
	if perPage <= 0 {
		perPage = replication.DefaultPerPage
	}
	v := APIParams(coll.Schema(), perPage, p)
	if hook := m.apiHooks[coll.Name()]; hook != nil {
		v = hook(v, p)
	}
	return v
}
