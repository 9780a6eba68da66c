package manager

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wcpos/query/internal/query"
	"github.com/wcpos/query/internal/replication"
	"github.com/wcpos/query/internal/status"
	"github.com/wcpos/query/internal/store"
)

// QueryConfig describes a query to register
type QueryConfig struct {
	// Keys identify the query; registrations with equal keys share one query
	Keys []any
	// Collection names the local collection
	Collection string
	// Endpoint is the remote endpoint of the collection; defaults to the collection name
	Endpoint string
	// InitialParams seeds the query so it evaluates immediately
	InitialParams *query.Params
	// Greedy keeps pulling pages until the derived endpoint is exhausted
	Greedy bool
	// PreQuery and PostQuery are passed through to the query
	PreQuery  query.PreQueryHook
	PostQuery query.PostQueryHook
}

// QueryKey derives the registry key of keys
func QueryKey(keys []any) (string, error) {
	if len(keys) == 0 {
		return "", errors.New("query keys are required")
	}
	data, err := json.Marshal(keys)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RegisterQuery returns the query registered under cfg.Keys, creating and onboarding
// it first when needed. Failures are also delivered to error subscribers.
func (m *Manager) RegisterQuery(ctx context.Context, cfg QueryConfig) (*query.Query, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	e, _, err := m.registerLocked(ctx, cfg)
	if err != nil {
		m.report(err)
		return nil, err
	}
	if e.relational != nil {
		return e.relational.Query, nil
	}
	return e.query, nil
}

// RegisterRelationalQuery registers a parent query whose search also reaches parents
// through matching children. child and lookup are registered as queries of their own
// so their collections replicate too.
func (m *Manager) RegisterRelationalQuery(
	ctx context.Context,
	cfg, child, lookup QueryConfig,
	opts ...query.RelationalOption,
) (*query.RelationalQuery, error) {
	m.regMu.Lock()
	defer m.regMu.Unlock()

	r, err := m.registerRelationalLocked(ctx, cfg, child, lookup, opts)
	if err != nil {
		m.report(err)
		return nil, err
	}
	return r, nil
}

func (m *Manager) registerRelationalLocked(
	ctx context.Context,
	cfg, child, lookup QueryConfig,
	opts []query.RelationalOption,
) (*query.RelationalQuery, error) {
	key, err := QueryKey(cfg.Keys)
	if err != nil {
		return nil, &ConfigError{Reason: "invalid query keys", Err: err}
	}
	if e, ok := m.lookup(key); ok {
		if e.relational == nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("query %s is registered without relations", key)}
		}
		return e.relational, nil
	}

	var created []string
	rollback := func() {
		for _, k := range created {
			m.deregisterLocked(k)
		}
	}
	register := func(c QueryConfig) (*entry, error) {
		e, isNew, err := m.registerLocked(ctx, c)
		if err != nil {
			rollback()
			return nil, err
		}
		if isNew {
			created = append(created, configKey(c))
		}
		return e, nil
	}

	childEntry, err := register(child)
	if err != nil {
		return nil, err
	}
	lookupEntry, err := register(lookup)
	if err != nil {
		return nil, err
	}
	parentEntry, err := register(cfg)
	if err != nil {
		return nil, err
	}

	r := query.NewRelationalQuery(parentEntry.query, childEntry.query, lookupEntry.query, opts...)

	// The parent owns only the child and lookup queries it created here
	var owned []string
	for _, k := range created {
		if k != key {
			owned = append(owned, k)
		}
	}

	m.mu.Lock()
	parentEntry.relational = r
	parentEntry.children = owned
	m.mu.Unlock()
	return r, nil
}

// configKey returns the key of an already validated config
func configKey(cfg QueryConfig) string {
	key, _ := QueryKey(cfg.Keys)
	return key
}

func (m *Manager) lookup(key string) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.queries[key]
	return e, ok
}

// registerLocked returns the entry under cfg.Keys and whether this call created it
func (m *Manager) registerLocked(ctx context.Context, cfg QueryConfig) (*entry, bool, error) {
	key, err := QueryKey(cfg.Keys)
	if err != nil {
		return nil, false, &ConfigError{Reason: "invalid query keys", Err: err}
	}

	m.mu.Lock()
	if m.canceled {
		m.mu.Unlock()
		return nil, false, ErrCanceled
	}
	if e, ok := m.queries[key]; ok {
		m.mu.Unlock()
		return e, false, nil
	}
	m.mu.Unlock()

	coll, err := m.collection(cfg.Collection)
	if err != nil {
		return nil, false, err
	}

	opts := []query.Option{
		query.WithErrorSink(m.report),
		query.WithMetrics(m.queryMetrics),
	}
	if m.deps.Searcher != nil {
		opts = append(opts, query.WithSearcher(m.deps.Searcher))
	}
	if m.tracer != nil {
		opts = append(opts, query.WithTracer(m.tracer))
	}
	if cfg.InitialParams != nil {
		opts = append(opts, query.WithInitialParams(*cfg.InitialParams))
	}
	if cfg.PreQuery != nil {
		opts = append(opts, query.WithPreQueryHook(cfg.PreQuery))
	}
	if cfg.PostQuery != nil {
		opts = append(opts, query.WithPostQueryHook(cfg.PostQuery))
	}
	q, err := query.New(key, coll, opts...)
	if err != nil {
		return nil, false, &ConfigError{Reason: "failed to create query", Err: err}
	}

	e := &entry{query: q, collection: coll.Name()}
	m.mu.Lock()
	m.queries[key] = e
	m.mu.Unlock()

	if err := m.onboard(ctx, key, e, coll, cfg); err != nil {
		m.deregisterLocked(key)
		return nil, false, err
	}
	m.logger.Info("Registered query", "query", key, "collection", coll.Name())
	return e, true, nil
}

// collection resolves name, preferring the fast store
func (m *Manager) collection(name string) (store.Collection, error) {
	if name == "" {
		return nil, &ConfigError{Reason: "a collection name is required"}
	}
	if m.deps.FastStore != nil {
		if coll, err := m.deps.FastStore.Collection(name); err == nil {
			return coll, nil
		}
	}
	coll, err := m.deps.Store.Collection(name)
	if err != nil {
		return nil, &ConfigError{Reason: fmt.Sprintf("unknown collection %q", name), Err: err}
	}
	return coll, nil
}

// onboard attaches the collection replicator and starts following the params
func (m *Manager) onboard(ctx context.Context, key string, e *entry, coll store.Collection, cfg QueryConfig) error {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = coll.Name()
	}

	cr, err := m.collectionReplicator(ctx, coll, endpoint)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.activeCollection[key] = cr
	m.mu.Unlock()
	cr.Start()

	sub := e.query.SubscribeParams(func(p query.Params) {
		m.onParams(key, coll, endpoint, cr, cfg.Greedy, p)
	})
	m.mu.Lock()
	e.params = sub
	m.mu.Unlock()
	return nil
}

// collectionReplicator returns the replicator of endpoint, creating it when needed
func (m *Manager) collectionReplicator(
	ctx context.Context,
	coll store.Collection,
	endpoint string,
) (*replication.CollectionReplicator, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.replications[endpoint]; ok && !existing.Canceled() {
		cr, ok := existing.(*replication.CollectionReplicator)
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("endpoint %q is replicated as a query", endpoint)}
		}
		return cr, nil
	}

	cr, err := replication.NewCollectionReplicator(ctx, coll, m.deps.Client, endpoint,
		replication.WithSettings(m.settings),
		replication.WithErrorSink(m.report),
		replication.WithStatusPersistence(m.persistence),
		replication.WithMetrics(m.replicationMetrics),
		replication.WithTracer(m.tracer),
		replication.WithRemoveStale(m.removeStale),
	)
	if err != nil {
		return nil, &ConfigError{Reason: "failed to create collection replication", Err: err}
	}
	m.replications[endpoint] = cr
	m.watchResetLocked(coll)
	return cr, nil
}

// onParams moves the query under key onto the replicator of the endpoint p derives
func (m *Manager) onParams(
	key string,
	coll store.Collection,
	endpoint string,
	parent *replication.CollectionReplicator,
	greedy bool,
	p query.Params,
) {
	target, err := DeriveEndpoint(endpoint, m.apiParams(coll, p))
	if err != nil {
		m.report(&ConfigError{Reason: "failed to derive query endpoint", Err: err})
		return
	}

	m.mu.Lock()
	if m.canceled {
		m.mu.Unlock()
		return
	}
	if _, ok := m.queries[key]; !ok {
		m.mu.Unlock()
		return
	}
	qr, err := m.queryReplicatorLocked(target, parent, greedy)
	if err != nil {
		m.mu.Unlock()
		m.report(err)
		return
	}
	previous := m.activeQuery[key]
	m.activeQuery[key] = qr
	if previous != nil && previous != qr {
		m.maybePauseLocked(previous)
	}
	qr.Start()
	m.mu.Unlock()
}

func (m *Manager) queryReplicatorLocked(
	endpoint string,
	parent *replication.CollectionReplicator,
	greedy bool,
) (*replication.QueryReplicator, error) {
	if existing, ok := m.replications[endpoint]; ok && !existing.Canceled() {
		qr, ok := existing.(*replication.QueryReplicator)
		if !ok {
			return nil, &ConfigError{Reason: fmt.Sprintf("endpoint %q is replicated as a collection", endpoint)}
		}
		return qr, nil
	}
	opts := []replication.Option{replication.WithGreedy(greedy)}
	if m.persistence != nil {
		opts = append(opts, replication.WithStatusPersistence(m.persistence))
	}
	qr, err := replication.NewQueryReplicator(parent, endpoint, opts...)
	if err != nil {
		return nil, &ConfigError{Reason: "failed to create query replication", Err: err}
	}
	m.replications[endpoint] = qr
	return qr, nil
}

// maybePauseLocked pauses qr when no registered query follows it any more
func (m *Manager) maybePauseLocked(qr *replication.QueryReplicator) {
	for _, active := range m.activeQuery {
		if active == qr {
			return
		}
	}
	qr.Pause()
}

// DeregisterQuery removes the query under key and cancels it last. A relational
// query takes with it the child and lookup queries its registration created.
func (m *Manager) DeregisterQuery(key string) {
	m.regMu.Lock()
	defer m.regMu.Unlock()
	m.deregisterLocked(key)
}

func (m *Manager) deregisterLocked(key string) {
	m.mu.Lock()
	e, ok := m.queries[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.queries, key)
	delete(m.activeCollection, key)
	if qr, ok := m.activeQuery[key]; ok {
		delete(m.activeQuery, key)
		m.maybePauseLocked(qr)
	}
	m.mu.Unlock()

	if e.params != nil {
		e.params.Unsubscribe()
	}
	for _, child := range e.children {
		m.deregisterLocked(child)
	}
	e.cancel()
	m.logger.Info("Deregistered query", "query", key)
}

// DeregisterReplication cancels and forgets the replicator of endpoint
func (m *Manager) DeregisterReplication(endpoint string) {
	m.mu.Lock()
	r, ok := m.replications[endpoint]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.replications, endpoint)
	for key, cr := range m.activeCollection {
		if replication.Replicator(cr) == r {
			delete(m.activeCollection, key)
		}
	}
	for key, qr := range m.activeQuery {
		if replication.Replicator(qr) == r {
			delete(m.activeQuery, key)
		}
	}
	m.mu.Unlock()

	r.Cancel()
	m.logger.Info("Deregistered replication", "endpoint", endpoint)
}

func (m *Manager) watchResetLocked(coll store.Collection) {
	name := coll.Name()
	if _, ok := m.resetHooks[name]; ok {
		return
	}
	m.resetHooks[name] = coll.OnRemove(func() { m.onCollectionReset(name) })
}

// onCollectionReset drops every query, replicator and checkpoint of a collection whose
// local data was wiped. Later registrations start over with fresh replicators.
func (m *Manager) onCollectionReset(name string) {
	m.mu.Lock()
	var keys []string
	for key, e := range m.queries {
		if e.collection == name {
			keys = append(keys, key)
		}
	}
	var endpoints []string
	for ep, r := range m.replications {
		if r.Collection().Name() == name {
			endpoints = append(endpoints, ep)
		}
	}
	hook := m.resetHooks[name]
	delete(m.resetHooks, name)
	m.mu.Unlock()

	m.logger.Warn("Collection reset, dropping its queries and replications",
		"collection", name,
		"queries", len(keys),
		"replications", len(endpoints),
	)
	for _, key := range keys {
		m.DeregisterQuery(key)
	}
	for _, ep := range endpoints {
		m.DeregisterReplication(ep)
	}
	if m.persistence != nil {
		// Query endpoints derived from earlier params or runs leave checkpoints too
		if err := status.DeleteCollectionStatus(context.Background(), m.persistence, name); err != nil {
			m.logger.Warn("Failed to delete checkpoints of reset collection", "collection", name, "error", err)
		}
	}
	if hook != nil {
		hook.Unsubscribe()
	}
}
