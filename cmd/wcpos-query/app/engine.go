package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gofrs/flock"

	"github.com/wcpos/query/internal/config"
	"github.com/wcpos/query/internal/httpclient"
	"github.com/wcpos/query/internal/manager"
	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/query"
	"github.com/wcpos/query/internal/replication"
	"github.com/wcpos/query/internal/search"
	"github.com/wcpos/query/internal/status"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/store/memory"
	"github.com/wcpos/query/internal/store/sqlite"
	"github.com/wcpos/query/internal/telemetry"
	"github.com/wcpos/query/internal/versions"
)

// engine is the set of components a configuration describes, wired together
type engine struct {
	cfg       *config.Config
	telemetry *telemetry.Telemetry
	lock      *flock.Flock
	persister *sqlite.Persister
	db        *memory.Database
	index     *search.Index
	manager   *manager.Manager

	mu      sync.Mutex
	keys    []string
	subs    []observable.Subscription
	results map[string]query.Result
}

// newEngine builds every component of cfg. On error, whatever was built is released.
func newEngine(ctx context.Context, cfg *config.Config) (_ *engine, err error) {
	e := &engine{cfg: cfg, results: make(map[string]query.Result)}
	defer func() {
		if err != nil {
			_ = e.Close(ctx)
		}
	}()

	telCfg := cfg.Telemetry
	if telCfg != nil && telCfg.ServiceVersion == "" {
		withVersion := *telCfg
		withVersion.ServiceVersion = versions.GetInfo().Version
		telCfg = &withVersion
	}
	if e.telemetry, err = telemetry.New(ctx, telCfg); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	var dbOpts []memory.Option
	if cfg.Store.Path != "" {
		e.lock = flock.New(cfg.Store.Path + ".lock")
		locked, lockErr := e.lock.TryLock()
		if lockErr != nil {
			return nil, fmt.Errorf("failed to lock store: %w", lockErr)
		}
		if !locked {
			e.lock = nil
			return nil, fmt.Errorf("store %s is in use by another process", cfg.Store.Path)
		}
		if e.persister, err = sqlite.Open(cfg.Store.Path); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		dbOpts = append(dbOpts, memory.WithPersister(e.persister))
	}

	e.db = memory.NewDatabase("wcpos_"+cfg.Locale, dbOpts...)
	searchFields := make(map[string][]string)
	for _, c := range cfg.Collections {
		schema := store.Schema{
			PrimaryKey:    c.PrimaryKey,
			RemoteIDField: c.RemoteIDField,
			ModifiedField: c.ModifiedField,
			References:    c.References,
		}
		if _, err = e.db.AddCollection(ctx, c.Name, schema); err != nil {
			return nil, fmt.Errorf("failed to add collection %s: %w", c.Name, err)
		}
		if len(c.SearchFields) > 0 {
			searchFields[c.Name] = c.SearchFields
		}
	}
	e.index = search.NewIndex(e.db, searchFields)

	clientOpts := []httpclient.Option{httpclient.WithMaxRetries(cfg.Remote.MaxRetries)}
	for key, value := range cfg.Remote.Headers {
		clientOpts = append(clientOpts, httpclient.WithHeader(key, value))
	}
	if cfg.Remote.Token != "" {
		clientOpts = append(clientOpts, httpclient.WithBearerToken(cfg.Remote.Token))
	}

	opts := []manager.Option{
		manager.WithSettings(replication.Settings{
			BaseURL:                cfg.Remote.BaseURL,
			PerPage:                cfg.Replication.PerPage,
			BatchSize:              cfg.Replication.BatchSize,
			ExcludeRatio:           cfg.Replication.ExcludeRatio,
			MaxGetIDs:              cfg.Replication.MaxGetIDs,
			PollInterval:           cfg.Replication.PollInterval,
			CollectionPollInterval: cfg.Replication.CollectionPollInterval,
		}),
		manager.WithRemoveStale(cfg.Replication.RemoveStale),
		manager.WithReplicationMetrics(e.telemetry.ReplicationMetrics()),
		manager.WithQueryMetrics(e.telemetry.QueryMetrics()),
		manager.WithTracer(e.telemetry.Tracer()),
	}
	if cfg.Store.StatusPath != "" {
		opts = append(opts, manager.WithStatusPersistence(status.NewFileStatusPersistence(cfg.Store.StatusPath)))
	}

	e.manager, err = manager.New(manager.Deps{
		Store:    e.db,
		Locale:   cfg.Locale,
		Client:   httpclient.NewDefaultClient(cfg.Remote.Timeout, clientOpts...),
		Searcher: e.index,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return e, nil
}

// initialParams converts a configured query into the params it starts with
func initialParams(q config.QueryConfig) query.Params {
	return query.Params{
		Selector:      store.Selector(q.Where).Clone(),
		Search:        q.Search,
		SortBy:        q.SortBy,
		SortDirection: store.ParseSortDirection(q.SortDirection),
	}
}

// registerQueries registers every configured query and logs its results as they change
func (e *engine) registerQueries(ctx context.Context) error {
	var errs []error
	for _, qc := range e.cfg.Queries {
		key, err := manager.QueryKey(qc.Keys)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		endpoint := qc.Collection
		if coll, ok := e.cfg.Collection(qc.Collection); ok {
			endpoint = coll.Endpoint
		}
		params := initialParams(qc)

		q, err := e.manager.RegisterQuery(ctx, manager.QueryConfig{
			Keys:          qc.Keys,
			Collection:    qc.Collection,
			Endpoint:      endpoint,
			InitialParams: &params,
			Greedy:        qc.Greedy,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to register query %s: %w", key, err))
			continue
		}

		sub := q.Subscribe(func(res query.Result) {
			e.mu.Lock()
			e.results[key] = res
			e.mu.Unlock()
			slog.Info("Query result",
				"query", key,
				"count", res.Count,
				"search_active", res.SearchActive,
				"elapsed_ms", res.ElapsedMs())
		})

		e.mu.Lock()
		e.keys = append(e.keys, key)
		e.subs = append(e.subs, sub)
		e.mu.Unlock()
	}
	return errors.Join(errs...)
}

// waitFirstSync blocks until every registered query's collection finished one cycle
func (e *engine) waitFirstSync(ctx context.Context) error {
	e.mu.Lock()
	keys := append([]string(nil), e.keys...)
	e.mu.Unlock()

	for _, key := range keys {
		r, ok := e.manager.CollectionReplication(key)
		if !ok {
			continue
		}
		select {
		case <-r.FirstSync():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// result returns the latest result of the query under key
func (e *engine) result(key string) (query.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	res, ok := e.results[key]
	return res, ok
}

// Close stops the engine in dependency order. It is safe on a partially built engine.
func (e *engine) Close(ctx context.Context) error {
	e.mu.Lock()
	subs := e.subs
	e.subs = nil
	e.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}

	var errs []error
	if e.manager != nil {
		e.manager.Cancel()
	}
	if e.index != nil {
		e.index.Close()
	}
	if e.persister != nil {
		if err := e.persister.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close store: %w", err))
		}
		e.persister = nil
	}
	if e.lock != nil {
		if err := e.lock.Unlock(); err != nil {
			errs = append(errs, fmt.Errorf("failed to unlock store: %w", err))
		}
		e.lock = nil
	}
	if e.telemetry != nil {
		if err := e.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		e.telemetry = nil
	}
	return errors.Join(errs...)
}
