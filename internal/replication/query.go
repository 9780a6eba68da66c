package replication

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wcpos/query/internal/otel"
	"github.com/wcpos/query/internal/status"
)

// errBusy reports a cycle dropped because another one was in flight
var errBusy = errors.New("fetch cycle already running")

// QueryReplicator pulls the documents one derived query endpoint needs. Once the
// endpoint answers with an empty page it delegates every further cycle to the
// CollectionReplicator that owns its collection.
type QueryReplicator struct {
	*state

	parent        *CollectionReplicator
	syncCompleted atomic.Bool
	stopPoll      chan struct{}
}

var _ Replicator = (*QueryReplicator)(nil)

// NewQueryReplicator creates a paused replicator for endpoint, backed by parent
func NewQueryReplicator(parent *CollectionReplicator, endpoint string, opts ...Option) (*QueryReplicator, error) {
	// Inherit the parent's wiring; explicit options still win
	inherited := []Option{
		WithSettings(parent.settings),
		WithErrorSink(parent.sink),
		WithMetrics(parent.metrics),
		WithTracer(parent.tracer),
	}
	st, err := newState(kindQuery, endpoint, parent.collection, parent.client, append(inherited, opts...))
	if err != nil {
		return nil, err
	}
	return &QueryReplicator{
		state:  st,
		parent: parent,
	}, nil
}

// CollectionReplicator returns the replicator this one delegates to
func (r *QueryReplicator) CollectionReplicator() *CollectionReplicator {
	return r.parent
}

// SyncCompleted reports whether the endpoint has been exhausted
func (r *QueryReplicator) SyncCompleted() bool {
	return r.syncCompleted.Load()
}

// Start resumes polling: one cycle now, then one per poll interval
func (r *QueryReplicator) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled || !r.paused {
		return
	}
	r.paused = false
	r.stopPoll = make(chan struct{})
	r.logger.Info("Starting query replication")
	go r.poll(r.stopPoll)
}

// Pause stops polling; an in-flight cycle completes
func (r *QueryReplicator) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled || r.paused {
		return
	}
	r.pauseLocked()
	r.logger.Info("Pausing query replication")
}

func (r *QueryReplicator) pauseLocked() {
	r.paused = true
	if r.stopPoll != nil {
		close(r.stopPoll)
		r.stopPoll = nil
	}
}

// Cancel stops the replicator for good
func (r *QueryReplicator) Cancel() {
	r.mu.Lock()
	if r.canceled {
		r.mu.Unlock()
		return
	}
	r.pauseLocked()
	r.mu.Unlock()

	if r.markCanceled() {
		r.logger.Info("Cancelled query replication")
	}
}

func (r *QueryReplicator) poll(stop <-chan struct{}) {
	ticker := time.NewTicker(r.settings.PollInterval)
	defer ticker.Stop()

	for {
		err := r.run(r.ctx)
		// A greedy query keeps pulling until its endpoint is exhausted
		for r.greedy && err == nil && !r.SyncCompleted() && !r.Paused() && r.ctx.Err() == nil {
			err = r.run(r.ctx)
		}

		select {
		case <-stop:
			return
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Run waits for the collection's first sync, then runs one fetch cycle
func (r *QueryReplicator) Run(ctx context.Context) {
	_ = r.run(ctx)
}

// NextPage forces one extra cycle, independent of the poll timer
func (r *QueryReplicator) NextPage(ctx context.Context) {
	_ = r.run(ctx)
}

func (r *QueryReplicator) run(ctx context.Context) error {
	select {
	case <-r.parent.FirstSync():
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.fetchUnsynced(ctx)
}

// FetchUnsynced runs one fetch cycle, or delegates to the CollectionReplicator once the
// endpoint is exhausted. Overlapping calls are dropped.
func (r *QueryReplicator) FetchUnsynced(ctx context.Context) {
	_ = r.fetchUnsynced(ctx)
}

func (r *QueryReplicator) fetchUnsynced(ctx context.Context) error {
	if r.SyncCompleted() {
		if r.Canceled() {
			return ErrCanceled
		}
		r.parent.FetchUnsynced(ctx)
		return nil
	}
	if !r.tryBegin() {
		return errBusy
	}
	defer r.finish()

	ctx, cancel := r.bind(ctx)
	defer cancel()

	ctx, span := otel.StartCycle(ctx, r.tracer, r.kind, r.collection.Name(), r.endpoint)

	start := time.Now()
	written, err := r.fetch(ctx, span)
	otel.Finish(span, err)
	r.metrics.RecordCycle(ctx, r.kind, r.collection.Name(), time.Since(start), err == nil)

	completed := r.SyncCompleted()
	r.checkpoint(ctx, written, err, func(st *status.ReplicationStatus) {
		st.SyncCompleted = completed
	})
	if err != nil {
		r.report(err)
		return err
	}
	r.logger.Debug("Query fetch cycle finished", "written", written, "sync_completed", completed)
	return nil
}

func (r *QueryReplicator) fetch(ctx context.Context, span trace.Span) (int, error) {
	if r.parent.Canceled() {
		return 0, ErrCanceled
	}
	unsynced, err := r.parent.UnsyncedRemoteIDs(ctx)
	if err != nil {
		return 0, err
	}
	synced, err := r.parent.SyncedRemoteIDs(ctx)
	if err != nil {
		return 0, err
	}

	strategy := ChooseStrategy(len(synced), len(unsynced), r.settings.ExcludeRatio)
	span.SetAttributes(otel.AttrStrategy.String(string(strategy)))

	params := cloneParams(r.baseParams)
	var body []byte
	switch strategy {
	case StrategyInclude:
		body, err = r.request(ctx, params, "include", unsynced)
	case StrategyExclude:
		body, err = r.request(ctx, params, "exclude", synced)
	default:
		cursor := r.parent.LastModified()
		if cursor == "" {
			// Every listed document is stored and there is no cursor to pull changes after
			r.syncCompleted.Store(true)
			r.logger.Info("Query endpoint exhausted, delegating to collection replication")
			return 0, nil
		}
		params.Set("modified_after", cursor)
		body, err = r.request(ctx, params, "", nil)
	}
	if err != nil {
		return 0, err
	}

	written, _, err := r.ingest(ctx, body)
	if err != nil {
		return 0, err
	}
	if written == 0 {
		r.syncCompleted.Store(true)
		r.logger.Info("Query endpoint exhausted, delegating to collection replication")
	}
	span.SetAttributes(otel.AttrResultCount.Int(written))
	return written, nil
}
