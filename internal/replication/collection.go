package replication

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/wcpos/query/internal/httpclient"
	"github.com/wcpos/query/internal/observable"
	"github.com/wcpos/query/internal/otel"
	"github.com/wcpos/query/internal/status"
	"github.com/wcpos/query/internal/store"
	"github.com/wcpos/query/internal/versions"
)

// RemoteRecord is one entry of the remote ID listing
type RemoteRecord struct {
	ID       string
	Modified string
}

// CollectionReplicator converges a whole local collection with its remote endpoint
type CollectionReplicator struct {
	*state

	firstSync     chan struct{}
	firstSyncOnce sync.Once

	cursorMu     sync.Mutex
	lastModified string
	remote       []RemoteRecord
	remoteLoaded bool

	kick       chan struct{}
	loopOnce   sync.Once
	removeHook observable.Subscription
}

var _ Replicator = (*CollectionReplicator)(nil)

// NewCollectionReplicator creates a paused replicator for coll. When status persistence
// is configured the saved cursor is restored, so a restarted process resumes with
// incremental pulls.
func NewCollectionReplicator(
	ctx context.Context,
	coll store.Collection,
	client httpclient.Client,
	endpoint string,
	opts ...Option,
) (*CollectionReplicator, error) {
	st, err := newState(kindCollection, endpoint, coll, client, opts)
	if err != nil {
		return nil, err
	}
	r := &CollectionReplicator{
		state:     st,
		firstSync: make(chan struct{}),
		kick:      make(chan struct{}, 1),
	}

	if r.persistence != nil {
		saved, err := r.persistence.LoadStatus(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to load status for %q: %w", endpoint, err)
		}
		if !versions.CheckpointUsable(saved.EngineVersion, versions.Version) {
			r.logger.Warn("Ignoring checkpoint written by a newer engine",
				"written_by", saved.EngineVersion, "running", versions.Version)
			saved = &status.ReplicationStatus{}
		}
		saved.Collection = coll.Name()
		r.status = *saved
		r.lastModified = saved.LastModified
		if r.lastModified != "" {
			r.logger.Info("Resuming replication from saved cursor", "last_modified", r.lastModified)
		}
	}

	r.removeHook = coll.OnRemove(r.onCollectionRemoved)
	return r, nil
}

// FirstSync is closed once the first fetch cycle has finished, whether it succeeded or not
func (r *CollectionReplicator) FirstSync() <-chan struct{} {
	return r.firstSync
}

// LastModified returns the modification cursor
func (r *CollectionReplicator) LastModified() string {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	return r.lastModified
}

// advance moves the cursor forward; it never moves back
func (r *CollectionReplicator) advance(cursor string) bool {
	r.cursorMu.Lock()
	defer r.cursorMu.Unlock()
	if !laterThan(cursor, r.lastModified) {
		return false
	}
	r.lastModified = cursor
	return true
}

// Start begins or resumes polling
func (r *CollectionReplicator) Start() {
	r.mu.Lock()
	if r.canceled || !r.paused {
		r.mu.Unlock()
		return
	}
	r.paused = false
	r.mu.Unlock()

	r.logger.Info("Starting collection replication")
	launched := false
	r.loopOnce.Do(func() {
		launched = true
		go r.loop()
	})
	if !launched {
		r.trigger()
	}
}

// Pause stops polling after the in-flight cycle
func (r *CollectionReplicator) Pause() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled || r.paused {
		return
	}
	r.paused = true
	r.logger.Info("Pausing collection replication")
}

// Cancel stops the replicator and releases waiters on FirstSync
func (r *CollectionReplicator) Cancel() {
	if !r.markCanceled() {
		return
	}
	r.removeHook.Unsubscribe()
	r.resolveFirstSync()
	r.logger.Info("Cancelled collection replication")
}

// trigger schedules a cycle without waiting for the poll interval
func (r *CollectionReplicator) trigger() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *CollectionReplicator) resolveFirstSync() {
	r.firstSyncOnce.Do(func() {
		close(r.firstSync)
	})
}

func (r *CollectionReplicator) onCollectionRemoved() {
	r.logger.Info("Collection removed, cancelling replication")
	r.cursorMu.Lock()
	r.lastModified = ""
	r.remote = nil
	r.remoteLoaded = false
	r.cursorMu.Unlock()
	if r.persistence != nil {
		if err := r.persistence.DeleteStatus(context.Background(), r.endpoint); err != nil {
			r.logger.Warn("Failed to reset replication status", "error", err)
		}
	}
	r.Cancel()
}

func (r *CollectionReplicator) loop() {
	for {
		if r.Paused() {
			select {
			case <-r.ctx.Done():
				return
			case <-r.kick:
				continue
			}
		}

		more := r.cycle(r.ctx)
		if r.ctx.Err() != nil {
			return
		}
		if more {
			continue
		}

		timer := time.NewTimer(r.settings.CollectionPollInterval)
		select {
		case <-r.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-r.kick:
			timer.Stop()
		}
	}
}

// FetchUnsynced runs one fetch cycle. It is a no-op while another cycle runs or after Cancel.
func (r *CollectionReplicator) FetchUnsynced(ctx context.Context) {
	r.cycle(ctx)
}

// cycle runs one fetch cycle and reports whether more pages are waiting
func (r *CollectionReplicator) cycle(ctx context.Context) bool {
	if !r.tryBegin() {
		return false
	}
	defer r.finish()
	defer r.resolveFirstSync()

	ctx, cancel := r.bind(ctx)
	defer cancel()

	ctx, span := otel.StartCycle(ctx, r.tracer, r.kind, r.collection.Name(), r.endpoint)

	start := time.Now()
	more, written, err := r.fetch(ctx, span)
	otel.Finish(span, err)
	r.metrics.RecordCycle(ctx, r.kind, r.collection.Name(), time.Since(start), err == nil)

	cursor := r.LastModified()
	r.checkpoint(ctx, written, err, func(st *status.ReplicationStatus) {
		st.LastModified = cursor
	})
	if err != nil {
		r.report(err)
		return false
	}
	r.logger.Debug("Collection fetch cycle finished", "written", written, "more", more, "last_modified", cursor)
	return more
}

func (r *CollectionReplicator) fetch(ctx context.Context, span trace.Span) (bool, int, error) {
	remote, err := r.Audit(ctx)
	if err != nil {
		return false, 0, err
	}
	local, localCursor, err := r.localIndex(ctx)
	if err != nil {
		return false, 0, err
	}
	// Documents already stored but never checkpointed still tell us how far we got
	r.advance(localCursor)

	if r.removeStale {
		if err := r.removeStaleDocuments(ctx, remote, local); err != nil {
			return false, 0, err
		}
	}

	unsynced := unsyncedIDs(remote, local)
	r.metrics.RecordUnsynced(ctx, r.collection.Name(), int64(len(unsynced)))

	params := cloneParams(r.baseParams)
	setInt(params, "per_page", r.settings.BatchSize)

	var (
		body []byte
		more bool
	)
	if len(unsynced) > 0 {
		batch := unsynced
		if len(batch) > r.settings.BatchSize {
			batch = batch[:r.settings.BatchSize]
		}
		more = len(unsynced) > len(batch)
		span.SetAttributes(otel.AttrStrategy.String(string(StrategyInclude)))
		body, err = r.request(ctx, params, "include", batch)
	} else {
		cursor := r.LastModified()
		if cursor == "" {
			return false, 0, nil
		}
		span.SetAttributes(otel.AttrStrategy.String(string(StrategyCursor)))
		params.Set("modified_after", cursor)
		body, err = r.request(ctx, params, "", nil)
	}
	if err != nil {
		return false, 0, err
	}

	written, cursor, err := r.ingest(ctx, body)
	if err != nil {
		return false, 0, err
	}
	r.advance(cursor)
	if len(unsynced) == 0 {
		// A full page of changes means another one may follow
		more = written >= r.settings.BatchSize
	}
	span.SetAttributes(otel.AttrResultCount.Int(written))
	return more, written, nil
}

// Audit fetches the authoritative remote ID listing and caches it
func (r *CollectionReplicator) Audit(ctx context.Context) ([]RemoteRecord, error) {
	schema := r.collection.Schema()
	params := cloneParams(r.baseParams)
	params.Set("fields", schema.RemoteIDField+","+schema.ModifiedField)
	params.Set("posts_per_page", "-1")

	body, err := r.client.Get(ctx, r.url(), params)
	if err != nil {
		return nil, r.opError(OpAudit, err)
	}
	records, err := parseList(body)
	if err != nil {
		return nil, r.opError(OpAudit, err)
	}

	remote := make([]RemoteRecord, 0, len(records))
	for _, rec := range records {
		id := rec.Get(schema.RemoteIDField).String()
		if id == "" {
			continue
		}
		remote = append(remote, RemoteRecord{ID: id, Modified: rec.Get(schema.ModifiedField).String()})
	}

	r.cursorMu.Lock()
	r.remote = remote
	r.remoteLoaded = true
	r.cursorMu.Unlock()

	return append([]RemoteRecord(nil), remote...), nil
}

// remoteListing returns the cached listing, auditing first if there is none
func (r *CollectionReplicator) remoteListing(ctx context.Context) ([]RemoteRecord, error) {
	r.cursorMu.Lock()
	if r.remoteLoaded {
		remote := append([]RemoteRecord(nil), r.remote...)
		r.cursorMu.Unlock()
		return remote, nil
	}
	r.cursorMu.Unlock()
	return r.Audit(ctx)
}

// UnsyncedRemoteIDs returns the remote IDs that are not stored locally, in remote order
func (r *CollectionReplicator) UnsyncedRemoteIDs(ctx context.Context) ([]string, error) {
	remote, err := r.remoteListing(ctx)
	if err != nil {
		return nil, err
	}
	local, _, err := r.localIndex(ctx)
	if err != nil {
		return nil, err
	}
	return unsyncedIDs(remote, local), nil
}

// SyncedRemoteIDs returns the remote IDs that are stored locally, in remote order
func (r *CollectionReplicator) SyncedRemoteIDs(ctx context.Context) ([]string, error) {
	remote, err := r.remoteListing(ctx)
	if err != nil {
		return nil, err
	}
	local, _, err := r.localIndex(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(remote))
	for _, rec := range remote {
		if _, ok := local[rec.ID]; ok {
			out = append(out, rec.ID)
		}
	}
	return out, nil
}

// localIndex maps the remote ID of every stored document to its primary key and
// returns the highest stored modification cursor
func (r *CollectionReplicator) localIndex(ctx context.Context) (map[string]string, string, error) {
	docs, err := r.collection.Find(ctx, nil)
	if err != nil {
		return nil, "", r.opError(OpAudit, err)
	}
	schema := r.collection.Schema()
	index := make(map[string]string, len(docs))
	cursor := ""
	for _, doc := range docs {
		if id := doc.Get(schema.RemoteIDField).String(); id != "" {
			index[id] = doc.Get(schema.PrimaryKey).String()
		}
		if m := doc.Get(schema.ModifiedField).String(); laterThan(m, cursor) {
			cursor = m
		}
	}
	return index, cursor, nil
}

func (r *CollectionReplicator) removeStaleDocuments(ctx context.Context, remote []RemoteRecord, local map[string]string) error {
	listed := make(map[string]struct{}, len(remote))
	for _, rec := range remote {
		listed[rec.ID] = struct{}{}
	}
	var stale []string
	for remoteID, key := range local {
		if _, ok := listed[remoteID]; !ok {
			stale = append(stale, key)
			delete(local, remoteID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	r.logger.Info("Removing documents no longer listed by the remote", "count", len(stale))
	if err := r.collection.BulkRemove(ctx, stale); err != nil {
		return r.opError(OpRemove, err)
	}
	return nil
}

func unsyncedIDs(remote []RemoteRecord, local map[string]string) []string {
	out := make([]string, 0, len(remote))
	for _, rec := range remote {
		if _, ok := local[rec.ID]; !ok {
			out = append(out, rec.ID)
		}
	}
	return out
}
