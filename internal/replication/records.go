package replication

import (
	"context"
	"encoding/json"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/wcpos/query/internal/store"
)

// refWorkers bounds concurrent reference resolution within one batch
const refWorkers = 4

// parseList splits a response body into its records
func parseList(body []byte) ([]gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return nil, ErrNotList
	}
	parsed := gjson.ParseBytes(body)
	if !parsed.IsArray() {
		return nil, ErrNotList
	}
	return parsed.Array(), nil
}

// ingest parses a page of remote records, resolves their references and bulk-upserts
// them. It returns the number of documents written and the highest modification
// cursor among them.
func (s *state) ingest(ctx context.Context, body []byte) (int, string, error) {
	records, err := parseList(body)
	if err != nil {
		return 0, "", s.opError(OpParse, err)
	}
	if len(records) == 0 {
		return 0, "", nil
	}

	docs := make([]store.Document, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(refWorkers)
	for i, rec := range records {
		g.Go(func() error {
			doc, err := s.collection.ParseRestResponse(json.RawMessage(rec.Raw))
			if err != nil {
				return s.opError(OpParse, err)
			}
			if err := s.collection.UpsertRefs(gctx, &doc); err != nil {
				return s.opError(OpRefs, err)
			}
			docs[i] = doc
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, "", err
	}

	// In-flight results of a cancelled replicator are discarded
	if s.Canceled() {
		return 0, "", ErrCanceled
	}
	if err := s.collection.BulkUpsert(ctx, docs); err != nil {
		return 0, "", s.opError(OpUpsert, err)
	}

	modifiedField := s.collection.Schema().ModifiedField
	cursor := ""
	for _, doc := range docs {
		if m := doc.Get(modifiedField).String(); laterThan(m, cursor) {
			cursor = m
		}
	}
	s.metrics.RecordDocuments(ctx, s.collection.Name(), int64(len(docs)))
	return len(docs), cursor, nil
}
