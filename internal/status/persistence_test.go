package status

import (
	"context"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEndpoint = "products?orderby=name&per_page=10"

func TestFilePersistence_SaveAndLoad(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	persistence := NewFileStatusPersistence(dir)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	saved := &ReplicationStatus{
		Phase:         SyncPhaseComplete,
		Collection:    "products",
		LastModified:  "2024-03-01T10:00:00",
		LastAttempt:   &now,
		LastSyncTime:  &now,
		DocumentCount: 5,
		SyncCompleted: true,
		EngineVersion: "1.2.0",
	}
	require.NoError(t, persistence.SaveStatus(ctx, testEndpoint, saved))
	assert.FileExists(t, filepath.Join(dir, url.PathEscape(testEndpoint)+checkpointExt))

	loaded, err := persistence.LoadStatus(ctx, testEndpoint)
	require.NoError(t, err)
	assert.Equal(t, saved, loaded)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary file may remain")
}

func TestFilePersistence_Overwrite(t *testing.T) {
	t.Parallel()

	persistence := NewFileStatusPersistence(t.TempDir())
	ctx := context.Background()

	require.NoError(t, persistence.SaveStatus(ctx, testEndpoint, &ReplicationStatus{Phase: SyncPhaseSyncing}))
	require.NoError(t, persistence.SaveStatus(ctx, testEndpoint, &ReplicationStatus{
		Phase:         SyncPhaseComplete,
		LastModified:  "2024-03-02T00:00:00",
		DocumentCount: 10,
	}))

	loaded, err := persistence.LoadStatus(ctx, testEndpoint)
	require.NoError(t, err)
	assert.Equal(t, SyncPhaseComplete, loaded.Phase)
	assert.Equal(t, "2024-03-02T00:00:00", loaded.LastModified)
	assert.Equal(t, 10, loaded.DocumentCount)
}

func TestFilePersistence_LoadStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    *ReplicationStatus
		wantErr string
	}{
		{name: "missing file is a first run", want: &ReplicationStatus{}},
		{name: "corrupt file", content: "{invalid json}", wantErr: "failed to parse checkpoint"},
		{
			name:    "valid file",
			content: `{"phase":"Failed","attemptCount":2,"message":"HTTP 502"}`,
			want:    &ReplicationStatus{Phase: SyncPhaseFailed, AttemptCount: 2, Message: "HTTP 502"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			persistence := NewFileStatusPersistence(t.TempDir())
			if tt.content != "" {
				require.NoError(t, os.WriteFile(persistence.path("products"), []byte(tt.content), 0600))
			}

			loaded, err := persistence.LoadStatus(context.Background(), "products")
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, loaded)
		})
	}
}

func TestFilePersistence_LoadAllStatus(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	persistence := NewFileStatusPersistence(dir)
	ctx := context.Background()

	statuses := map[string]*ReplicationStatus{
		"products":                 {Phase: SyncPhaseComplete, DocumentCount: 5},
		"products?search=milk":     {Phase: SyncPhaseSyncing},
		"customers/roles?role=all": {Phase: SyncPhaseFailed, AttemptCount: 3},
	}
	for endpoint, st := range statuses {
		require.NoError(t, persistence.SaveStatus(ctx, endpoint, st))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "orders.json"), []byte("{invalid json}"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("not a checkpoint"), 0600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0750))

	result, err := persistence.LoadAllStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, statuses, result)
}

func TestFilePersistence_LoadAllStatus_MissingDirectory(t *testing.T) {
	t.Parallel()

	persistence := NewFileStatusPersistence(filepath.Join(t.TempDir(), "missing"))
	result, err := persistence.LoadAllStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, result)
}

func TestFilePersistence_DeleteStatus(t *testing.T) {
	t.Parallel()

	persistence := NewFileStatusPersistence(t.TempDir())
	ctx := context.Background()

	require.NoError(t, persistence.SaveStatus(ctx, testEndpoint, &ReplicationStatus{LastModified: "2024-01-01T00:00:00"}))
	require.NoError(t, persistence.DeleteStatus(ctx, testEndpoint))
	require.NoError(t, persistence.DeleteStatus(ctx, testEndpoint), "deleting twice is fine")

	loaded, err := persistence.LoadStatus(ctx, testEndpoint)
	require.NoError(t, err)
	assert.Empty(t, loaded.LastModified)
}

func TestFilePersistence_LongEndpoint(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	persistence := NewFileStatusPersistence(dir)
	ctx := context.Background()

	endpoint := "products?search=" + strings.Repeat("très long ", 40)
	require.NoError(t, persistence.SaveStatus(ctx, endpoint, &ReplicationStatus{
		Collection:   "products",
		LastModified: "2024-01-01T00:00:00",
	}))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), hashedPrefix))
	assert.LessOrEqual(t, len(entries[0].Name()), maxFileName)

	loaded, err := persistence.LoadStatus(ctx, endpoint)
	require.NoError(t, err)
	assert.Equal(t, "2024-01-01T00:00:00", loaded.LastModified)

	all, err := persistence.LoadAllStatus(ctx)
	require.NoError(t, err)
	assert.Contains(t, all, endpoint)

	require.NoError(t, persistence.DeleteStatus(ctx, endpoint))
	entries, err = os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDeleteCollectionStatus(t *testing.T) {
	t.Parallel()

	persistence := NewFileStatusPersistence(t.TempDir())
	ctx := context.Background()

	for endpoint, collection := range map[string]string{
		"products":                  "products",
		"products?search=milk":      "products",
		"products?status=publish":   "products",
		"products/variations":       "variations",
		"products/variations?q=red": "variations",
	} {
		require.NoError(t, persistence.SaveStatus(ctx, endpoint, &ReplicationStatus{Collection: collection}))
	}

	require.NoError(t, DeleteCollectionStatus(ctx, persistence, "products"))

	all, err := persistence.LoadAllStatus(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Contains(t, all, "products/variations")
	assert.Contains(t, all, "products/variations?q=red")
}

func TestReplicationStatus_Transitions(t *testing.T) {
	t.Parallel()

	var st ReplicationStatus
	now := time.Now()

	st.Begin(now)
	assert.Equal(t, SyncPhaseSyncing, st.Phase)
	assert.Equal(t, &now, st.LastAttempt)

	st.Fail(errors.New("HTTP 502"))
	st.Fail(errors.New("HTTP 502"))
	assert.Equal(t, SyncPhaseFailed, st.Phase)
	assert.Equal(t, 2, st.AttemptCount)
	assert.Equal(t, "HTTP 502", st.Message)

	st.Succeed(now, 4)
	st.Succeed(now, 3)
	assert.Equal(t, SyncPhaseComplete, st.Phase)
	assert.Zero(t, st.AttemptCount)
	assert.Empty(t, st.Message)
	assert.Equal(t, 7, st.DocumentCount)
}
