// Package status provides replication checkpoint tracking and persistence so cursors
// survive process restarts.
package status

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

const (
	// checkpointExt is the extension of every checkpoint file
	checkpointExt = ".json"

	// maxFileName keeps checkpoint names within common file system limits
	maxFileName = 255

	// hashedPrefix marks a file named after the digest of an overlong endpoint
	hashedPrefix = "sha256-"
)

// Persistence stores one checkpoint per replication endpoint
type Persistence interface {
	// SaveStatus replaces the checkpoint of endpoint
	SaveStatus(ctx context.Context, endpoint string, status *ReplicationStatus) error

	// LoadStatus returns the checkpoint of endpoint, or an empty one if none was saved
	LoadStatus(ctx context.Context, endpoint string) (*ReplicationStatus, error)

	// LoadAllStatus returns every readable checkpoint keyed by endpoint
	LoadAllStatus(ctx context.Context) (map[string]*ReplicationStatus, error)

	// DeleteStatus forgets the checkpoint of endpoint. Deleting a missing one is not an error.
	DeleteStatus(ctx context.Context, endpoint string) error
}

// FilePersistence keeps checkpoints as JSON files in one directory. Endpoints carry
// slashes and query strings, so each is path-escaped into a single file name. An
// endpoint too long to escape within the file name limit is named by its SHA-256
// digest instead. Every file records its endpoint.
type FilePersistence struct {
	dir string
}

var _ Persistence = (*FilePersistence)(nil)

// NewFileStatusPersistence returns a Persistence writing under dir, which is created on
// first save
func NewFileStatusPersistence(dir string) *FilePersistence {
	return &FilePersistence{dir: dir}
}

// checkpointFile is the on-disk form of a checkpoint
type checkpointFile struct {
	Endpoint string `json:"endpoint,omitempty"`
	*ReplicationStatus
}

func (f *FilePersistence) path(endpoint string) string {
	name := url.PathEscape(endpoint)
	if len(name)+len(checkpointExt) > maxFileName {
		sum := sha256.Sum256([]byte(endpoint))
		name = hashedPrefix + hex.EncodeToString(sum[:])
	}
	return filepath.Join(f.dir, name+checkpointExt)
}

// read decodes the checkpoint at path and the endpoint recorded in it
func read(path string) (string, *ReplicationStatus, error) {
	// #nosec G304 -- the file name is an escaped or hashed endpoint inside dir
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, err
	}
	file := checkpointFile{ReplicationStatus: &ReplicationStatus{}}
	if err := json.Unmarshal(data, &file); err != nil {
		return "", nil, fmt.Errorf("failed to parse checkpoint: %w", err)
	}
	return file.Endpoint, file.ReplicationStatus, nil
}

// SaveStatus writes the checkpoint through a temporary file and a rename, so readers
// never see a partial file
func (f *FilePersistence) SaveStatus(_ context.Context, endpoint string, status *ReplicationStatus) error {
	data, err := json.MarshalIndent(checkpointFile{Endpoint: endpoint, ReplicationStatus: status}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint of %q: %w", endpoint, err)
	}
	if err := os.MkdirAll(f.dir, 0750); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(f.dir, ".checkpoint-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint of %q: %w", endpoint, err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write checkpoint of %q: %w", endpoint, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write checkpoint of %q: %w", endpoint, err)
	}
	if err := os.Rename(tmp.Name(), f.path(endpoint)); err != nil {
		return fmt.Errorf("failed to replace checkpoint of %q: %w", endpoint, err)
	}
	return nil
}

// LoadStatus reads the checkpoint of endpoint
func (f *FilePersistence) LoadStatus(_ context.Context, endpoint string) (*ReplicationStatus, error) {
	_, status, err := read(f.path(endpoint))
	if errors.Is(err, fs.ErrNotExist) {
		return &ReplicationStatus{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint of %q: %w", endpoint, err)
	}
	return status, nil
}

// LoadAllStatus reads every checkpoint in the directory. Unreadable files are logged
// and skipped.
func (f *FilePersistence) LoadAllStatus(_ context.Context) (map[string]*ReplicationStatus, error) {
	result := make(map[string]*ReplicationStatus)

	entries, err := os.ReadDir(f.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}

	for _, entry := range entries {
		name, ok := strings.CutSuffix(entry.Name(), checkpointExt)
		if entry.IsDir() || !ok {
			continue
		}
		endpoint, status, err := read(filepath.Join(f.dir, entry.Name()))
		if err != nil {
			slog.Warn("Skipping unreadable checkpoint", "file", entry.Name(), "error", err)
			continue
		}
		if endpoint == "" {
			// Written before files recorded their endpoint
			if endpoint, err = url.PathUnescape(name); err != nil {
				continue
			}
		}
		result[endpoint] = status
	}
	return result, nil
}

// DeleteStatus removes the checkpoint file of endpoint
func (f *FilePersistence) DeleteStatus(_ context.Context, endpoint string) error {
	err := os.Remove(f.path(endpoint))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to delete checkpoint of %q: %w", endpoint, err)
	}
	return nil
}

// DeleteCollectionStatus removes every checkpoint recorded for collection, whichever
// endpoint wrote it
func DeleteCollectionStatus(ctx context.Context, p Persistence, collection string) error {
	all, err := p.LoadAllStatus(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for endpoint, st := range all {
		if st.Collection != collection {
			continue
		}
		if err := p.DeleteStatus(ctx, endpoint); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
