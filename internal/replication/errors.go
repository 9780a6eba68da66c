package replication

import (
	"errors"
	"fmt"
)

// Operation names carried by Error
const (
	OpAudit  = "audit"
	OpFetch  = "fetch"
	OpParse  = "parse"
	OpRefs   = "refs"
	OpUpsert = "upsert"
	OpRemove = "remove"
)

var (
	// ErrNotList is returned when the remote answers with something other than a JSON array
	ErrNotList = errors.New("remote response is not a list")

	// ErrCanceled is returned when a fetch cycle finishes after its replicator was cancelled
	ErrCanceled = errors.New("replicator canceled")
)

// Error is a failed step of a fetch cycle
type Error struct {
	Endpoint string
	Op       string
	Err      error
}

// Error returns the error message
func (e *Error) Error() string {
	return fmt.Sprintf("replication %s for endpoint %q: %v", e.Op, e.Endpoint, e.Err)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}
