package status

import "time"

// SyncPhase represents the current phase of a replication endpoint
type SyncPhase string

const (
	// SyncPhaseSyncing means a fetch cycle is currently in progress
	SyncPhaseSyncing SyncPhase = "Syncing"

	// SyncPhaseComplete means the last fetch cycle completed successfully
	SyncPhaseComplete SyncPhase = "Complete"

	// SyncPhaseFailed means the last fetch cycle failed
	SyncPhaseFailed SyncPhase = "Failed"
)

// ReplicationStatus is the checkpoint of one replication endpoint
type ReplicationStatus struct {
	// Phase represents the current replication phase
	Phase SyncPhase `json:"phase"`

	// Message provides additional information about the status
	Message string `json:"message,omitempty"`

	// Collection is the local collection the endpoint feeds
	Collection string `json:"collection,omitempty"`

	// LastModified is the high-water modification cursor
	LastModified string `json:"lastModified,omitempty"`

	// LastAttempt is the timestamp of the last fetch cycle
	LastAttempt *time.Time `json:"lastAttempt,omitempty"`

	// AttemptCount is the number of failed cycles since the last success
	AttemptCount int `json:"attemptCount,omitempty"`

	// LastSyncTime is the timestamp of the last successful cycle
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`

	// DocumentCount is the number of documents written by the endpoint so far
	DocumentCount int `json:"documentCount,omitempty"`

	// SyncCompleted is set once the remote answered with an empty page
	SyncCompleted bool `json:"syncCompleted,omitempty"`

	// EngineVersion is the version of the engine that wrote the checkpoint
	EngineVersion string `json:"engineVersion,omitempty"`
}

// Begin marks the start of a fetch cycle
func (s *ReplicationStatus) Begin(now time.Time) {
	s.Phase = SyncPhaseSyncing
	s.LastAttempt = &now
	s.Message = ""
}

// Succeed records a successful cycle that wrote n documents
func (s *ReplicationStatus) Succeed(now time.Time, n int) {
	s.Phase = SyncPhaseComplete
	s.LastSyncTime = &now
	s.AttemptCount = 0
	s.DocumentCount += n
	s.Message = ""
}

// Fail records a failed cycle
func (s *ReplicationStatus) Fail(err error) {
	s.Phase = SyncPhaseFailed
	s.AttemptCount++
	if err != nil {
		s.Message = err.Error()
	}
}
