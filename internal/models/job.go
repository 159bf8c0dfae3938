package models

import "time"

// Job is the in-memory state of one pipeline run. It is never persisted and
// is owned by a single orchestrator invocation.
type Job struct {
	ID               string
	VideoID          string
	RemoteMediaURL   string
	LocalStagePath   string
	RemoteArtifactID string
	Attempt          int
	StartedAt        time.Time
}
