package queue

import (
	"time"
)

// Type identifies the kind of work a [Job] carries. Each type has exactly
// one registered [Handler].
type Type string

const (
	// TypeTransfer downloads an album from the peer network.
	TypeTransfer Type = "transfer"
	// TypeLibraryScan diffs the upstream library against the local index.
	TypeLibraryScan Type = "library_scan"
	// TypeDuplicateScan looks for duplicate files in the local index.
	TypeDuplicateScan Type = "duplicate_scan"
	// TypeCleanup removes stale incomplete downloads.
	TypeCleanup Type = "cleanup"
)

// Status represents the lifecycle state of a [Job].
type Status string

const (
	// StatusPending indicates the job is waiting to be dispatched.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker picked the job up. Externally
	// tracked jobs stay running after their handler returns, until the
	// transfer monitor settles them.
	StatusRunning Status = "running"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job exhausted its retry budget.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled before completing.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status is final. Terminal jobs never
// transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Job is a unit of asynchronous work tracked by the [Engine]. The Engine
// owns the authoritative copy; callers only ever see snapshots.
type Job struct {
	ID         string         // Unique identifier, assigned at enqueue, never reused
	Type       Type           // Job type, determines the handler
	Payload    map[string]any // Opaque input, interpreted only by the handler
	Priority   int            // Higher values dequeue first
	Status     Status         // Current lifecycle state
	Retries    int            // Attempts already made
	MaxRetries int            // Retry budget
	Result     map[string]any // Opaque output written by handler and monitor
	Error      string         // Human-readable failure reason, set on FAILED

	// ExternalHandle references an operation the handler started on an
	// external system (a peer transfer id). Non-empty means the transfer
	// monitor, not the handler's return value, decides the terminal state.
	ExternalHandle string

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// snapshot returns a deep-enough copy for callers outside the engine lock.
// Payload and Result maps are copied one level; values are treated as
// immutable by convention.
func (j *Job) snapshot() Job {
	c := *j
	c.Payload = copyMap(j.Payload)
	c.Result = copyMap(j.Result)
	return c
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// PayloadString reads a string field from the job payload, returning ""
// when the key is absent or not a string.
func (j *Job) PayloadString(key string) string {
	if j.Payload == nil {
		return ""
	}
	if s, ok := j.Payload[key].(string); ok {
		return s
	}
	return ""
}

// ResultString reads a string field from the job result, returning ""
// when the key is absent or not a string.
func (j *Job) ResultString(key string) string {
	if j.Result == nil {
		return ""
	}
	if s, ok := j.Result[key].(string); ok {
		return s
	}
	return ""
}
