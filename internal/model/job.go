// SPDX-License-Identifier: MIT

package model

import "time"

// Job is the store's source of truth for one transcription attempt-chain.
// The ID is deterministic over (source path, size, mtime), so re-enqueueing
// the same file is a no-op.
type Job struct {
	ID          string `json:"id"`
	SourcePath  string `json:"sourcePath"`
	DisplayName string `json:"displayName"`
	SizeBytes   int64  `json:"sizeBytes"`
	MtimeUnixMs int64  `json:"mtimeUnixMs"`

	Priority Priority `json:"priority"`
	State    JobState `json:"state"`

	// Prioritized marks jobs repositioned by an explicit priority change;
	// the store keeps them in a separate waiting index.
	Prioritized bool `json:"prioritized,omitempty"`

	// DelayedUntilUnixMs is set while the job sits in DELAYED awaiting its
	// backoff re-entry.
	DelayedUntilUnixMs int64 `json:"delayedUntilUnixMs,omitempty"`

	AttemptsMade int `json:"attemptsMade"`
	MaxAttempts  int `json:"maxAttempts"`
	StallCount   int `json:"stallCount"`

	ErrorCode   ErrorCode `json:"errorCode,omitempty"`
	ErrorReason string    `json:"errorReason,omitempty"`

	Progress int `json:"progress"`

	EnqueuedAtUnixMs int64 `json:"enqueuedAtUnixMs"`
	StartedAtUnixMs  int64 `json:"startedAtUnixMs,omitempty"`
	FinishedAtUnixMs int64 `json:"finishedAtUnixMs,omitempty"`

	// Lease fields. A job is owned by at most one worker at a time.
	LockOwner           string `json:"lockOwner,omitempty"`
	LockExpiresAtUnixMs int64  `json:"lockExpiresAtUnixMs,omitempty"`

	TranscriptPath string `json:"transcriptPath,omitempty"`

	// FailedPath records where the source was parked when the job failed
	// terminally, so a retry can move it back into the inbox.
	FailedPath string `json:"failedPath,omitempty"`
}

// LeaseExpired reports whether the job's lease has lapsed at the given time.
func (j *Job) LeaseExpired(now time.Time) bool {
	return j.State == StateActive && j.LockExpiresAtUnixMs > 0 &&
		now.UnixMilli() > j.LockExpiresAtUnixMs
}

// OwnedBy reports whether owner currently holds a live lease on the job.
func (j *Job) OwnedBy(owner string, now time.Time) bool {
	return j.State == StateActive && j.LockOwner == owner && !j.LeaseExpired(now)
}

// Clone returns a deep copy. Records handed out of the store are copies so
// callers cannot mutate queue state behind its back.
func (j *Job) Clone() *Job {
	cp := *j
	return &cp
}

// HealthStatus is derived from the job record at read time. It is never
// persisted.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthStalled   HealthStatus = "stalled"
	HealthRecovered HealthStatus = "recovered"
	HealthUnknown   HealthStatus = "unknown"
)

// Health computes the job's health as a pure function of the record and the
// current time. stalledAfter is the interval after which an active job with
// no finish is considered stuck.
func (j *Job) Health(now time.Time, stalledAfter time.Duration) HealthStatus {
	switch j.State {
	case StateActive:
		if j.StartedAtUnixMs > 0 &&
			now.Sub(time.UnixMilli(j.StartedAtUnixMs)) > stalledAfter {
			return HealthStalled
		}
		return HealthHealthy
	case StateCompleted:
		// AttemptsMade counts lease grants; the first attempt is 1.
		if j.AttemptsMade > 1 {
			return HealthRecovered
		}
		return HealthHealthy
	case StateWaiting, StateDelayed:
		return HealthHealthy
	default:
		return HealthUnknown
	}
}
