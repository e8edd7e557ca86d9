// SPDX-License-Identifier: MIT

// Package queue implements the durable job queue on top of badger.
//
// Layout:
//
//	job:<id>              full job record (JSON)
//	wq:<rank><ts>:<id>    waiting index, enqueue-time priority
//	pq:<rank><ts>:<id>    waiting index, repositioned via SetPriority
//	dq:<readyAt>:<id>     delayed index (backoff re-entry)
//
// Waiting jobs live in exactly one of wq/pq. Dispatch order is strict
// priority rank, then FIFO by enqueue time; LeaseNext, CountByState and
// List always consult both waiting indices.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/nbost130/transcription-palantir-sub001/internal/model"
)

var (
	// ErrLeaseLost is returned when a worker reports on a job it no
	// longer owns (lease expired, stolen or job gone).
	ErrLeaseLost = errors.New("lease lost")

	// ErrInvalidState is returned when an operation is not legal for the
	// job's current state (e.g. retrying a completed job).
	ErrInvalidState = errors.New("invalid state for operation")

	// ErrNotFound is returned when the job id is unknown.
	ErrNotFound = errors.New("job not found")
)

// Counts reports queue totals per state plus the consumption flag.
type Counts struct {
	ByState map[model.JobState]int `json:"byState"`
	Total   int                    `json:"total"`
	Paused  bool                   `json:"paused"`
}

// Store is the durable queue contract consumed by the watcher, the worker
// pool, the reconciler and the control surface.
type Store interface {
	// Enqueue inserts job in WAITING unless a job with the same id
	// already exists; the existing record is returned with created=false.
	// A terminally failed record with the same id is revived into
	// WAITING as a fresh attempt chain.
	Enqueue(ctx context.Context, job *model.Job) (rec *model.Job, created bool, err error)

	// LeaseNext claims the best waiting job for owner, marks it ACTIVE,
	// increments attempts and sets the lease expiry. Returns (nil, nil)
	// when nothing is leasable or consumption is paused.
	LeaseNext(ctx context.Context, owner string, lease time.Duration) (*model.Job, error)

	// Renew extends the lease held by owner.
	Renew(ctx context.Context, id, owner string, lease time.Duration) error

	// Complete finishes the job successfully and clears error fields.
	Complete(ctx context.Context, id, owner, transcriptPath string) error

	// Fail records the failure. Retryable errors below the attempt cap
	// schedule a delayed re-entry; everything else is terminal.
	Fail(ctx context.Context, id, owner string, code model.ErrorCode, reason string) error

	// UpdateProgress stores the coarse progress percentage for the job.
	// Only the lease owner may report progress.
	UpdateProgress(ctx context.Context, id, owner string, progress int) error

	// SetFailedPath remembers where the source was parked on failure.
	SetFailedPath(ctx context.Context, id, owner, failedPath string) error

	// DetectStalled reclaims ACTIVE jobs whose lease expired, applying
	// the stall policy. Returns the number of reclaimed jobs.
	DetectStalled(ctx context.Context) (int, error)

	// PromoteDelayed moves due DELAYED jobs back to WAITING.
	PromoteDelayed(ctx context.Context) (int, error)

	// Retry resets a terminally failed job to WAITING. It is a no-op for
	// WAITING and ACTIVE and ErrInvalidState for COMPLETED.
	Retry(ctx context.Context, id string) (*model.Job, error)

	// Requeue reinserts a DELAYED or FAILED job into the waiting index
	// immediately, skipping any remaining backoff. It is a no-op for
	// WAITING and ACTIVE (a live lease is never stripped) and
	// ErrInvalidState for COMPLETED.
	Requeue(ctx context.Context, id string) (*model.Job, error)

	// SetPriority repositions a WAITING or DELAYED job.
	SetPriority(ctx context.Context, id string, p model.Priority) (*model.Job, error)

	// Delete removes the record and its index entries. Artifact cleanup
	// is the caller's responsibility.
	Delete(ctx context.Context, id string) error

	Get(ctx context.Context, id string) (*model.Job, error)
	List(ctx context.Context, state *model.JobState, offset, limit int) (jobs []*model.Job, total int, err error)
	CountByState(ctx context.Context) (Counts, error)

	// NonTerminalSourcePaths returns source_path for every non-terminal
	// job; the reconciler matches this set against the inbox tree.
	NonTerminalSourcePaths(ctx context.Context) (map[string]string, error)

	// PruneTerminal deletes terminal jobs finished before the cutoff.
	// keep is consulted per job; returning true retains the record.
	PruneTerminal(ctx context.Context, cutoff time.Time, keep func(*model.Job) bool) (int, error)

	Pause()
	Resume()
	Paused() bool

	// Subscribe returns a lifecycle event channel and a cancel func.
	Subscribe() (<-chan Event, func())

	Close() error
}

// retryBackoff computes the delayed re-entry interval after a retryable
// failure: 50ms base doubling per attempt, capped at 2s.
func retryBackoff(attempts int) time.Duration {
	const (
		base = 50 * time.Millisecond
		cap  = 2 * time.Second
	)
	d := base
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
