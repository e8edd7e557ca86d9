// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/metrics"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
)

const (
	prefixJob     = "job:"
	prefixWait    = "wq:"
	prefixPrio    = "pq:"
	prefixDelayed = "dq:"
)

// Options tunes the queue's retry and stall policy.
type Options struct {
	MaxAttempts     int
	MaxStalledCount int

	// InMemory opens badger without disk persistence. Tests only.
	InMemory bool
}

// Badger is the badger-backed Store implementation. All mutating
// operations are serialized by an internal mutex; badger transactions give
// atomicity, the mutex gives the per-job ordering the contract requires.
type Badger struct {
	db  *badger.DB
	bus *eventBus
	opt Options

	mu     sync.Mutex
	paused atomic.Bool

	nowFn func() time.Time
}

// Open opens (or creates) the queue store at path.
func Open(path string, opt Options) (*Badger, error) {
	if opt.MaxAttempts < 1 {
		opt.MaxAttempts = 3
	}
	if opt.MaxStalledCount < 1 {
		opt.MaxStalledCount = 2
	}

	bopts := badger.DefaultOptions(path).WithLogger(nil)
	if opt.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	return &Badger{
		db:    db,
		bus:   newEventBus(),
		opt:   opt,
		nowFn: time.Now,
	}, nil
}

func (b *Badger) Close() error {
	b.bus.close()
	return b.db.Close()
}

func (b *Badger) Pause()       { b.paused.Store(true) }
func (b *Badger) Resume()      { b.paused.Store(false) }
func (b *Badger) Paused() bool { return b.paused.Load() }

func (b *Badger) Subscribe() (<-chan Event, func()) { return b.bus.subscribe() }

// --- keys ---

func jobKey(id string) []byte { return []byte(prefixJob + id) }

// waitSortKey orders waiting jobs: priority rank first, enqueue time second.
func waitSortKey(rank int, tsMs int64) string {
	return fmt.Sprintf("%d%020d", rank, tsMs)
}

func waitKey(prefix string, j *model.Job) []byte {
	return []byte(prefix + waitSortKey(j.Priority.Rank(), j.EnqueuedAtUnixMs) + ":" + j.ID)
}

func delayedKey(j *model.Job) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", prefixDelayed, j.DelayedUntilUnixMs, j.ID))
}

func waitIndexKey(j *model.Job) []byte {
	if j.Prioritized {
		return waitKey(prefixPrio, j)
	}
	return waitKey(prefixWait, j)
}

// transition moves j to target after validating the lifecycle matrix. A
// rejected transition means a caller bug or a corrupt record; it surfaces
// as ErrInvalidState and aborts the enclosing update.
func transition(j *model.Job, target model.JobState) error {
	if !j.State.CanTransitionTo(target) {
		return fmt.Errorf("job %s: %s -> %s: %w", j.ID, j.State, target, ErrInvalidState)
	}
	j.State = target
	return nil
}

// --- record plumbing ---

func getJob(txn *badger.Txn, id string) (*model.Job, error) {
	item, err := txn.Get(jobKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var j model.Job
	if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &j) }); err != nil {
		return nil, err
	}
	return &j, nil
}

func putJob(txn *badger.Txn, j *model.Job) error {
	buf, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return txn.Set(jobKey(j.ID), buf)
}

// --- operations ---

func (b *Badger) Enqueue(ctx context.Context, job *model.Job) (*model.Job, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	var (
		out     *model.Job
		created bool
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := getJob(txn, job.ID)
		switch {
		case err == nil && !existing.State.IsTerminal():
			out = existing
			return nil
		case err == nil && existing.State == model.StateCompleted:
			// Deterministic identity: a completed job whose source was
			// re-detected (e.g. the post-transcription move failed) is a
			// no-op, not a new job.
			out = existing
			return nil
		case err == nil && existing.State == model.StateFailed:
			// Revive a dead attempt chain under the same identity.
			rec := existing.Clone()
			if err := transition(rec, model.StateWaiting); err != nil {
				return err
			}
			rec.AttemptsMade = 0
			rec.StallCount = 0
			rec.Progress = 0
			rec.ErrorCode = model.ErrNone
			rec.ErrorReason = ""
			rec.EnqueuedAtUnixMs = now.UnixMilli()
			rec.StartedAtUnixMs = 0
			rec.FinishedAtUnixMs = 0
			rec.LockOwner = ""
			rec.LockExpiresAtUnixMs = 0
			if err := putJob(txn, rec); err != nil {
				return err
			}
			if err := txn.Set(waitIndexKey(rec), nil); err != nil {
				return err
			}
			out = rec
			created = true
			return nil
		case errors.Is(err, ErrNotFound):
			rec := job.Clone()
			rec.State = model.StateWaiting
			if !rec.Priority.IsValid() {
				rec.Priority = model.PriorityNormal
			}
			if rec.MaxAttempts < 1 {
				rec.MaxAttempts = b.opt.MaxAttempts
			}
			rec.EnqueuedAtUnixMs = now.UnixMilli()
			if err := putJob(txn, rec); err != nil {
				return err
			}
			if err := txn.Set(waitIndexKey(rec), nil); err != nil {
				return err
			}
			out = rec
			created = true
			return nil
		default:
			return err
		}
	})
	if err != nil {
		return nil, false, err
	}
	if created {
		metrics.JobsEnqueuedTotal.Inc()
		b.bus.publish(Event{Type: EventEnqueued, JobID: out.ID, State: out.State})
	}
	return out.Clone(), created, nil
}

// LeaseNext consults both waiting indices and claims the entry with the
// lowest (rank, enqueue time) composite key.
func (b *Badger) LeaseNext(ctx context.Context, owner string, lease time.Duration) (*model.Job, error) {
	if b.Paused() {
		return nil, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	var out *model.Job
	err := b.db.Update(func(txn *badger.Txn) error {
		indexKey, id, ok := firstWaiting(txn)
		if !ok {
			return nil
		}
		j, err := getJob(txn, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				// Orphaned index entry; drop it and report empty, the
				// next poll will see whatever is behind it.
				return txn.Delete(indexKey)
			}
			return err
		}
		if j.State != model.StateWaiting {
			return txn.Delete(indexKey)
		}

		if err := txn.Delete(indexKey); err != nil {
			return err
		}
		if err := transition(j, model.StateActive); err != nil {
			return err
		}
		j.AttemptsMade++
		j.Progress = 0
		j.LockOwner = owner
		j.LockExpiresAtUnixMs = now.Add(lease).UnixMilli()
		j.StartedAtUnixMs = now.UnixMilli()
		if err := putJob(txn, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil || out == nil {
		return nil, err
	}
	b.bus.publish(Event{Type: EventActive, JobID: out.ID, State: out.State})
	return out.Clone(), nil
}

// firstWaiting returns the index key and job id of the best waiting entry
// across the prioritized and unprioritized indices.
func firstWaiting(txn *badger.Txn) (key []byte, id string, ok bool) {
	best := ""
	for _, prefix := range []string{prefixWait, prefixPrio} {
		k, sortPart, found := firstWithPrefix(txn, prefix)
		if !found {
			continue
		}
		if best == "" || sortPart < best {
			best = sortPart
			key = k
		}
	}
	if key == nil {
		return nil, "", false
	}
	raw := string(key)
	idx := strings.LastIndexByte(raw, ':')
	return key, raw[idx+1:], true
}

func firstWithPrefix(txn *badger.Txn, prefix string) (key []byte, sortPart string, ok bool) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	p := []byte(prefix)
	it.Seek(p)
	if !it.ValidForPrefix(p) {
		return nil, "", false
	}
	k := it.Item().KeyCopy(nil)
	raw := string(k[len(prefix):])
	idx := strings.LastIndexByte(raw, ':')
	if idx < 0 {
		return nil, "", false
	}
	return k, raw[:idx], true
}

// withOwnedJob loads the job and verifies the caller still owns its lease.
func (b *Badger) withOwnedJob(txn *badger.Txn, id, owner string, now time.Time) (*model.Job, error) {
	j, err := getJob(txn, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrLeaseLost
		}
		return nil, err
	}
	if !j.OwnedBy(owner, now) {
		return nil, ErrLeaseLost
	}
	return j, nil
}

func (b *Badger) Renew(ctx context.Context, id, owner string, lease time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	return b.db.Update(func(txn *badger.Txn) error {
		j, err := b.withOwnedJob(txn, id, owner, now)
		if err != nil {
			return err
		}
		j.LockExpiresAtUnixMs = now.Add(lease).UnixMilli()
		return putJob(txn, j)
	})
}

func (b *Badger) UpdateProgress(ctx context.Context, id, owner string, progress int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	return b.db.Update(func(txn *badger.Txn) error {
		j, err := b.withOwnedJob(txn, id, owner, now)
		if err != nil {
			return err
		}
		j.Progress = progress
		return putJob(txn, j)
	})
}

func (b *Badger) SetFailedPath(ctx context.Context, id, owner, failedPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	return b.db.Update(func(txn *badger.Txn) error {
		j, err := b.withOwnedJob(txn, id, owner, now)
		if err != nil {
			return err
		}
		j.FailedPath = failedPath
		return putJob(txn, j)
	})
}

func (b *Badger) Complete(ctx context.Context, id, owner, transcriptPath string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	err := b.db.Update(func(txn *badger.Txn) error {
		j, err := b.withOwnedJob(txn, id, owner, now)
		if err != nil {
			return err
		}
		if err := transition(j, model.StateCompleted); err != nil {
			return err
		}
		j.Progress = 100
		j.TranscriptPath = transcriptPath
		j.ErrorCode = model.ErrNone
		j.ErrorReason = ""
		j.FinishedAtUnixMs = now.UnixMilli()
		j.LockOwner = ""
		j.LockExpiresAtUnixMs = 0
		return putJob(txn, j)
	})
	if err != nil {
		return err
	}
	metrics.JobsCompletedTotal.Inc()
	b.bus.publish(Event{Type: EventCompleted, JobID: id, State: model.StateCompleted})
	return nil
}

func (b *Badger) Fail(ctx context.Context, id, owner string, code model.ErrorCode, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	var terminal bool
	err := b.db.Update(func(txn *badger.Txn) error {
		j, err := b.withOwnedJob(txn, id, owner, now)
		if err != nil {
			return err
		}
		terminal, err = b.failLocked(txn, j, code, reason, now)
		if err != nil {
			return err
		}
		return putJob(txn, j)
	})
	if err != nil {
		return err
	}
	if terminal {
		metrics.JobsFailedTotal.WithLabelValues(string(code)).Inc()
	} else {
		metrics.JobsRetriedTotal.Inc()
	}
	b.bus.publish(Event{Type: EventFailed, JobID: id, State: stateAfterFailure(terminal)})
	return nil
}

func stateAfterFailure(terminal bool) model.JobState {
	if terminal {
		return model.StateFailed
	}
	return model.StateDelayed
}

// failLocked applies the shared retry-vs-terminal policy and index
// bookkeeping. The caller persists the record. Returns true when terminal.
func (b *Badger) failLocked(txn *badger.Txn, j *model.Job, code model.ErrorCode, reason string, now time.Time) (bool, error) {
	j.ErrorCode = code
	j.ErrorReason = reason
	j.LockOwner = ""
	j.LockExpiresAtUnixMs = 0

	if code.Retryable() && j.AttemptsMade < j.MaxAttempts {
		if err := transition(j, model.StateDelayed); err != nil {
			return false, err
		}
		j.DelayedUntilUnixMs = now.Add(retryBackoff(j.AttemptsMade)).UnixMilli()
		if err := txn.Set(delayedKey(j), nil); err != nil {
			return false, err
		}
		return false, nil
	}
	if err := transition(j, model.StateFailed); err != nil {
		return false, err
	}
	j.FinishedAtUnixMs = now.UnixMilli()
	return true, nil
}

// DetectStalled reclaims every ACTIVE job whose lease has expired. A job
// below the stall and attempt caps returns to WAITING; otherwise it fails
// terminally with ERR_JOB_STALLED.
func (b *Badger) DetectStalled(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	type outcome struct {
		id       string
		terminal bool
	}
	var reclaimed []outcome

	err := b.db.Update(func(txn *badger.Txn) error {
		stale, err := collectJobs(txn, func(j *model.Job) bool { return j.LeaseExpired(now) })
		if err != nil {
			return err
		}
		for _, j := range stale {
			j.LockOwner = ""
			j.LockExpiresAtUnixMs = 0
			terminal := j.AttemptsMade >= j.MaxAttempts || j.StallCount >= b.opt.MaxStalledCount
			if terminal {
				if err := transition(j, model.StateFailed); err != nil {
					return err
				}
				j.ErrorCode = model.ErrJobStalled
				j.ErrorReason = fmt.Sprintf("lease expired after %d attempts, %d stalls", j.AttemptsMade, j.StallCount)
				j.FinishedAtUnixMs = now.UnixMilli()
			} else {
				j.StallCount++
				if err := transition(j, model.StateWaiting); err != nil {
					return err
				}
				if err := txn.Set(waitIndexKey(j), nil); err != nil {
					return err
				}
			}
			if err := putJob(txn, j); err != nil {
				return err
			}
			reclaimed = append(reclaimed, outcome{id: j.ID, terminal: terminal})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	for _, o := range reclaimed {
		metrics.JobsStalledTotal.Inc()
		healLogger := log.SelfHeal("queue")
		healLogger.Warn().
			Str("job_id", o.id).
			Bool("terminal", o.terminal).
			Msg(log.SelfHealPrefix + "reclaimed stalled job")
		b.bus.publish(Event{Type: EventStalled, JobID: o.id, State: stalledState(o.terminal)})
	}
	return len(reclaimed), nil
}

func stalledState(terminal bool) model.JobState {
	if terminal {
		return model.StateFailed
	}
	return model.StateWaiting
}

// PromoteDelayed moves every due DELAYED job back into its waiting index.
func (b *Badger) PromoteDelayed(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	var promoted []string
	err := b.db.Update(func(txn *badger.Txn) error {
		due, err := collectJobs(txn, func(j *model.Job) bool {
			return j.State == model.StateDelayed && j.DelayedUntilUnixMs <= now.UnixMilli()
		})
		if err != nil {
			return err
		}
		for _, j := range due {
			if err := txn.Delete(delayedKey(j)); err != nil {
				return err
			}
			if err := transition(j, model.StateWaiting); err != nil {
				return err
			}
			j.DelayedUntilUnixMs = 0
			if err := txn.Set(waitIndexKey(j), nil); err != nil {
				return err
			}
			if err := putJob(txn, j); err != nil {
				return err
			}
			promoted = append(promoted, j.ID)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	for _, id := range promoted {
		b.bus.publish(Event{Type: EventEnqueued, JobID: id, State: model.StateWaiting})
	}
	return len(promoted), nil
}

func (b *Badger) Retry(ctx context.Context, id string) (*model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	var (
		out     *model.Job
		requeue bool
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		switch j.State {
		case model.StateWaiting, model.StateActive, model.StateDelayed:
			out = j
			return nil
		case model.StateCompleted:
			return fmt.Errorf("retry %s: %w", id, ErrInvalidState)
		case model.StateFailed:
			if err := transition(j, model.StateWaiting); err != nil {
				return err
			}
			j.ErrorCode = model.ErrNone
			j.ErrorReason = ""
			j.StallCount = 0
			j.Progress = 0
			j.FinishedAtUnixMs = 0
			j.FailedPath = ""
			j.EnqueuedAtUnixMs = now.UnixMilli()
			if err := txn.Set(waitIndexKey(j), nil); err != nil {
				return err
			}
			if err := putJob(txn, j); err != nil {
				return err
			}
			out = j
			requeue = true
			return nil
		default:
			return fmt.Errorf("retry %s: %w", id, ErrInvalidState)
		}
	})
	if err != nil {
		return nil, err
	}
	if requeue {
		b.bus.publish(Event{Type: EventEnqueued, JobID: id, State: model.StateWaiting})
	}
	return out.Clone(), nil
}

// Requeue is the reactive path: it actively reinserts a delayed or failed
// job into the waiting index, skipping any remaining backoff. Waiting and
// active jobs are returned unchanged; a live lease is never stripped, so a
// job is only ever processed by one worker at a time.
func (b *Badger) Requeue(ctx context.Context, id string) (*model.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.nowFn()
	var (
		out      *model.Job
		requeued bool
	)
	err := b.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		switch j.State {
		case model.StateCompleted:
			return fmt.Errorf("requeue %s: %w", id, ErrInvalidState)
		case model.StateWaiting, model.StateActive:
			out = j
			return nil
		case model.StateDelayed:
			if err := txn.Delete(delayedKey(j)); err != nil {
				return err
			}
			j.DelayedUntilUnixMs = 0
		}
		if err := transition(j, model.StateWaiting); err != nil {
			return err
		}
		j.ErrorCode = model.ErrNone
		j.ErrorReason = ""
		j.StallCount = 0
		j.Progress = 0
		j.FailedPath = ""
		j.FinishedAtUnixMs = 0
		j.EnqueuedAtUnixMs = now.UnixMilli()
		if err := txn.Set(waitIndexKey(j), nil); err != nil {
			return err
		}
		if err := putJob(txn, j); err != nil {
			return err
		}
		out = j
		requeued = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if requeued {
		b.bus.publish(Event{Type: EventEnqueued, JobID: id, State: model.StateWaiting})
	}
	return out.Clone(), nil
}

func (b *Badger) SetPriority(ctx context.Context, id string, p model.Priority) (*model.Job, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("set priority: invalid priority %q", p)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var out *model.Job
	err := b.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		switch j.State {
		case model.StateWaiting:
			// Remove from whichever index holds the job, then reinsert
			// into the prioritized index under the new rank.
			if err := txn.Delete(waitIndexKey(j)); err != nil {
				return err
			}
			j.Priority = p
			j.Prioritized = true
			if err := txn.Set(waitIndexKey(j), nil); err != nil {
				return err
			}
		case model.StateDelayed:
			j.Priority = p
			j.Prioritized = true
		default:
			return fmt.Errorf("set priority %s: %w", id, ErrInvalidState)
		}
		if err := putJob(txn, j); err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (b *Badger) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.db.Update(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		switch j.State {
		case model.StateWaiting:
			if err := txn.Delete(waitIndexKey(j)); err != nil {
				return err
			}
		case model.StateDelayed:
			if err := txn.Delete(delayedKey(j)); err != nil {
				return err
			}
		}
		return txn.Delete(jobKey(id))
	})
}

func (b *Badger) Get(ctx context.Context, id string) (*model.Job, error) {
	var out *model.Job
	err := b.db.View(func(txn *badger.Txn) error {
		j, err := getJob(txn, id)
		if err != nil {
			return err
		}
		out = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// List pages over job records ordered by enqueue time. Totals always match
// CountByState for the same filter; the waiting partition across wq/pq is
// invisible here by construction (records, not indices, are scanned).
func (b *Badger) List(ctx context.Context, state *model.JobState, offset, limit int) ([]*model.Job, int, error) {
	var all []*model.Job
	err := b.db.View(func(txn *badger.Txn) error {
		jobs, err := collectJobs(txn, func(j *model.Job) bool {
			return state == nil || j.State == *state
		})
		if err != nil {
			return err
		}
		all = jobs
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sort.Slice(all, func(i, k int) bool {
		if all[i].EnqueuedAtUnixMs != all[k].EnqueuedAtUnixMs {
			return all[i].EnqueuedAtUnixMs < all[k].EnqueuedAtUnixMs
		}
		return all[i].ID < all[k].ID
	})

	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total, nil
}

func (b *Badger) CountByState(ctx context.Context) (Counts, error) {
	counts := Counts{ByState: make(map[model.JobState]int), Paused: b.Paused()}
	err := b.db.View(func(txn *badger.Txn) error {
		return scanJobs(txn, func(j *model.Job) error {
			counts.ByState[j.State]++
			counts.Total++
			return nil
		})
	})
	if err != nil {
		return Counts{}, err
	}
	for _, s := range model.AllJobStates() {
		metrics.QueueDepth.WithLabelValues(string(s)).Set(float64(counts.ByState[s]))
	}
	return counts, nil
}

func (b *Badger) NonTerminalSourcePaths(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	err := b.db.View(func(txn *badger.Txn) error {
		return scanJobs(txn, func(j *model.Job) error {
			if !j.State.IsTerminal() {
				out[j.SourcePath] = j.ID
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *Badger) PruneTerminal(ctx context.Context, cutoff time.Time, keep func(*model.Job) bool) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pruned := 0
	err := b.db.Update(func(txn *badger.Txn) error {
		victims, err := collectJobs(txn, func(j *model.Job) bool {
			if !j.State.IsTerminal() || j.FinishedAtUnixMs == 0 {
				return false
			}
			if time.UnixMilli(j.FinishedAtUnixMs).After(cutoff) {
				return false
			}
			return keep == nil || !keep(j)
		})
		if err != nil {
			return err
		}
		for _, j := range victims {
			if err := txn.Delete(jobKey(j.ID)); err != nil {
				return err
			}
			pruned++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

// --- scanning helpers ---

func scanJobs(txn *badger.Txn, fn func(*model.Job) error) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	prefix := []byte(prefixJob)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var j model.Job
		if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &j) }); err != nil {
			logger := log.L()
			logger.Warn().Str("key", string(it.Item().Key())).Err(err).Msg("skipping unreadable job record")
			continue
		}
		if err := fn(&j); err != nil {
			return err
		}
	}
	return nil
}

func collectJobs(txn *badger.Txn, match func(*model.Job) bool) ([]*model.Job, error) {
	var out []*model.Job
	err := scanJobs(txn, func(j *model.Job) error {
		if match(j) {
			out = append(out, j.Clone())
		}
		return nil
	})
	return out, err
}

var _ Store = (*Badger)(nil)
