// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbost130/transcription-palantir-sub001/internal/model"
)

func newTestStore(t *testing.T) *Badger {
	t.Helper()
	st, err := Open("", Options{MaxAttempts: 3, MaxStalledCount: 2, InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

// fixClock pins the store's clock to a controllable instant.
func fixClock(st *Badger, start time.Time) *time.Time {
	now := start
	st.nowFn = func() time.Time { return now }
	return &now
}

func newJob(id, path string) *model.Job {
	return &model.Job{
		ID:          id,
		SourcePath:  path,
		DisplayName: "rec.mp3",
		SizeBytes:   1024,
		MtimeUnixMs: 1700000000000,
		Priority:    model.PriorityNormal,
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	first, created, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.StateWaiting, first.State)
	require.Equal(t, 3, first.MaxAttempts)

	dup := newJob("j1", "/in/a.mp3")
	dup.SizeBytes = 9999
	second, created, err := st.Enqueue(ctx, dup)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.SizeBytes, second.SizeBytes)

	counts, err := st.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)
}

func TestEnqueueRevivesTerminallyFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	j, err := st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NoError(t, st.Fail(ctx, "j1", "w1", model.ErrFileNotFound, "gone"))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, got.State)

	revived, created, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, model.StateWaiting, revived.State)
	require.Zero(t, revived.AttemptsMade)
	require.Equal(t, model.ErrNone, revived.ErrorCode)
}

func TestLeaseOrderIsPriorityThenFIFO(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := fixClock(st, time.UnixMilli(1_000_000))

	_, _, err := st.Enqueue(ctx, newJob("old-normal", "/in/a.mp3"))
	require.NoError(t, err)

	*now = now.Add(time.Second)
	_, _, err = st.Enqueue(ctx, newJob("new-normal", "/in/b.mp3"))
	require.NoError(t, err)

	*now = now.Add(time.Second)
	_, _, err = st.Enqueue(ctx, newJob("bumped", "/in/c.mp3"))
	require.NoError(t, err)

	// Repositioning moves the newest job into the prioritized index; it
	// must still beat everything of lower rank in the plain index.
	_, err = st.SetPriority(ctx, "bumped", model.PriorityUrgent)
	require.NoError(t, err)

	var order []string
	for {
		j, err := st.LeaseNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if j == nil {
			break
		}
		order = append(order, j.ID)
	}
	require.Equal(t, []string{"bumped", "old-normal", "new-normal"}, order)
}

func TestLeaseNextEmptyAndPaused(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	j, err := st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, j)

	_, _, err = st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)

	st.Pause()
	j, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, j)

	st.Resume()
	j, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, model.StateActive, j.State)
	require.Equal(t, 1, j.AttemptsMade)
}

func TestLeaseOwnershipGuards(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := fixClock(st, time.UnixMilli(1_000_000))

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)

	require.ErrorIs(t, st.Renew(ctx, "j1", "w2", time.Minute), ErrLeaseLost)
	require.ErrorIs(t, st.Complete(ctx, "j1", "w2", "/out/a.txt"), ErrLeaseLost)
	require.ErrorIs(t, st.UpdateProgress(ctx, "j1", "w2", 50), ErrLeaseLost)

	require.NoError(t, st.UpdateProgress(ctx, "j1", "w1", 50))
	require.NoError(t, st.Renew(ctx, "j1", "w1", time.Minute))

	// Once the lease lapses even the original owner is locked out.
	*now = now.Add(2 * time.Minute)
	require.ErrorIs(t, st.Complete(ctx, "j1", "w1", "/out/a.txt"), ErrLeaseLost)
	require.ErrorIs(t, st.Fail(ctx, "j1", "w1", model.ErrWhisperCrash, "boom"), ErrLeaseLost)
}

func TestCompleteClearsErrorFields(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, "j1", "w1", "/out/a.txt"))

	j, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateCompleted, j.State)
	require.Equal(t, 100, j.Progress)
	require.Equal(t, "/out/a.txt", j.TranscriptPath)
	require.Empty(t, j.LockOwner)
	require.NotZero(t, j.FinishedAtUnixMs)
}

func TestRetryableFailureDelaysThenPromotes(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := fixClock(st, time.UnixMilli(1_000_000))

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Fail(ctx, "j1", "w1", model.ErrWhisperCrash, "exit 1"))

	j, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateDelayed, j.State)
	require.Equal(t, model.ErrWhisperCrash, j.ErrorCode)

	// Not due yet.
	n, err := st.PromoteDelayed(ctx)
	require.NoError(t, err)
	require.Zero(t, n)

	*now = now.Add(time.Second)
	n, err = st.PromoteDelayed(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	j, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, 2, j.AttemptsMade)
}

func TestNonRetryableFailureIsTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Fail(ctx, "j1", "w1", model.ErrFileTooLarge, "600MB"))

	j, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, j.State)
	require.Equal(t, 1, j.AttemptsMade)
}

func TestFailureAtAttemptCapIsTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := fixClock(st, time.UnixMilli(1_000_000))

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		j, err := st.LeaseNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		require.NotNil(t, j)
		require.Equal(t, attempt, j.AttemptsMade)
		require.NoError(t, st.Fail(ctx, "j1", "w1", model.ErrWhisperCrash, "exit 1"))
		*now = now.Add(3 * time.Second)
		_, err = st.PromoteDelayed(ctx)
		require.NoError(t, err)
	}

	j, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, j.State)
	require.Equal(t, 3, j.AttemptsMade)
}

func TestDetectStalledRequeuesThenFailsTerminally(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := fixClock(st, time.UnixMilli(1_000_000))

	job := newJob("j1", "/in/a.mp3")
	job.MaxAttempts = 10
	_, _, err := st.Enqueue(ctx, job)
	require.NoError(t, err)

	stallOnce := func() {
		t.Helper()
		j, err := st.LeaseNext(ctx, "w1", 30*time.Second)
		require.NoError(t, err)
		require.NotNil(t, j)
		*now = now.Add(time.Minute)
		n, err := st.DetectStalled(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	stallOnce()
	j, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)
	require.Equal(t, 1, j.StallCount)
	require.Empty(t, j.LockOwner)

	stallOnce()
	j, err = st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)
	require.Equal(t, 2, j.StallCount)

	// Third stall breaches max_stalled_count.
	stallOnce()
	j, err = st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateFailed, j.State)
	require.Equal(t, model.ErrJobStalled, j.ErrorCode)
}

func TestDetectStalledIgnoresLiveLeases(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Hour)
	require.NoError(t, err)

	n, err := st.DetectStalled(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestRetryMatrix(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	// Unknown id.
	_, err := st.Retry(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)

	// Waiting: no-op.
	_, _, err = st.Enqueue(ctx, newJob("waiting", "/in/w.mp3"))
	require.NoError(t, err)
	j, err := st.Retry(ctx, "waiting")
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)

	// Completed: invalid.
	_, _, err = st.Enqueue(ctx, newJob("done", "/in/d.mp3"))
	require.NoError(t, err)
	for {
		leased, err := st.LeaseNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if leased == nil {
			break
		}
		if leased.ID == "done" {
			require.NoError(t, st.Complete(ctx, "done", "w1", "/out/d.txt"))
		} else {
			require.NoError(t, st.Fail(ctx, leased.ID, "w1", model.ErrFileNotFound, "gone"))
		}
	}
	_, err = st.Retry(ctx, "done")
	require.ErrorIs(t, err, ErrInvalidState)

	// Failed: back to waiting with a clean slate.
	_, _, err = st.Enqueue(ctx, newJob("failed", "/in/f.mp3"))
	require.NoError(t, err)
	leased, err := st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "failed", leased.ID)
	require.NoError(t, st.Fail(ctx, "failed", "w1", model.ErrFileNotFound, "gone"))

	j, err = st.Retry(ctx, "failed")
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)
	require.Equal(t, model.ErrNone, j.ErrorCode)
	require.Zero(t, j.StallCount)
	// Attempts are monotonic across the record's life.
	require.Equal(t, 1, j.AttemptsMade)

	leased, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "failed", leased.ID)
}

func TestRequeueLeavesActiveLeaseIntact(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Hour)
	require.NoError(t, err)

	j, err := st.Requeue(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateActive, j.State)
	require.Equal(t, "w1", j.LockOwner)

	// No second worker can grab the job while the lease is live.
	leased, err := st.LeaseNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.Nil(t, leased)

	// The lease holder still reports normally.
	require.NoError(t, st.Complete(ctx, "j1", "w1", "/out/a.txt"))
}

func TestRequeueSkipsDelayedBackoff(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Fail(ctx, "j1", "w1", model.ErrWhisperCrash, "exit 1"))

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateDelayed, got.State)

	// Reinsertion is immediate; no PromoteDelayed pass needed.
	j, err := st.Requeue(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)
	require.Zero(t, j.DelayedUntilUnixMs)

	leased, err := st.LeaseNext(ctx, "w2", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.Equal(t, "j1", leased.ID)
	require.Equal(t, 2, leased.AttemptsMade)
}

func TestRequeueRevivesFailed(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Fail(ctx, "j1", "w1", model.ErrFileNotFound, "gone"))

	j, err := st.Requeue(ctx, "j1")
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)
	require.Equal(t, model.ErrNone, j.ErrorCode)
	require.Empty(t, j.FailedPath)
}

func TestRequeueCompletedIsInvalid(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.NoError(t, st.Complete(ctx, "j1", "w1", "/out/a.txt"))

	_, err = st.Requeue(ctx, "j1")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestSetPriorityStates(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, err := st.SetPriority(ctx, "j1", model.Priority("extreme"))
	require.Error(t, err)

	_, _, err = st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	j, err := st.SetPriority(ctx, "j1", model.PriorityHigh)
	require.NoError(t, err)
	require.Equal(t, model.PriorityHigh, j.Priority)

	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	_, err = st.SetPriority(ctx, "j1", model.PriorityLow)
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestCountsMatchList(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, _, err := st.Enqueue(ctx, newJob(id, "/in/"+id+".mp3"))
		require.NoError(t, err)
	}
	_, err := st.SetPriority(ctx, "c", model.PriorityUrgent)
	require.NoError(t, err)
	_, err = st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)

	counts, err := st.CountByState(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, counts.Total)
	require.Equal(t, 2, counts.ByState[model.StateWaiting])
	require.Equal(t, 1, counts.ByState[model.StateActive])

	// The wq/pq split must be invisible to listing.
	waiting := model.StateWaiting
	jobs, total, err := st.List(ctx, &waiting, 0, 10)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, jobs, 2)

	jobs, total, err = st.List(ctx, nil, 0, 2)
	require.NoError(t, err)
	require.Equal(t, 3, total)
	require.Len(t, jobs, 2)
}

func TestDeleteRemovesIndexEntry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("j1", "/in/a.mp3"))
	require.NoError(t, err)
	require.NoError(t, st.Delete(ctx, "j1"))
	require.NoError(t, st.Delete(ctx, "j1")) // idempotent

	_, err = st.Get(ctx, "j1")
	require.ErrorIs(t, err, ErrNotFound)

	j, err := st.LeaseNext(ctx, "w1", time.Minute)
	require.NoError(t, err)
	require.Nil(t, j)
}

func TestPruneTerminal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := fixClock(st, time.UnixMilli(1_000_000))

	for _, id := range []string{"keep", "prune"} {
		_, _, err := st.Enqueue(ctx, newJob(id, "/in/"+id+".mp3"))
		require.NoError(t, err)
	}
	for {
		j, err := st.LeaseNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if j == nil {
			break
		}
		require.NoError(t, st.Complete(ctx, j.ID, "w1", "/out/"+j.ID+".txt"))
	}

	cutoff := now.Add(time.Hour)
	pruned, err := st.PruneTerminal(ctx, cutoff, func(j *model.Job) bool {
		return j.ID == "keep"
	})
	require.NoError(t, err)
	require.Equal(t, 1, pruned)

	_, err = st.Get(ctx, "prune")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.Get(ctx, "keep")
	require.NoError(t, err)
}

func TestNonTerminalSourcePaths(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	_, _, err := st.Enqueue(ctx, newJob("live", "/in/live.mp3"))
	require.NoError(t, err)
	_, _, err = st.Enqueue(ctx, newJob("done", "/in/done.mp3"))
	require.NoError(t, err)

	for {
		j, err := st.LeaseNext(ctx, "w1", time.Minute)
		require.NoError(t, err)
		if j == nil {
			break
		}
		if j.ID == "done" {
			require.NoError(t, st.Complete(ctx, "done", "w1", "/out/done.txt"))
		}
		// "live" keeps its lease; active jobs are still non-terminal.
	}

	paths, err := st.NonTerminalSourcePaths(ctx)
	require.NoError(t, err)
	require.Equal(t, map[string]string{"/in/live.mp3": "live"}, paths)
}

func TestRetryBackoffDoublesAndCaps(t *testing.T) {
	require.Equal(t, 50*time.Millisecond, retryBackoff(1))
	require.Equal(t, 100*time.Millisecond, retryBackoff(2))
	require.Equal(t, 200*time.Millisecond, retryBackoff(3))
	require.Equal(t, 2*time.Second, retryBackoff(20))
}
