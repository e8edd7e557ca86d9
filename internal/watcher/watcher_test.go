// SPDX-License-Identifier: MIT

package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/fsutil"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
)

func newTestWatcher(t *testing.T) (*Watcher, *config.Config, queue.Store) {
	t.Helper()

	cfg := config.Default()
	cfg.WatchDirectory = t.TempDir()
	cfg.OutputDirectory = t.TempDir()
	cfg.CompletedDirectory = t.TempDir()
	cfg.FailedDirectory = t.TempDir()
	cfg.DataDirectory = t.TempDir()
	cfg.DebounceInterval = 50 * time.Millisecond
	cfg.MinFileSize = 4
	cfg.MaxFileSize = 1 << 20
	cfg.ReconcileDepth = 3

	st, err := queue.Open("", queue.Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	w := New(cfg, st)
	w.submitted = make(chan string, 16)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give fsnotify a beat to install the watches.
	time.Sleep(50 * time.Millisecond)
	return w, cfg, st
}

func awaitSubmission(t *testing.T, w *Watcher) string {
	t.Helper()
	select {
	case path := <-w.submitted:
		return path
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for submission")
		return ""
	}
}

func TestWatcherEnqueuesNewFile(t *testing.T) {
	w, cfg, st := newTestWatcher(t)

	path := filepath.Join(cfg.WatchDirectory, "meeting.mp3")
	require.NoError(t, os.WriteFile(path, []byte("audio-bytes"), 0o600))

	awaitSubmission(t, w)

	info, err := os.Stat(path)
	require.NoError(t, err)
	wantID := fsutil.JobID(path, info.Size(), info.ModTime().UnixMilli())

	j, err := st.Get(context.Background(), wantID)
	require.NoError(t, err)
	require.Equal(t, model.StateWaiting, j.State)
	require.Equal(t, path, j.SourcePath)
	require.Equal(t, "meeting.mp3", j.DisplayName)
}

func TestWatcherSanitizesUnsafeNames(t *testing.T) {
	w, cfg, st := newTestWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDirectory, "my call (v2).mp3"), []byte("audio-bytes"), 0o600))

	submitted := awaitSubmission(t, w)
	require.Equal(t, filepath.Join(cfg.WatchDirectory, "my call (v2).mp3"), submitted)

	want := filepath.Join(cfg.WatchDirectory, "my_call__v2_.mp3")
	_, err := os.Stat(want)
	require.NoError(t, err)

	counts, err := st.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.ByState[model.StateWaiting])

	jobs, _, err := st.List(context.Background(), nil, 0, 10)
	require.NoError(t, err)
	require.Equal(t, want, jobs[0].SourcePath)
}

func TestWatcherRejectsDisallowedFiles(t *testing.T) {
	w, cfg, st := newTestWatcher(t)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDirectory, "notes.txt"), []byte("plain text"), 0o600))
	awaitSubmission(t, w)

	require.NoError(t, os.WriteFile(filepath.Join(cfg.WatchDirectory, "tiny.mp3"), []byte("x"), 0o600))
	awaitSubmission(t, w)

	counts, err := st.CountByState(context.Background())
	require.NoError(t, err)
	require.Zero(t, counts.Total)
}

func TestWatcherFollowsNewSubdirectories(t *testing.T) {
	w, cfg, st := newTestWatcher(t)

	sub := filepath.Join(cfg.WatchDirectory, "2026", "aug")
	require.NoError(t, os.MkdirAll(sub, 0o750))
	// Allow the create events to register the new watches.
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(sub, "standup.mp3"), []byte("audio-bytes"), 0o600))
	awaitSubmission(t, w)

	counts, err := st.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.ByState[model.StateWaiting])
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	w, cfg, st := newTestWatcher(t)

	path := filepath.Join(cfg.WatchDirectory, "long-recording.mp3")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600) // #nosec G304
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		_, err = f.Write([]byte("chunk-"))
		require.NoError(t, err)
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, f.Close())

	awaitSubmission(t, w)

	counts, err := st.CountByState(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, counts.Total)
}

func TestDepthOf(t *testing.T) {
	w, cfg, _ := newTestWatcher(t)

	require.Equal(t, 0, w.depthOf(cfg.WatchDirectory))
	require.Equal(t, 1, w.depthOf(filepath.Join(cfg.WatchDirectory, "a.mp3")))
	require.Equal(t, 3, w.depthOf(filepath.Join(cfg.WatchDirectory, "x", "y", "a.mp3")))
}
