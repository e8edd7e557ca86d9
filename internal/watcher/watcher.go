// SPDX-License-Identifier: MIT

// Package watcher observes the inbox tree and submits debounced,
// deduplicated transcription jobs. Duplicate suppression is the queue's
// job (deterministic IDs); the watcher only keeps an advisory recent-set
// to avoid hammering the store while a file is still being written.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/fsutil"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
)

// recentWindow bounds the advisory dedupe set; entries older than this are
// dropped on the next sweep.
const recentWindow = 30 * time.Second

// Watcher turns inbox filesystem events into queue submissions.
type Watcher struct {
	cfg    *config.Config
	store  queue.Store
	logger zerolog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	recent map[string]time.Time

	// submitted receives each path after its enqueue attempt. Tests only.
	submitted chan string
}

func New(cfg *config.Config, store queue.Store) *Watcher {
	return &Watcher{
		cfg:    cfg,
		store:  store,
		logger: log.WithComponent("watcher"),
		timers: make(map[string]*time.Timer),
		recent: make(map[string]time.Time),
	}
}

// Run watches the inbox until ctx is cancelled. It must only be started
// after reconciliation has completed.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify.NewWatcher: %w", err)
	}
	defer func() {
		_ = fw.Close()
		w.stopTimers()
	}()

	if err := w.addRecursive(fw, w.cfg.WatchDirectory); err != nil {
		return err
	}
	w.logger.Info().Str("dir", w.cfg.WatchDirectory).Int("depth", w.cfg.ReconcileDepth).Msg("watching inbox")

	sweep := time.NewTicker(recentWindow)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sweep.C:
			w.sweepRecent()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ctx, fw, event)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("fsnotify watcher error")
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, fw *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	info, err := os.Stat(event.Name)
	if err != nil {
		return
	}

	if info.IsDir() {
		if event.Op&fsnotify.Create != 0 {
			if err := w.addRecursive(fw, event.Name); err != nil {
				w.logger.Warn().Err(err).Str("dir", event.Name).Msg("cannot watch new directory")
			}
		}
		return
	}

	if w.depthOf(event.Name) > w.cfg.ReconcileDepth {
		return
	}
	w.debounce(ctx, event.Name)
}

// debounce (re)arms the per-path quiet-period timer. The file is submitted
// only once no event has touched it for the debounce interval.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if t, ok := w.timers[path]; ok {
		t.Reset(w.cfg.DebounceInterval)
		return
	}
	w.timers[path] = time.AfterFunc(w.cfg.DebounceInterval, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()
		if ctx.Err() != nil {
			return
		}
		w.submit(ctx, path)
	})
}

// submit runs the acceptance checks and enqueues the file.
func (w *Watcher) submit(ctx context.Context, path string) {
	w.mu.Lock()
	if at, ok := w.recent[path]; ok && time.Since(at) < recentWindow {
		w.mu.Unlock()
		return
	}
	w.recent[path] = time.Now()
	w.mu.Unlock()

	defer func() {
		if w.submitted != nil {
			w.submitted <- path
		}
	}()

	info, err := os.Stat(path)
	if err != nil {
		return // deleted between debounce and submit
	}
	if err := w.accept(info, path); err != nil {
		w.logger.Debug().Str("path", path).Err(err).Msg("rejected inbox file")
		return
	}

	path = fsutil.EnsureSafeName(path)
	info, err = os.Stat(path)
	if err != nil {
		return
	}

	job := &model.Job{
		ID:          fsutil.JobID(path, info.Size(), info.ModTime().UnixMilli()),
		SourcePath:  path,
		DisplayName: filepath.Base(path),
		SizeBytes:   info.Size(),
		MtimeUnixMs: info.ModTime().UnixMilli(),
		Priority:    model.PriorityNormal,
		MaxAttempts: w.cfg.MaxAttempts,
	}

	rec, created, err := w.store.Enqueue(ctx, job)
	if err != nil {
		w.logger.Error().Str("path", path).Err(err).Msg("enqueue failed")
		return
	}
	if created {
		w.logger.Info().Str("job_id", rec.ID).Str("path", path).Int64("size", info.Size()).Msg("job enqueued")
	} else {
		w.logger.Debug().Str("job_id", rec.ID).Str("path", path).Msg("already enqueued")
	}
}

// accept enforces the ingest policy: regular file, whitelisted extension,
// size within bounds.
func (w *Watcher) accept(info os.FileInfo, path string) error {
	if !info.Mode().IsRegular() {
		return fmt.Errorf("not a regular file")
	}
	ext := filepath.Ext(path)
	if !w.cfg.AcceptsExtension(ext) {
		return fmt.Errorf("extension %q not allowed", ext)
	}
	if info.Size() < w.cfg.MinFileSize {
		return fmt.Errorf("size %d below minimum %d", info.Size(), w.cfg.MinFileSize)
	}
	if w.cfg.MaxFileSize > 0 && info.Size() > w.cfg.MaxFileSize {
		return fmt.Errorf("size %d above maximum %d", info.Size(), w.cfg.MaxFileSize)
	}
	return nil
}

// addRecursive watches root and every subdirectory within the depth bound.
func (w *Watcher) addRecursive(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if w.depthOf(path) >= w.cfg.ReconcileDepth {
			return filepath.SkipDir
		}
		if err := fw.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// depthOf returns the path's depth below the inbox root; a file directly
// in the root has depth 1.
func (w *Watcher) depthOf(path string) int {
	rel, err := filepath.Rel(w.cfg.WatchDirectory, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) sweepRecent() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, at := range w.recent {
		if time.Since(at) >= recentWindow {
			delete(w.recent, path)
		}
	}
}
