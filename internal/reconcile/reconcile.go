// SPDX-License-Identifier: MIT

// Package reconcile re-derives queue state from the inbox tree. After a
// pass, every candidate file in the inbox has a non-terminal job; partial
// transcript artifacts of adopted files are removed first.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/fsutil"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/metrics"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
)

// ErrInProgress is returned when a pass is requested while another one is
// still running. Callers report it; they do not queue behind it.
var ErrInProgress = errors.New("reconciliation already in progress")

// partialExtensions are the transcript artifacts deleted before adopting an
// orphaned source file.
var partialExtensions = []string{".txt", ".vtt", ".json"}

const reportFile = "last_reconcile.json"

// Engine runs reconciliation passes. Only one pass is in flight at a time.
type Engine struct {
	cfg    *config.Config
	store  queue.Store
	logger zerolog.Logger

	running atomic.Bool
}

func New(cfg *config.Config, store queue.Store) *Engine {
	return &Engine{cfg: cfg, store: store, logger: log.WithComponent("reconcile")}
}

// Run executes one pass and returns its report. A concurrent invocation
// returns ErrInProgress immediately.
func (e *Engine) Run(ctx context.Context) (*model.ReconcileReport, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrInProgress
	}
	defer e.running.Store(false)

	start := time.Now()
	report := &model.ReconcileReport{}

	known, err := e.store.NonTerminalSourcePaths(ctx)
	if err != nil {
		return nil, err
	}

	files, err := e.candidates()
	if err != nil {
		return nil, err
	}
	report.FilesScanned = len(files)

	for _, path := range files {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if id, ok := known[path]; ok {
			e.logger.Debug().Str("job_id", id).Str("path", path).Msg("file already tracked")
			report.JobsReconciled++
			continue
		}
		deleted := e.deletePartialArtifacts(path)
		report.PartialFilesDeleted += deleted

		created, err := e.adopt(ctx, path)
		if err != nil {
			e.logger.Error().Str("path", path).Err(err).Msg("adoption failed")
			continue
		}
		if created {
			report.JobsCreated++
		} else {
			// A sanitization rename can land the file on a path the
			// queue already tracks.
			report.JobsReconciled++
		}
	}

	// Non-terminal jobs whose source is gone are left untouched: a worker
	// may be mid-move, and terminal policy owns true orphans.

	report.DurationMs = time.Since(start).Milliseconds()
	metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	metrics.ReconcileAdoptedTotal.Add(float64(report.JobsCreated))

	e.persist(report)
	e.logger.Info().
		Int("files_scanned", report.FilesScanned).
		Int("jobs_created", report.JobsCreated).
		Int("partial_files_deleted", report.PartialFilesDeleted).
		Int("jobs_reconciled", report.JobsReconciled).
		Int64("duration_ms", report.DurationMs).
		Msg("reconciliation complete")
	return report, nil
}

// candidates walks the inbox tree up to the configured depth and returns
// every file with an allowed extension.
func (e *Engine) candidates() ([]string, error) {
	var out []string
	root := e.cfg.WatchDirectory
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		depth := pathDepth(root, path)
		if d.IsDir() {
			if depth >= e.cfg.ReconcileDepth {
				return filepath.SkipDir
			}
			return nil
		}
		if depth > e.cfg.ReconcileDepth {
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if !e.cfg.AcceptsExtension(filepath.Ext(path)) {
			return nil
		}
		out = append(out, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// adopt sanitizes and enqueues one orphaned file.
func (e *Engine) adopt(ctx context.Context, path string) (bool, error) {
	path = fsutil.EnsureSafeName(path)
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}

	job := &model.Job{
		ID:          fsutil.JobID(path, info.Size(), info.ModTime().UnixMilli()),
		SourcePath:  path,
		DisplayName: filepath.Base(path),
		SizeBytes:   info.Size(),
		MtimeUnixMs: info.ModTime().UnixMilli(),
		Priority:    model.PriorityNormal,
		MaxAttempts: e.cfg.MaxAttempts,
	}
	rec, created, err := e.store.Enqueue(ctx, job)
	if err != nil {
		return false, err
	}
	if created {
		healLogger := log.SelfHeal("reconcile")
		healLogger.Warn().
			Str("job_id", rec.ID).
			Str("path", path).
			Msg(log.SelfHealPrefix + "adopted orphaned inbox file")
	}
	return created, nil
}

// deletePartialArtifacts removes leftover transcript outputs for the file,
// preserving the inbox-relative directory in the output tree.
func (e *Engine) deletePartialArtifacts(sourcePath string) int {
	rel, err := fsutil.RelativeTo(e.cfg.WatchDirectory, sourcePath)
	if err != nil {
		return 0
	}
	base := strings.TrimSuffix(rel, filepath.Ext(rel))

	deleted := 0
	for _, ext := range partialExtensions {
		artifact := filepath.Join(e.cfg.OutputDirectory, base+ext)
		err := os.Remove(artifact)
		switch {
		case err == nil:
			deleted++
			healLogger := log.SelfHeal("reconcile")
			healLogger.Warn().
				Str("path", artifact).
				Msg(log.SelfHealPrefix + "deleted partial transcript artifact")
		case errors.Is(err, os.ErrNotExist):
		default:
			e.logger.Warn().Str("path", artifact).Err(err).Msg("cannot delete partial artifact")
		}
	}
	return deleted
}

// persist writes the report next to the queue data for post-mortems and
// the stats endpoint. Best-effort.
func (e *Engine) persist(report *model.ReconcileReport) {
	buf, err := json.Marshal(report)
	if err != nil {
		return
	}
	path := filepath.Join(e.cfg.DataDirectory, reportFile)
	if err := renameio.WriteFile(path, buf, 0o600); err != nil {
		e.logger.Warn().Str("path", path).Err(err).Msg("cannot persist reconcile report")
	}
}

// LastReport loads the most recently persisted report, or nil when no pass
// has completed yet.
func (e *Engine) LastReport() *model.ReconcileReport {
	buf, err := os.ReadFile(filepath.Join(e.cfg.DataDirectory, reportFile)) // #nosec G304
	if err != nil {
		return nil
	}
	var report model.ReconcileReport
	if err := json.Unmarshal(buf, &report); err != nil {
		return nil
	}
	return &report
}

func pathDepth(root, path string) int {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return 0
	}
	return strings.Count(rel, string(filepath.Separator)) + 1
}
