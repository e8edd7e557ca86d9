// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	"github.com/nbost130/transcription-palantir-sub001/internal/fsutil"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
	"github.com/nbost130/transcription-palantir-sub001/internal/transcribe"
)

// sidecar is the metadata written next to each transcript.
type sidecar struct {
	JobID        string `json:"jobId"`
	SourcePath   string `json:"sourcePath"`
	DurationMs   int64  `json:"durationMs"`
	AttemptsMade int    `json:"attemptsMade"`
	FinishedAt   string `json:"finishedAt"`
}

// execute runs one leased job to a terminal report (complete or fail).
func (p *Pool) execute(owner string, job *model.Job) {
	logger := log.WithComponent("worker").With().
		Str("owner", owner).
		Str("job_id", job.ID).
		Str("path", job.SourcePath).
		Logger()
	logger.Info().Int("attempt", job.AttemptsMade).Msg("job started")

	jobCtx, cancel := context.WithCancel(p.execCtx)
	defer cancel()

	renewDone := make(chan struct{})
	go p.renewLoop(jobCtx, cancel, owner, job.ID, renewDone)
	defer func() {
		cancel()
		<-renewDone
	}()

	outDir, err := p.outputDirFor(job.SourcePath)
	if err != nil {
		p.fail(owner, job, logger, model.NewJobError(model.ErrSystemUnknown, err, "prepare output dir: %v", err))
		return
	}

	res, err := p.runner.Transcribe(jobCtx, transcribe.Request{
		JobID:     job.ID,
		InputPath: job.SourcePath,
		OutputDir: outDir,
		Progress: func(pct int) {
			if err := p.store.UpdateProgress(context.Background(), job.ID, owner, pct); err != nil {
				logger.Debug().Err(err).Msg("progress update dropped")
			}
		},
	})
	if err != nil {
		p.fail(owner, job, logger, err)
		return
	}

	p.writeSidecar(logger, job, res)

	// Relocation is best-effort: the transcript is the primary artifact.
	if dst, err := p.relocate(job.SourcePath, p.cfg.CompletedDirectory); err != nil {
		logger.Warn().Err(err).Msg("cannot move source to completed tree")
	} else {
		logger.Debug().Str("dst", dst).Msg("source relocated")
	}

	if err := p.store.Complete(context.Background(), job.ID, owner, res.TranscriptPath); err != nil {
		logger.Error().Err(err).Msg("cannot complete job")
		return
	}
	p.completed.Add(1)
	logger.Info().
		Str("transcript", res.TranscriptPath).
		Dur("took", res.Duration).
		Msg("job completed")
}

// fail classifies the failure, parks the source when the failure is
// terminal, and reports to the queue.
func (p *Pool) fail(owner string, job *model.Job, logger zerolog.Logger, err error) {
	var je *model.JobError
	if !model.AsJobError(err, &je) {
		je = model.NewJobError(model.ErrSystemUnknown, err, "%v", err)
	}

	// Mirror the queue's retry-vs-terminal decision so the source is only
	// parked in the failed tree when no further attempt will need it.
	terminal := !je.Code.Retryable() || job.AttemptsMade >= job.MaxAttempts
	if terminal {
		if dst, moveErr := p.relocate(job.SourcePath, p.cfg.FailedDirectory); moveErr != nil {
			logger.Warn().Err(moveErr).Msg("cannot move source to failed tree")
		} else if setErr := p.store.SetFailedPath(context.Background(), job.ID, owner, dst); setErr != nil {
			logger.Debug().Err(setErr).Msg("cannot record failed path")
		}
	}

	if err := p.store.Fail(context.Background(), job.ID, owner, je.Code, je.Reason); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			logger.Warn().Str("code", string(je.Code)).Msg("lease lost before failure report")
			return
		}
		logger.Error().Err(err).Msg("cannot fail job")
		return
	}
	p.failed.Add(1)
	logger.Warn().
		Str("code", string(je.Code)).
		Str("reason", je.Reason).
		Bool("terminal", terminal).
		Msg("job failed")
}

// renewLoop extends the lease while the job runs. Losing the lease cancels
// the job context, which kills the subprocess tree.
func (p *Pool) renewLoop(ctx context.Context, cancel context.CancelFunc, owner, id string, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.RenewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.store.Renew(context.Background(), id, owner, p.cfg.LeaseDuration); err != nil {
				healLogger := log.SelfHeal("worker")
				healLogger.Warn().
					Str("job_id", id).
					Str("owner", owner).
					Err(err).
					Msg(log.SelfHealPrefix + "lease renewal failed, cancelling job")
				cancel()
				return
			}
		}
	}
}

// outputDirFor mirrors the source's inbox-relative directory under the
// output tree.
func (p *Pool) outputDirFor(sourcePath string) (string, error) {
	dir := p.cfg.OutputDirectory
	if rel, err := fsutil.RelativeTo(p.cfg.WatchDirectory, sourcePath); err == nil {
		dir = filepath.Join(dir, filepath.Dir(rel))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", err
	}
	return dir, nil
}

// relocate moves the source into root, preserving the inbox-relative path.
func (p *Pool) relocate(sourcePath, root string) (string, error) {
	rel := filepath.Base(sourcePath)
	if r, err := fsutil.RelativeTo(p.cfg.WatchDirectory, sourcePath); err == nil {
		rel = r
	}
	dst := filepath.Join(root, rel)
	if err := fsutil.Move(sourcePath, dst); err != nil {
		return "", err
	}
	return dst, nil
}

func (p *Pool) writeSidecar(logger zerolog.Logger, job *model.Job, res *transcribe.Result) {
	meta := sidecar{
		JobID:        job.ID,
		SourcePath:   job.SourcePath,
		DurationMs:   res.Duration.Milliseconds(),
		AttemptsMade: job.AttemptsMade,
		FinishedAt:   time.Now().UTC().Format(time.RFC3339),
	}
	buf, err := json.Marshal(meta)
	if err != nil {
		return
	}
	path := res.TranscriptPath + ".json"
	if err := renameio.WriteFile(path, buf, 0o600); err != nil {
		logger.Warn().Str("path", path).Err(err).Msg("cannot write transcript sidecar")
	}
}
