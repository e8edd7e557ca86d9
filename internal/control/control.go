// SPDX-License-Identifier: MIT

// Package control implements the job control operations consumed by the
// API: retry, delete, priority change, reactive requeue, computed health
// and on-demand reconciliation.
package control

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/fsutil"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
	"github.com/nbost130/transcription-palantir-sub001/internal/reconcile"
)

// Service wires the queue, the reconciler and the filesystem together
// behind the operation contracts.
type Service struct {
	cfg    *config.Config
	store  queue.Store
	engine *reconcile.Engine
	logger zerolog.Logger

	nowFn func() time.Time
}

func New(cfg *config.Config, store queue.Store, engine *reconcile.Engine) *Service {
	return &Service{
		cfg:    cfg,
		store:  store,
		engine: engine,
		logger: log.WithComponent("control"),
		nowFn:  time.Now,
	}
}

// Retry resets a terminally failed job to WAITING, first moving its source
// back from the failed tree into the inbox. Waiting and active jobs are a
// no-op; completed jobs are refused.
func (s *Service) Retry(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.restoreParkedSource(job); err != nil {
		return nil, err
	}
	return s.store.Retry(ctx, id)
}

// restoreParkedSource moves a terminally failed job's parked source back
// into the inbox ahead of a re-attempt. A missing parked copy is tolerated:
// the revived attempt will report the real condition.
func (s *Service) restoreParkedSource(job *model.Job) error {
	if job.State != model.StateFailed || job.FailedPath == "" {
		return nil
	}
	if err := fsutil.Move(job.FailedPath, job.SourcePath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("job_id", job.ID).Str("failed_path", job.FailedPath).Msg("parked source missing, proceeding anyway")
			return nil
		}
		return err
	}
	s.logger.Info().Str("job_id", job.ID).Str("path", job.SourcePath).Msg("source restored to inbox")
	return nil
}

// Delete removes the job record and best-effort unlinks its artifacts:
// transcript (and sidecar), source, and any parked copy in the failed tree.
func (s *Service) Delete(ctx context.Context, id string) error {
	job, err := s.store.Get(ctx, id)
	if errors.Is(err, queue.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, path := range []string{job.TranscriptPath, job.TranscriptPath + ".json", job.SourcePath, job.FailedPath} {
		if path == "" || path == ".json" {
			continue
		}
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn().Str("job_id", id).Str("path", path).Err(err).Msg("cannot remove artifact")
		}
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info().Str("job_id", id).Msg("job deleted")
	return nil
}

// SetPriority repositions a waiting or delayed job.
func (s *Service) SetPriority(ctx context.Context, id string, p model.Priority) (*model.Job, error) {
	return s.store.SetPriority(ctx, id, p)
}

// Requeue reinserts a failed or delayed job immediately, restoring a
// parked source first so the revived attempt has its input back.
func (s *Service) Requeue(ctx context.Context, id string) (*model.Job, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.restoreParkedSource(job); err != nil {
		return nil, err
	}
	return s.store.Requeue(ctx, id)
}

// JobWithHealth pairs a record with its read-time health.
type JobWithHealth struct {
	*model.Job
	Health model.HealthStatus `json:"health"`
}

// Get returns the job with its computed health status.
func (s *Service) Get(ctx context.Context, id string) (*JobWithHealth, error) {
	job, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.withHealth(job), nil
}

// List pages jobs, each annotated with computed health.
func (s *Service) List(ctx context.Context, state *model.JobState, offset, limit int) ([]*JobWithHealth, int, error) {
	jobs, total, err := s.store.List(ctx, state, offset, limit)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*JobWithHealth, len(jobs))
	for i, j := range jobs {
		out[i] = s.withHealth(j)
	}
	return out, total, nil
}

func (s *Service) withHealth(j *model.Job) *JobWithHealth {
	return &JobWithHealth{Job: j, Health: j.Health(s.nowFn(), s.cfg.StalledInterval)}
}

// Reconcile triggers an on-demand pass. Returns reconcile.ErrInProgress
// when one is already running.
func (s *Service) Reconcile(ctx context.Context) (*model.ReconcileReport, error) {
	return s.engine.Run(ctx)
}

// Stats aggregates queue counts and the last reconciliation report.
type Stats struct {
	Counts        queue.Counts           `json:"counts"`
	LastReconcile *model.ReconcileReport `json:"lastReconcile,omitempty"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{Counts: counts, LastReconcile: s.engine.LastReport()}, nil
}

// Pause stops workers from leasing new jobs; in-flight jobs finish.
func (s *Service) Pause() { s.store.Pause() }

// Resume re-enables leasing.
func (s *Service) Resume() { s.store.Resume() }

// Subscribe exposes the queue's lifecycle event stream.
func (s *Service) Subscribe() (<-chan queue.Event, func()) {
	return s.store.Subscribe()
}
