// SPDX-License-Identifier: MIT

// Package worker consumes the queue with bounded concurrency and drives
// the transcription subprocess for each leased job.
package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
	"github.com/nbost130/transcription-palantir-sub001/internal/transcribe"
)

const (
	idleBackoffBase = 250 * time.Millisecond
	idleBackoffCap  = 5 * time.Second
)

// Pool runs N workers, each leasing and executing one job at a time.
type Pool struct {
	cfg    *config.Config
	store  queue.Store
	runner transcribe.Runner

	// execCtx governs in-flight subprocesses. Cancelling the Run context
	// only stops leasing; Abort cancels running jobs too.
	execCtx   context.Context
	abortExec context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
}

func NewPool(cfg *config.Config, store queue.Store, runner transcribe.Runner) *Pool {
	execCtx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		store:     store,
		runner:    runner,
		execCtx:   execCtx,
		abortExec: cancel,
	}
}

// Run blocks until ctx is cancelled and every worker has drained its
// current job. Cancelling ctx stops leasing; in-flight jobs keep running
// (and keep renewing their leases) until they finish or Abort is called.
func (p *Pool) Run(ctx context.Context) error {
	var g errgroup.Group
	instance := uuid.NewString()[:8]
	for i := 0; i < p.cfg.MaxWorkers; i++ {
		owner := fmt.Sprintf("worker-%s-%d", instance, i)
		g.Go(func() error {
			p.workerLoop(ctx, owner)
			return nil
		})
	}
	err := g.Wait()
	p.abortExec()
	return err
}

// Abort cancels in-flight subprocesses. Used when graceful shutdown
// exceeds its deadline.
func (p *Pool) Abort() { p.abortExec() }

// Stats returns the number of jobs this pool completed and failed.
func (p *Pool) Stats() (completed, failed int64) {
	return p.completed.Load(), p.failed.Load()
}

func (p *Pool) workerLoop(ctx context.Context, owner string) {
	logger := log.WithComponent("worker").With().Str("owner", owner).Logger()
	logger.Debug().Msg("worker started")

	backoff := idleBackoffBase
	for {
		if ctx.Err() != nil {
			logger.Debug().Msg("worker stopped")
			return
		}

		job, err := p.store.LeaseNext(ctx, owner, p.cfg.LeaseDuration)
		if err != nil {
			logger.Error().Err(err).Msg("lease_next failed")
		}
		if job == nil {
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > idleBackoffCap {
				backoff = idleBackoffCap
			}
			continue
		}
		backoff = idleBackoffBase

		p.execute(owner, job)
	}
}
