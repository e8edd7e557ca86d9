// SPDX-License-Identifier: MIT

// Package daemon wires the components together and owns their lifecycles:
// ordered startup, signal-driven shutdown, and the queue maintenance loop.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nbost130/transcription-palantir-sub001/internal/api"
	"github.com/nbost130/transcription-palantir-sub001/internal/config"
	"github.com/nbost130/transcription-palantir-sub001/internal/control"
	"github.com/nbost130/transcription-palantir-sub001/internal/health"
	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
	"github.com/nbost130/transcription-palantir-sub001/internal/reconcile"
	"github.com/nbost130/transcription-palantir-sub001/internal/transcribe"
	"github.com/nbost130/transcription-palantir-sub001/internal/watcher"
	"github.com/nbost130/transcription-palantir-sub001/internal/worker"
)

// ErrShutdownTimeout is returned when in-flight work did not drain within
// the configured window; the process should exit non-zero.
var ErrShutdownTimeout = errors.New("graceful shutdown timed out")

const (
	promoteInterval = 250 * time.Millisecond
	pruneInterval   = time.Hour
	queueSubdir     = "queue"
)

// Daemon is the top-level supervisor.
type Daemon struct {
	cfg     *config.Config
	version string
	logger  zerolog.Logger
}

func New(cfg *config.Config, version string) *Daemon {
	return &Daemon{cfg: cfg, version: version, logger: log.WithComponent("daemon")}
}

// Run boots the dispatcher and blocks until ctx is cancelled and shutdown
// completes. Startup order is strict: store, reconciliation, worker pool,
// watcher, API. A reconciliation or store failure aborts the boot.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info().
		Str("version", d.version).
		Str("inbox", d.cfg.WatchDirectory).
		Int("workers", d.cfg.MaxWorkers).
		Msg("starting")

	if err := d.cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("prepare directories: %w", err)
	}

	store, err := queue.Open(filepath.Join(d.cfg.DataDirectory, queueSubdir), queue.Options{
		MaxAttempts:     d.cfg.MaxAttempts,
		MaxStalledCount: d.cfg.MaxStalledCount,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("store close failed")
		}
	}()

	runner := transcribe.New(d.cfg.CommandTemplate).WithProbeTimeout(d.cfg.ProbeTimeout)
	if version, err := runner.Probe(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("transcription binary probe failed")
	} else {
		d.logger.Info().Str("binary_version", version).Msg("transcription binary probed")
	}

	engine := reconcile.New(d.cfg, store)
	if _, err := engine.Run(ctx); err != nil {
		return fmt.Errorf("boot reconciliation: %w", err)
	}

	pool := worker.NewPool(d.cfg, store, runner)
	inbox := watcher.New(d.cfg, store)
	svc := control.New(d.cfg, store, engine)

	hm := health.NewManager(d.version)
	hm.RegisterChecker(health.CheckerFunc{
		CheckName: "queue",
		Fn: func(ctx context.Context) health.CheckResult {
			if _, err := store.CountByState(ctx); err != nil {
				return health.CheckResult{Status: health.StatusUnhealthy, Error: err.Error()}
			}
			return health.CheckResult{Status: health.StatusHealthy}
		},
	})

	srv := &http.Server{
		Addr:              d.cfg.ListenAddr,
		Handler:           api.NewServer(svc, hm).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return inbox.Run(gctx) })
	g.Go(func() error { return d.maintenance(gctx, store) })
	g.Go(func() error { return serve(gctx, srv) })

	hm.SetReady(true)
	d.logger.Info().Str("addr", d.cfg.ListenAddr).Msg("ready")

	<-gctx.Done()
	hm.SetReady(false)
	d.logger.Info().Dur("timeout", d.cfg.ShutdownTimeout).Msg("shutting down")

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var runErr error
	select {
	case runErr = <-done:
	case <-time.After(d.cfg.ShutdownTimeout):
		// In-flight subprocesses are killed; their jobs stall and are
		// reclaimed on the next boot.
		d.logger.Error().Msg("shutdown window exceeded, aborting workers")
		pool.Abort()
		<-done
		runErr = ErrShutdownTimeout
	}

	completed, failed := pool.Stats()
	d.logger.Info().
		Int64("processed", completed).
		Int64("failed", failed).
		Msg("stopped")
	return runErr
}

// maintenance runs the periodic queue chores: stall reclamation, delayed
// promotion and terminal retention pruning.
func (d *Daemon) maintenance(ctx context.Context, store queue.Store) error {
	stall := time.NewTicker(d.cfg.StallScanInterval)
	defer stall.Stop()
	promote := time.NewTicker(promoteInterval)
	defer promote.Stop()
	prune := time.NewTicker(pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-stall.C:
			if n, err := store.DetectStalled(ctx); err != nil {
				d.logger.Error().Err(err).Msg("stall scan failed")
			} else if n > 0 {
				d.logger.Warn().Int("reclaimed", n).Msg("stall scan reclaimed jobs")
			}
		case <-promote.C:
			if _, err := store.PromoteDelayed(ctx); err != nil {
				d.logger.Error().Err(err).Msg("delayed promotion failed")
			}
		case <-prune.C:
			d.pruneTerminal(ctx, store)
		}
	}
}

// pruneTerminal drops terminal records past the retention window. A
// completed job whose source still exists is kept so that re-detection of
// that file stays a no-op.
func (d *Daemon) pruneTerminal(ctx context.Context, store queue.Store) {
	if d.cfg.TerminalRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-d.cfg.TerminalRetention)
	n, err := store.PruneTerminal(ctx, cutoff, func(j *model.Job) bool {
		if j.State != model.StateCompleted {
			return false
		}
		_, err := os.Stat(j.SourcePath)
		return err == nil
	})
	if err != nil {
		d.logger.Error().Err(err).Msg("terminal pruning failed")
		return
	}
	if n > 0 {
		d.logger.Info().Int("pruned", n).Msg("terminal jobs pruned")
	}
}

// serve runs the HTTP listener until ctx is cancelled.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
		<-errCh
		return nil
	}
}
