// SPDX-License-Identifier: MIT

// Package transcribe adapts the external speech-to-text binary. All
// process handling and error classification happens here; callers only
// ever see *model.JobError values from the closed taxonomy.
package transcribe

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/nbost130/transcription-palantir-sub001/internal/log"
	"github.com/nbost130/transcription-palantir-sub001/internal/metrics"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/procgroup"
)

// Template placeholders substituted into the command argv.
const (
	PlaceholderInput     = "{input}"
	PlaceholderOutputDir = "{output_dir}"
	PlaceholderOutput    = "{output}"
)

const (
	// killGrace is how long a cancelled subprocess gets between SIGTERM
	// and SIGKILL.
	killGrace = 10 * time.Second

	probeTimeout = 5 * time.Second

	stderrTailSize = 4 << 10
)

// Request describes one transcription run.
type Request struct {
	JobID     string
	InputPath string
	OutputDir string

	// Progress, when set, receives coarse 0..100 values parsed from the
	// binary's stderr. Calls happen on the stderr-reading goroutine.
	Progress func(int)
}

// Result is returned on success.
type Result struct {
	TranscriptPath string
	Duration       time.Duration
}

// Runner is the worker pool's view of the adapter.
type Runner interface {
	Transcribe(ctx context.Context, req Request) (*Result, error)
	Probe(ctx context.Context) (string, error)
}

// Command runs the configured argv template as a process group.
type Command struct {
	template     []string
	grace        time.Duration
	probeTimeout time.Duration
}

// New builds a Command runner from the configured argv template. The
// template must contain at least the binary name; placeholder validation
// happened at config time.
func New(template []string) *Command {
	return &Command{template: template, grace: killGrace, probeTimeout: probeTimeout}
}

// WithProbeTimeout overrides the default --version probe deadline.
func (c *Command) WithProbeTimeout(d time.Duration) *Command {
	if d > 0 {
		c.probeTimeout = d
	}
	return c
}

// OutputPath derives the transcript location for an input file: the input's
// base name with a .txt extension inside outputDir.
func OutputPath(outputDir, inputPath string) string {
	base := filepath.Base(inputPath)
	ext := filepath.Ext(base)
	return filepath.Join(outputDir, strings.TrimSuffix(base, ext)+".txt")
}

// Transcribe runs the binary for one job. The returned error, if any, is
// always a *model.JobError.
func (c *Command) Transcribe(ctx context.Context, req Request) (*Result, error) {
	if err := checkInput(req.InputPath); err != nil {
		return nil, err
	}

	outputPath := OutputPath(req.OutputDir, req.InputPath)
	argv := c.expand(req.InputPath, req.OutputDir, outputPath)

	// #nosec G204 -- argv comes from operator configuration, not job data.
	cmd := exec.Command(argv[0], argv[1:]...)
	procgroup.Set(cmd)

	tail := newTailBuffer(stderrTailSize)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, model.NewJobError(model.ErrSystemUnknown, err, "stderr pipe: %v", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, model.NewJobError(model.ErrWhisperNotFound, err, "binary %q not found", argv[0])
		}
		return nil, model.NewJobError(model.ErrWhisperCrash, err, "start %q: %v", argv[0], err)
	}

	logger := log.WithComponent("transcribe")
	logger.Debug().
		Str("job_id", req.JobID).
		Str("binary", argv[0]).
		Int("pid", cmd.Process.Pid).
		Msg("subprocess started")

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		scanStderr(stderr, tail, req.Progress)
	}()

	waitCh := make(chan error, 1)
	go func() {
		<-stderrDone
		waitCh <- cmd.Wait()
	}()

	var runErr error
	select {
	case runErr = <-waitCh:
	case <-ctx.Done():
		_ = procgroup.Terminate(cmd, waitCh, c.grace)
		return nil, model.NewJobError(model.ErrWhisperTimeout, ctx.Err(),
			"cancelled after %s: %v", time.Since(start).Round(time.Millisecond), ctx.Err())
	}

	elapsed := time.Since(start)
	metrics.TranscribeDuration.Observe(elapsed.Seconds())

	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, model.NewJobError(model.ErrWhisperCrash, runErr,
				"exit code %d: %s", exitErr.ExitCode(), tail.String())
		}
		return nil, model.NewJobError(model.ErrWhisperCrash, runErr, "wait: %v", runErr)
	}

	if err := checkTranscript(outputPath); err != nil {
		return nil, err
	}

	return &Result{TranscriptPath: outputPath, Duration: elapsed}, nil
}

// Probe runs the binary with --version under its own short timeout.
// Failures are reported, not fatal; the daemon logs and carries on.
func (c *Command) Probe(ctx context.Context) (string, error) {
	if len(c.template) == 0 {
		return "", errors.New("empty command template")
	}

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, c.template[0], "--version").CombinedOutput()
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}

func (c *Command) expand(input, outputDir, output string) []string {
	argv := make([]string, len(c.template))
	for i, arg := range c.template {
		arg = strings.ReplaceAll(arg, PlaceholderInput, input)
		arg = strings.ReplaceAll(arg, PlaceholderOutputDir, outputDir)
		arg = strings.ReplaceAll(arg, PlaceholderOutput, output)
		argv[i] = arg
	}
	return argv
}

func checkInput(path string) error {
	info, err := os.Stat(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return model.NewJobError(model.ErrFileNotFound, err, "source file %s missing", path)
	case errors.Is(err, os.ErrPermission):
		return model.NewJobError(model.ErrFileNotReadable, err, "source file %s not readable", path)
	case err != nil:
		return model.NewJobError(model.ErrSystemUnknown, err, "stat %s: %v", path, err)
	case info.IsDir():
		return model.NewJobError(model.ErrFileInvalid, nil, "source %s is a directory", path)
	}

	f, err := os.Open(path) // #nosec G304 -- path was validated by the watcher/reconciler
	if err != nil {
		return model.NewJobError(model.ErrFileNotReadable, err, "open %s: %v", path, err)
	}
	_ = f.Close()
	return nil
}

// checkTranscript rejects a run whose output is missing or empty; a binary
// that exits 0 without producing text is still a failed transcription.
func checkTranscript(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return model.NewJobError(model.ErrWhisperInvalidOutput, err, "transcript %s missing", path)
	}
	if info.Size() == 0 {
		return model.NewJobError(model.ErrWhisperInvalidOutput, nil, "transcript %s is empty", path)
	}
	return nil
}
