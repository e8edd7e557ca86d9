// SPDX-License-Identifier: MIT

// Package procgroup spawns and reaps subprocess trees. The transcription
// binary may fork helpers; killing only the direct child would leak them.
package procgroup

import (
	"errors"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/nbost130/transcription-palantir-sub001/internal/metrics"
)

// ErrKillFailed is returned when a process group survives SIGKILL past the
// reap timeout.
var ErrKillFailed = errors.New("kill operation failed")

// Terminate gracefully stops a process group: SIGTERM, wait up to grace,
// then SIGKILL. The process must have been spawned with Set(cmd). waitCh
// carries the result of cmd.Wait; Terminate always drains it and returns
// that error. Safe to call with a nil or unstarted command.
func Terminate(cmd *exec.Cmd, waitCh <-chan error, grace time.Duration) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	signalGroup(cmd, syscall.SIGTERM, "SIGTERM")

	select {
	case err := <-waitCh:
		if err == nil {
			metrics.IncProcWait("exit0")
		} else {
			metrics.IncProcWait("exit_nonzero")
		}
		return err
	case <-time.After(grace):
	}

	signalGroup(cmd, syscall.SIGKILL, "SIGKILL")

	err := <-waitCh
	if err == nil {
		metrics.IncProcWait("forced_exit0")
	} else {
		metrics.IncProcWait("forced_error")
	}
	return err
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal, name string) {
	err := Kill(cmd, sig)
	switch {
	case err == nil:
		metrics.IncProcSignal(name, "sent")
	case strings.Contains(err.Error(), "process already finished"),
		strings.Contains(err.Error(), "no such process"):
		metrics.IncProcSignal(name, "esrch")
	default:
		metrics.IncProcSignal(name, "error")
	}
}
