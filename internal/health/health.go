// SPDX-License-Identifier: MIT

// Package health backs the daemon's liveness and readiness probes.
package health

import (
	"context"
	"sync/atomic"
	"time"
)

// Status is the overall probe status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// CheckResult is one component's contribution to a probe.
type CheckResult struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Response is the full probe payload.
type Response struct {
	Status    Status                 `json:"status"`
	Ready     bool                   `json:"ready"`
	Version   string                 `json:"version,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
}

// Checker is a named component probe.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckName string
	Fn        func(ctx context.Context) CheckResult
}

func (c CheckerFunc) Name() string { return c.CheckName }

func (c CheckerFunc) Check(ctx context.Context) CheckResult { return c.Fn(ctx) }

// Manager aggregates component checks. Readiness additionally gates on the
// boot sequence having finished (reconciliation done, workers started).
type Manager struct {
	version  string
	checkers []Checker
	ready    atomic.Bool
}

func NewManager(version string) *Manager {
	return &Manager{version: version}
}

// RegisterChecker adds a component check. Not safe after serving starts.
func (m *Manager) RegisterChecker(c Checker) {
	m.checkers = append(m.checkers, c)
}

// SetReady flips the readiness gate once startup completes.
func (m *Manager) SetReady(ready bool) { m.ready.Store(ready) }

// Health is the liveness probe: the process is alive; component checks can
// degrade the status but never fail liveness.
func (m *Manager) Health(ctx context.Context) Response {
	resp := Response{
		Status:    StatusHealthy,
		Ready:     m.ready.Load(),
		Version:   m.version,
		Timestamp: time.Now(),
	}
	resp.Status = m.runChecks(ctx, &resp)
	return resp
}

// Ready is the readiness probe: ready only after boot completed and no
// component reports unhealthy.
func (m *Manager) Ready(ctx context.Context) Response {
	resp := m.Health(ctx)
	if resp.Status == StatusUnhealthy {
		resp.Ready = false
	}
	return resp
}

func (m *Manager) runChecks(ctx context.Context, resp *Response) Status {
	if len(m.checkers) == 0 {
		return StatusHealthy
	}
	resp.Checks = make(map[string]CheckResult, len(m.checkers))

	overall := StatusHealthy
	for _, c := range m.checkers {
		result := c.Check(ctx)
		resp.Checks[c.Name()] = result
		switch result.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall == StatusHealthy {
				overall = StatusDegraded
			}
		}
	}
	return overall
}
