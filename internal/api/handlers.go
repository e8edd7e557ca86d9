// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nbost130/transcription-palantir-sub001/internal/control"
	"github.com/nbost130/transcription-palantir-sub001/internal/health"
	"github.com/nbost130/transcription-palantir-sub001/internal/model"
	"github.com/nbost130/transcription-palantir-sub001/internal/queue"
	"github.com/nbost130/transcription-palantir-sub001/internal/reconcile"
)

const defaultPageSize = 50

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Health(r.Context())
	writeJSON(w, statusFor(resp), resp)
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.health.Ready(r.Context())
	code := http.StatusOK
	if !resp.Ready {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func statusFor(resp health.Response) int {
	if resp.Status == health.StatusUnhealthy {
		return http.StatusServiceUnavailable
	}
	return http.StatusOK
}

type jobListResponse struct {
	Jobs   []*control.JobWithHealth `json:"jobs"`
	Total  int                      `json:"total"`
	Offset int                      `json:"offset"`
	Limit  int                      `json:"limit"`
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var state *model.JobState
	if raw := q.Get("state"); raw != "" {
		st := model.JobState(raw)
		if !st.IsValid() {
			writeError(w, http.StatusBadRequest, errors.New("invalid state filter"))
			return
		}
		state = &st
	}

	offset := intParam(q.Get("offset"), 0)
	limit := intParam(q.Get("limit"), defaultPageSize)

	jobs, total, err := s.svc.List(r.Context(), state, offset, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, jobListResponse{Jobs: jobs, Total: total, Offset: offset, Limit: limit})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleRequeueJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.svc.Requeue(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleSetPriority(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Priority string `json:"priority"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	p, err := model.ParsePriority(body.Priority)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	job, err := s.svc.SetPriority(r.Context(), chi.URLParam(r, "id"), p)
	if err != nil {
		writeQueueError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeQueueError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := s.svc.Reconcile(r.Context())
	if err != nil {
		if errors.Is(err, reconcile.ErrInProgress) {
			writeError(w, http.StatusConflict, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.svc.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handlePause(w http.ResponseWriter, _ *http.Request) {
	s.svc.Pause()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, _ *http.Request) {
	s.svc.Resume()
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

// writeQueueError maps queue sentinel errors onto HTTP codes.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, queue.ErrInvalidState):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func intParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
