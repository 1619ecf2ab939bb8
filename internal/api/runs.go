package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/driftworks/gantry/internal/backend"
	"github.com/driftworks/gantry/internal/ledger"
)

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	Platform  string            `json:"platform"`
	Image     string            `json:"image"`
	Command   []string          `json:"command"`
	Env       map[string]string `json:"env"`
	Inputs    map[string]string `json:"inputs"`
	Outputs   map[string]string `json:"outputs"`
	Resources *resourcesReq     `json:"resources"`
}

type resourcesReq struct {
	CPUs     *int `json:"cpus"`
	MemMB    *int `json:"mem_mb"`
	TimeoutS *int `json:"timeout_s"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*ledger.RunRecord `json:"runs"`
	Total  int                 `json:"total"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	spec := backend.RunnableSpec{
		Platform: req.Platform,
		Image:    req.Image,
		Command:  req.Command,
		Env:      req.Env,
		Inputs:   req.Inputs,
		Outputs:  req.Outputs,
	}
	if req.Resources != nil {
		spec.CPULimit = req.Resources.CPUs
		spec.MemLimitMB = req.Resources.MemMB
		spec.TimeoutS = req.Resources.TimeoutS
	}

	rec, err := s.engine.Submit(r.Context(), spec)
	if err != nil {
		s.handleDomainError(w, err, "submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.ledger.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*ledger.RunRecord{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.ledger.GetRun(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err, "get run")
		return
	}

	s.writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	cancelled := s.engine.CancelRun(id)

	rec, err := s.ledger.GetRun(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err, "get run for cancel")
		return
	}

	if cancelled {
		// Cancellation is asynchronous; the record settles to cancelled once
		// the backend confirms termination.
		s.writeJSON(w, http.StatusAccepted, rec)
		return
	}

	if ledger.TerminalStatus(rec.Status) {
		s.writeError(w, http.StatusConflict, "run already finished")
		return
	}
	s.writeError(w, http.StatusConflict, "run is not executing")
}
