package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/driftworks/gantry/internal/artifact"
	"github.com/driftworks/gantry/internal/ledger"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20  // 1 MB
	maxContentSize   = 32 << 20 // 32 MB
)

// createArtifactRequest is the JSON body for POST /v1/artifacts.
type createArtifactRequest struct {
	Kind string `json:"kind"`
}

// listArtifactsResponse wraps the paginated list response.
type listArtifactsResponse struct {
	Artifacts []artifact.Artifact `json:"artifacts"`
	Total     int                 `json:"total"`
	Limit     int                 `json:"limit"`
	Offset    int                 `json:"offset"`
}

// artifactEventsResponse is the JSON response for GET /v1/artifacts/{id}/events.
type artifactEventsResponse struct {
	ArtifactID string                 `json:"artifact_id"`
	Events     []ledger.ArtifactEvent `json:"events"`
}

func (s *Server) handleCreateArtifact(w http.ResponseWriter, r *http.Request) {
	var req createArtifactRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Kind == "" {
		s.writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	art, err := s.artifacts.CreateArtifact(r.Context(), req.Kind)
	if err != nil {
		s.handleDomainError(w, err, "create artifact")
		return
	}

	s.writeJSON(w, http.StatusCreated, art)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	all := s.artifacts.List(r.URL.Query().Get("state"), r.URL.Query().Get("kind"))

	page := all
	if offset >= len(all) {
		page = nil
	} else {
		page = all[offset:]
	}
	if len(page) > limit {
		page = page[:limit]
	}
	if page == nil {
		page = []artifact.Artifact{}
	}

	s.writeJSON(w, http.StatusOK, listArtifactsResponse{
		Artifacts: page,
		Total:     len(all),
		Limit:     limit,
		Offset:    offset,
	})
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	art, err := s.artifacts.Get(id)
	if err != nil {
		s.handleDomainError(w, err, "get artifact")
		return
	}

	s.writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleDestroyArtifact(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.artifacts.DestroyArtifact(r.Context(), id); err != nil {
		s.handleDomainError(w, err, "destroy artifact")
		return
	}

	art, err := s.artifacts.Get(id)
	if err != nil {
		s.handleDomainError(w, err, "get destroyed artifact")
		return
	}

	s.writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleGetArtifactEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Verify the artifact exists; destroyed ones still have history.
	if _, err := s.artifacts.Get(id); err != nil {
		s.handleDomainError(w, err, "get artifact for events")
		return
	}

	events, err := s.ledger.ListArtifactEvents(r.Context(), id)
	if err != nil {
		s.logger.Error("list artifact events", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list artifact events")
		return
	}

	if events == nil {
		events = []ledger.ArtifactEvent{}
	}

	s.writeJSON(w, http.StatusOK, artifactEventsResponse{
		ArtifactID: id,
		Events:     events,
	})
}

func (s *Server) handleUploadContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	r.Body = http.MaxBytesReader(w, r.Body, maxContentSize)
	content, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.writeError(w, http.StatusRequestEntityTooLarge,
				"content exceeds "+strconv.FormatInt(tooLarge.Limit, 10)+" bytes")
			return
		}
		s.writeError(w, http.StatusBadRequest, "read request body")
		return
	}

	if err := s.artifacts.Store(r.Context(), id, content); err != nil {
		s.handleDomainError(w, err, "store artifact content")
		return
	}

	art, err := s.artifacts.Get(id)
	if err != nil {
		s.handleDomainError(w, err, "get stored artifact")
		return
	}

	s.writeJSON(w, http.StatusOK, art)
}

func (s *Server) handleDownloadContent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	content, err := s.artifacts.Retrieve(r.Context(), id)
	if err != nil {
		s.handleDomainError(w, err, "retrieve artifact content")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(content)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(content); err != nil {
		s.logger.Error("write artifact content", "error", err)
	}
}
