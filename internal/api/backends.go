package api

import (
	"net/http"

	"github.com/driftworks/gantry/internal/backend"
)

// backendsResponse is the JSON response for GET /v1/backends.
type backendsResponse struct {
	Storage  string                `json:"storage"`
	Runtimes []backend.RuntimeInfo `json:"runtimes"`
}

func (s *Server) handleListBackends(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, backendsResponse{
		Storage:  s.artifacts.StorageName(),
		Runtimes: s.backends.List(),
	})
}
