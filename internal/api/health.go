package api

import (
	"net/http"
)

// healthResponse is the GET /healthz payload. Beyond liveness it names the
// artifact storage backend and reports whether the run ledger is answering
// queries.
type healthResponse struct {
	Status  string `json:"status"`
	Storage string `json:"storage"`
	Ledger  string `json:"ledger"`
}

// handleHealthz answers 200 while the ledger is reachable and 503 once it
// stops responding. Storage is wired in-process, so only its name is
// reported.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Storage: s.artifacts.StorageName(),
		Ledger:  "ok",
	}
	if _, err := s.ledger.RunStats(r.Context()); err != nil {
		s.logger.Error("healthz ledger check", "error", err)
		resp.Status = "degraded"
		resp.Ledger = "unreachable"
		s.writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}
