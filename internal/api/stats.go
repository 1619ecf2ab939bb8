package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Runs             runStatsResponse `json:"runs"`
	ArtifactsByState map[string]int   `json:"artifacts_by_state"`
	Storage          string           `json:"storage"`
}

type runStatsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByPlatform    map[string]int `json:"by_platform"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.RunStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Runs: runStatsResponse{
			Total:         stats.Total,
			ByStatus:      stats.ByStatus,
			ByPlatform:    stats.ByPlatform,
			AvgDurationMS: stats.AvgDurationMS,
		},
		ArtifactsByState: s.artifacts.Counts(),
		Storage:          s.artifacts.StorageName(),
	})
}
