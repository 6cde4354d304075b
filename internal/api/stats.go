package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByTier        map[string]int `json:"by_tier"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	QueueDepth    int            `json:"queue_depth"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByTier:        stats.CountByTier,
		AvgDurationMS: stats.AvgDurationMS,
		QueueDepth:    s.pool.Depth(),
	})
}
