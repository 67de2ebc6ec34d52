package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /stats.
type statsResponse struct {
	Total         int            `json:"total"`
	ByStatus      map[string]int `json:"by_status"`
	ByType        map[string]int `json:"by_type"`
	AvgDurationMS float64        `json:"avg_duration_ms"`
	Running       int            `json:"running"`
	QueueDepth    int            `json:"queue_depth"`
	Slots         int            `json:"slots"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireClientKey(w, r) {
		return
	}
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:         stats.Total,
		ByStatus:      stats.CountByStatus,
		ByType:        stats.CountByType,
		AvgDurationMS: stats.AvgDurationMS,
		Running:       s.engine.Running(),
		QueueDepth:    s.engine.QueueDepth(),
		Slots:         s.engine.Options().Slots,
	})
}
