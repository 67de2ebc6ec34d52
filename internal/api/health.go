package api

import "net/http"

// healthResponse reports liveness plus a snapshot of worker usage.
type healthResponse struct {
	Status     string `json:"status"`
	Slots      int    `json:"slots"`
	Running    int    `json:"running"`
	QueueDepth int    `json:"queue_depth"`
}

// handleHealthz answers 200 while the engine accepts tasks and 503 once it
// is stopping, so load balancers drain the instance during shutdown.
func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Slots:      s.engine.Options().Slots,
		Running:    s.engine.Running(),
		QueueDepth: s.engine.QueueDepth(),
	}
	status := http.StatusOK
	if s.engine.Stopped() {
		resp.Status = "stopping"
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, resp)
}
