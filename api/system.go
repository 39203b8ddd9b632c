package api

import (
	"net/http"
	"time"

	"github.com/gurre/fixit/metrics"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Uptime    string            `json:"uptime"`
	Services  map[string]string `json:"services"`
	Stats     *metrics.Report   `json:"stats,omitempty"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	now := s.clock.Now()
	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: now.UTC(),
		Uptime:    now.Sub(s.started).Truncate(time.Second).String(),
		Services: map[string]string{
			"dynamoDB": "connected",
			"s3":       "connected",
			"cognito":  "connected",
		},
	}
	if s.metrics != nil {
		report := s.metrics.GenerateReport()
		resp.Stats = &report
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) config(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.public)
}

func (s *Server) test(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}{
		Message:   "API is working",
		Timestamp: s.clock.Now().UTC(),
	})
}
