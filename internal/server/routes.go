package server

import (
	"net/http"

	"github.com/ternarybob/conductor/internal/metrics"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// API routes - Jobs
	mux.HandleFunc("/api/jobs/validate", s.app.JobHandler.ValidateJobHandler) // POST - validate without persisting
	mux.HandleFunc("/api/jobs/check", s.app.JobHandler.CheckJobHandler)       // GET  - current status
	mux.HandleFunc("/api/jobs/cancel", s.app.JobHandler.CancelJobHandler)     // POST - request cancellation
	mux.HandleFunc("/api/jobs", s.app.JobHandler.SubmitJobHandler)            // POST - submit

	// WebSocket route - follow a job to its terminal status
	mux.HandleFunc("/ws/jobs/follow", s.app.WSHandler.FollowJobHandler)

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.StatusHandler.HealthHandler)

	// Prometheus metrics
	mux.Handle("/metrics", metrics.Handler())

	return mux
}
