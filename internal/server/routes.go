package server

import "net/http"

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Worker protocol
	mux.HandleFunc("/api/work", s.app.WorkHandler.GetWorkHandler)     // GET - claim next work item
	mux.HandleFunc("/api/work/", s.app.WorkHandler.UpdateWorkHandler) // PUT /{id} - report terminal update

	// Job intake and lifecycle
	mux.HandleFunc("/api/jobs", s.app.JobHandler.JobsHandler)       // GET (list), POST (submit)
	mux.HandleFunc("/api/jobs/", s.app.JobHandler.JobRoutesHandler) // GET /{id}, POST /{id}/cancel|pause|resume

	// Event stream
	mux.HandleFunc("/api/events", s.app.WSHandler.HandleWebSocket)

	// Operational endpoints
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler)
	mux.HandleFunc("/api/version", s.app.StatusHandler.VersionHandler)

	return mux
}
