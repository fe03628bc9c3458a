package server

import (
	"net/http"
	"strings"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Files
	mux.HandleFunc("/files/", s.handleFileRoutes) // POST /files/, GET /files/{id}

	// Workflows
	mux.HandleFunc("/workflows/", s.handleWorkflowRoutes)

	// Jobs
	mux.HandleFunc("/jobs/", s.handleJobRoutes)
	mux.HandleFunc("/jobs", s.handleJobsCollection)

	// Admin
	mux.HandleFunc("/admin/queue/ws", s.app.AdminWSHandler.HandleWebSocket)

	// System
	mux.HandleFunc("/api/version", s.app.APIHandler.VersionHandler)
	mux.HandleFunc("/api/health", s.app.APIHandler.HealthHandler)
	mux.HandleFunc("/api/shutdown", s.ShutdownHandler)

	mux.HandleFunc("/", s.app.APIHandler.NotFoundHandler)

	return mux
}

// handleFileRoutes routes /files/ (POST, collection-style) and
// /files/{file_id} (GET).
func (s *Server) handleFileRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	if path == "/files/" || path == "/files" {
		RouteByMethod(w, r, MethodRouter{
			http.MethodPost: s.app.FileHandler.UploadHandler,
		})
		return
	}

	RouteByMethod(w, r, MethodRouter{
		http.MethodGet: s.app.FileHandler.GetHandler,
	})
}

// handleWorkflowRoutes routes /workflows/ and /workflows/{id}[/jobs|/events].
func (s *Server) handleWorkflowRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	const prefix = "/workflows/"

	if path == prefix {
		RouteByMethod(w, r, MethodRouter{
			http.MethodPost: s.app.WorkflowHandler.CreateHandler,
		})
		return
	}

	if !strings.HasPrefix(path, prefix) {
		http.NotFound(w, r)
		return
	}

	suffix := strings.TrimPrefix(path, prefix)
	switch {
	case strings.HasSuffix(suffix, "/jobs"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.WorkflowHandler.ListJobsHandler})
	case strings.HasSuffix(suffix, "/events"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.WorkflowHandler.EventsHandler})
	default:
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.WorkflowHandler.GetHandler})
	}
}

// handleJobsCollection routes exactly GET/POST /jobs.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	RouteByMethod(w, r, MethodRouter{
		http.MethodGet:  s.app.JobHandler.ListHandler,
		http.MethodPost: s.app.JobHandler.CreateHandler,
	})
}

// handleJobRoutes routes /jobs/ and /jobs/{id}[/start|/cancel|/retry|/result|
// /preview|/artifacts.zip|/events|/queue_status].
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	const prefix = "/jobs/"

	if path == prefix {
		RouteByMethod(w, r, MethodRouter{
			http.MethodGet:  s.app.JobHandler.ListHandler,
			http.MethodPost: s.app.JobHandler.CreateHandler,
		})
		return
	}

	if !strings.HasPrefix(path, prefix) {
		http.NotFound(w, r)
		return
	}

	suffix := strings.TrimPrefix(path, prefix)
	switch {
	case strings.HasSuffix(suffix, "/start"):
		RouteByMethod(w, r, MethodRouter{http.MethodPost: s.app.JobHandler.StartHandler})
	case strings.HasSuffix(suffix, "/cancel"):
		RouteByMethod(w, r, MethodRouter{http.MethodPost: s.app.JobHandler.CancelHandler})
	case strings.HasSuffix(suffix, "/retry"):
		RouteByMethod(w, r, MethodRouter{http.MethodPost: s.app.JobHandler.RetryHandler})
	case strings.HasSuffix(suffix, "/result"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.JobHandler.ResultHandler})
	case strings.HasSuffix(suffix, "/preview"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.JobHandler.PreviewHandler})
	case strings.HasSuffix(suffix, "/artifacts.zip"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.JobHandler.ArtifactsZipHandler})
	case strings.HasSuffix(suffix, "/events"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.JobHandler.EventsHandler})
	case strings.HasSuffix(suffix, "/queue_status"):
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.JobHandler.QueueStatusHandler})
	default:
		RouteByMethod(w, r, MethodRouter{http.MethodGet: s.app.JobHandler.GetHandler})
	}
}
