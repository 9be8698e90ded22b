// Package httpapi is the JSON-over-HTTP shell (§6): a thin adapter that
// decodes requests into command params, dispatches through the Command
// Layer, and renders CommandResult as JSON. Routing is built the way
// the teacher's internal/server.Server builds its mux.Router, trimmed
// to the generic dispatch shape the command surface actually needs
// instead of one bespoke handler per concern.
package httpapi

import (
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/taskdriver/taskdriver/internal/command"
)

// Server wraps a command.Registry behind a JSON API.
type Server struct {
	registry *command.Registry
	router   *mux.Router
}

// NewServer builds the router. Every registered command is reachable
// at POST /api/v1/commands/{name}; a handful of read-only commands are
// additionally exposed as conventional REST-ish GET routes for
// convenience, mirroring the teacher's mix of generic and bespoke
// routes under /api.
func NewServer(registry *command.Registry) *Server {
	s := &Server{registry: registry, router: mux.NewRouter()}
	s.router.Use(securityHeadersMiddleware)
	s.router.Use(loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/commands/{name}", s.handleCommand).Methods("POST")

	api.HandleFunc("/projects", s.handleGet("list_projects")).Methods("GET")
	api.HandleFunc("/projects/{projectIdOrName}", s.handleGetWithParam("get_project", "projectIdOrName")).Methods("GET")
	api.HandleFunc("/projects/{projectIdOrName}/stats", s.handleGetWithParam("get_project_stats", "projectIdOrName")).Methods("GET")
	api.HandleFunc("/projects/{projectIdOrName}/tasks", s.handleGetWithParam("list_tasks", "projectIdOrName")).Methods("GET")
	api.HandleFunc("/projects/{projectIdOrName}/agents", s.handleGetWithParam("list_active_agents", "projectIdOrName")).Methods("GET")
	api.HandleFunc("/tasks/{taskId}", s.handleGetWithParam("get_task", "taskId")).Methods("GET")
	api.HandleFunc("/health", s.handleGet("health_check")).Methods("GET")

	return s
}

func (s *Server) Router() http.Handler { return s.router }

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	params := map[string]interface{}{}
	if r.ContentLength != 0 {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, command.Result{Success: false, Error: "could not read request body"})
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &params); err != nil {
				writeJSON(w, http.StatusBadRequest, command.Result{Success: false, Error: "malformed JSON body"})
				return
			}
		}
	}
	s.dispatch(w, r, name, params)
}

func (s *Server) handleGet(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.dispatch(w, r, name, queryParams(r))
	}
}

func (s *Server) handleGetWithParam(name, pathKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params := queryParams(r)
		params[pathKey] = mux.Vars(r)[pathKey]
		s.dispatch(w, r, name, params)
	}
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, name string, params map[string]interface{}) {
	cmd, ok := s.registry.Get(name)
	if !ok {
		writeJSON(w, http.StatusNotFound, command.Result{Success: false, Error: "unknown command: " + name})
		return
	}
	data, err := cmd.Handler(r.Context(), params)
	if err != nil {
		writeJSON(w, command.HTTPStatus(err), command.Result{Success: false, Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, command.Result{Success: true, Data: data})
}

func queryParams(r *http.Request) map[string]interface{} {
	out := map[string]interface{}{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[HTTPAPI] failed to encode response: %v", err)
	}
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		next.ServeHTTP(w, r)
	})
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.Printf("[HTTPAPI] %s %s", r.Method, r.URL.Path)
		next.ServeHTTP(w, r)
	})
}
