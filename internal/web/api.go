package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/store"
	"github.com/soomehta/hive/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Dispatch and swarm sessions
	mux.HandleFunc("POST /api/dispatch", s.dispatch)
	mux.HandleFunc("POST /api/plan", s.plan)
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/context", s.getSwarmContext)
	mux.HandleFunc("POST /api/swarms/{id}/cancel", s.cancelSwarm)

	// Signals
	mux.HandleFunc("POST /api/signals/{id}/resolve", s.resolveSignal)

	// Bee templates
	mux.HandleFunc("GET /api/orgs/{org}/templates", s.listTemplates)
	mux.HandleFunc("POST /api/orgs/{org}/templates", s.createTemplate)
	mux.HandleFunc("POST /api/orgs/{org}/templates/seed", s.seedTemplates)
	mux.HandleFunc("GET /api/templates/{id}", s.getTemplate)
	mux.HandleFunc("PATCH /api/templates/{id}", s.updateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.deleteTemplate)

	// Bee instances
	mux.HandleFunc("GET /api/orgs/{org}/instances", s.listInstances)
	mux.HandleFunc("POST /api/orgs/{org}/instances", s.createInstance)
	mux.HandleFunc("PATCH /api/instances/{id}", s.updateInstance)
	mux.HandleFunc("DELETE /api/instances/{id}", s.deleteInstance)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	var req swarm.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := s.swarm.Dispatch(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.SessionID != "" {
		w.Header().Set("Location", "/api/swarms/"+res.SessionID)
		jsonStatus(w, res, http.StatusAccepted)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) plan(w http.ResponseWriter, r *http.Request) {
	var req swarm.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	plan, err := s.swarm.Plan(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, plan)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	org := r.URL.Query().Get("org")
	if org == "" {
		jsonError(w, "org is required", http.StatusBadRequest)
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			jsonError(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	sessions, err := s.swarm.ListSessions(r.Context(), org, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []store.SwarmSession{}
	}
	jsonResponse(w, sessions)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	view, err := s.swarm.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, view)
}

func (s *Server) getSwarmContext(w http.ResponseWriter, r *http.Request) {
	var since int64
	if v := r.URL.Query().Get("since"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			jsonError(w, "since must be a non-negative integer", http.StatusBadRequest)
			return
		}
		since = n
	}
	entries, err := s.swarm.Context(r.Context(), r.PathValue("id"), since)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []store.ContextEntry{}
	}
	jsonResponse(w, entries)
}

func (s *Server) cancelSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	id := r.PathValue("id")
	if err := s.swarm.Cancel(r.Context(), id, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": store.StatusFailed, "id": id})
}

func (s *Server) resolveSignal(w http.ResponseWriter, r *http.Request) {
	res, err := s.swarm.ResolveSignal(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.catalog.ListTemplates(r.PathValue("org"))
	if err != nil {
		writeError(w, err)
		return
	}
	if templates == nil {
		templates = []store.BeeTemplate{}
	}
	jsonResponse(w, templates)
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var spec bee.TemplateSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := s.catalog.CreateTemplate(r.PathValue("org"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, t, http.StatusCreated)
}

func (s *Server) seedTemplates(w http.ResponseWriter, r *http.Request) {
	org := r.PathValue("org")
	if err := s.catalog.SeedSystemTemplates(org); err != nil {
		writeError(w, err)
		return
	}
	templates, err := s.catalog.ListTemplates(org)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, templates)
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := s.catalog.GetTemplate(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	if t == nil {
		jsonError(w, "template not found", http.StatusNotFound)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var patch bee.TemplatePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	t, err := s.catalog.UpdateTemplate(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, t)
}

func (s *Server) deleteTemplate(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteTemplate(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	instances, err := s.catalog.ListInstances(r.PathValue("org"))
	if err != nil {
		writeError(w, err)
		return
	}
	if instances == nil {
		instances = []store.BeeInstance{}
	}
	jsonResponse(w, instances)
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var spec bee.InstanceSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	i, err := s.catalog.CreateInstance(r.PathValue("org"), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonStatus(w, i, http.StatusCreated)
}

func (s *Server) updateInstance(w http.ResponseWriter, r *http.Request) {
	var patch bee.InstancePatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	i, err := s.catalog.UpdateInstance(r.PathValue("id"), patch)
	if err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, i)
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	if err := s.catalog.DeleteInstance(r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"uptime":         formatUptime(time.Since(s.startedAt)),
		"nats":           s.nats != nil,
		"vault":          s.vault != nil,
		"ws_connections": s.hub.clientCount(),
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

// errorStatus maps domain errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrSessionFinished), errors.Is(err, store.ErrRunFinished), errors.Is(err, bee.ErrSystemTemplate):
		return http.StatusConflict
	case errors.Is(err, swarm.ErrNoEligibleBees):
		return http.StatusUnprocessableEntity
	case swarm.IsClientError(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	jsonError(w, err.Error(), code)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, data, http.StatusOK)
}

func jsonStatus(w http.ResponseWriter, data any, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
