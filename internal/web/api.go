package web

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/weftlabs/weft/internal/schedule"
	"github.com/weftlabs/weft/internal/store"
	"github.com/weftlabs/weft/internal/turn"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Turns
	mux.HandleFunc("POST /api/turns", s.createTurn)
	mux.HandleFunc("GET /api/turns", s.listTurns)
	mux.HandleFunc("GET /api/turns/{id}", s.getTurn)
	mux.HandleFunc("DELETE /api/turns/{id}", s.cancelTurn)

	// Variables
	mux.HandleFunc("GET /api/vars", s.listVars)
	mux.HandleFunc("GET /api/vars/{key}", s.getVar)
	mux.HandleFunc("PUT /api/vars/{key}", s.setVar)

	// Scheduled prompts
	mux.HandleFunc("GET /api/prompts", s.listPrompts)
	mux.HandleFunc("POST /api/prompts", s.createPrompt)
	mux.HandleFunc("DELETE /api/prompts/{id}", s.deletePrompt)

	// Secrets (write-only: names are listable, values are not)
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{name}", s.deleteSecret)

	// Executors
	mux.HandleFunc("GET /api/executors", s.listExecutors)

	mux.HandleFunc("GET /api/status", s.getStatus)
}

// createTurn accepts a complete model stream and runs it as one turn.
// With wait=true the response carries the finished turn and its
// actions; otherwise the turn runs in the background and the response
// carries only the id.
func (s *Server) createTurn(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Stream    string `json:"stream"`
		ChunkSize int    `json:"chunk_size"`
		Wait      bool   `json:"wait"`
	}

	if r.Header.Get("Content-Type") == "application/json" {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	} else {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			jsonError(w, "read body failed", http.StatusBadRequest)
			return
		}
		body.Stream = string(raw)
	}
	if body.Stream == "" {
		jsonError(w, "stream is required", http.StatusBadRequest)
		return
	}
	if body.ChunkSize <= 0 {
		body.ChunkSize = 64
	}
	src := turn.NewStringSource(body.Stream, body.ChunkSize)

	if body.Wait {
		id, err := s.gw.RunTurn(r.Context(), src, "http")
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.respondTurn(w, id)
		return
	}

	id, err := s.gw.StartTurn(r.Context(), src, "http")
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{"turn_id": id})
}

func (s *Server) listTurns(w http.ResponseWriter, r *http.Request) {
	turns, err := s.store.ListTurns(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, turns)
}

func (s *Server) getTurn(w http.ResponseWriter, r *http.Request) {
	s.respondTurn(w, r.PathValue("id"))
}

func (s *Server) respondTurn(w http.ResponseWriter, id string) {
	rec, err := s.store.GetTurn(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, "turn not found", http.StatusNotFound)
		return
	}
	actions, err := s.store.ListActions(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"turn": rec, "actions": actions})
}

func (s *Server) cancelTurn(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if !s.gw.CancelTurn(id) {
		jsonError(w, "turn not running", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]any{"cancelled": true})
}

func (s *Server) listVars(w http.ResponseWriter, r *http.Request) {
	vars, err := s.store.ListVars()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, vars)
}

func (s *Server) getVar(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok, err := s.store.GetVar(key)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if !ok {
		jsonError(w, "var not set", http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]any{"key": key, "value": value})
}

func (s *Server) setVar(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, err := io.ReadAll(r.Body)
	if err != nil || len(value) == 0 {
		jsonError(w, "value is required", http.StatusBadRequest)
		return
	}
	if !json.Valid(value) {
		jsonError(w, "value must be valid JSON", http.StatusBadRequest)
		return
	}
	if err := s.store.SetVar(key, value); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"key": key})
}

func (s *Server) listPrompts(w http.ResponseWriter, r *http.Request) {
	prompts, err := s.store.ListPrompts()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, prompts)
}

func (s *Server) createPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Schedule string `json:"schedule"`
		Prompt   string `json:"prompt"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || body.Prompt == "" {
		jsonError(w, "name, schedule, and prompt are required", http.StatusBadRequest)
		return
	}

	normalized, err := schedule.NormalizeSchedule(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	p := store.ScheduledPrompt{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Schedule: normalized,
		Prompt:   body.Prompt,
		Status:   status,
	}
	if status == "active" {
		p.NextRunAt = schedule.CalculateNextRun(normalized)
	}

	if err := s.store.SavePrompt(&p); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) deletePrompt(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePrompt(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"deleted": true})
}

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListSecretNames()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, names)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}
	if err := s.gw.SetSecret(body.Name, body.Value); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"name": body.Name})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSecret(r.PathValue("name")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"deleted": true})
}

func (s *Server) listExecutors(w http.ResponseWriter, r *http.Request) {
	if s.manager == nil {
		jsonResponse(w, []any{})
		return
	}
	jsonResponse(w, s.manager.ListRunning())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	executors := 0
	if s.manager != nil {
		executors = len(s.manager.ListRunning())
	}
	jsonResponse(w, map[string]any{
		"version":   s.version,
		"started":   s.startedAt.Format(time.RFC3339),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"executors": executors,
	})
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
