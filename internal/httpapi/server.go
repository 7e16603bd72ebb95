package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/payos/taskcore/internal/audit"
	"github.com/payos/taskcore/internal/config"
	"github.com/payos/taskcore/internal/escalation"
	"github.com/payos/taskcore/internal/events"
	"github.com/payos/taskcore/internal/models"
	"github.com/payos/taskcore/internal/store"
	"github.com/payos/taskcore/internal/strategies"
)

// Server is the observer/update surface: task submission, event streams,
// escalation responses, external state updates, and cancellation.
type Server struct {
	store      *store.Store
	escalation *escalation.Manager
	updater    *strategies.Updater
	delegated  *strategies.Delegated
	publisher  *events.Publisher
	trail      *audit.Logger
	cfg        config.HTTPConfig
	logger     *zap.Logger
}

func NewServer(
	st *store.Store,
	esc *escalation.Manager,
	updater *strategies.Updater,
	delegated *strategies.Delegated,
	pub *events.Publisher,
	trail *audit.Logger,
	cfg config.HTTPConfig,
	logger *zap.Logger,
) *Server {
	return &Server{
		store:      st,
		escalation: esc,
		updater:    updater,
		delegated:  delegated,
		publisher:  pub,
		trail:      trail,
		cfg:        cfg,
		logger:     logger,
	}
}

// Routes builds the mux. Mutating routes require the bearer token; streams
// and health do not.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	streaming := NewStreamingHandler(s.publisher.Bus(), s.logger)
	streaming.RegisterRoutes(mux)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /tasks/{id}", s.handleGet)
	mux.HandleFunc("GET /tasks/{id}/audit", s.handleAuditTrail)

	mux.Handle("POST /tasks", s.auth(s.handleSubmit))
	mux.Handle("POST /tasks/{id}/respond", s.auth(s.handleRespond))
	mux.Handle("POST /tasks/{id}/update", s.auth(s.handleUpdate))
	mux.Handle("POST /tasks/{id}/cancel", s.auth(s.handleCancel))

	return mux
}

// auth enforces the shared bearer token on mutating routes.
func (s *Server) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AuthToken == "" {
			next(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
			return
		}
		next(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type submitRequest struct {
	AgentID        uuid.UUID `json:"agent_id"`
	TenantID       uuid.UUID `json:"tenant_id"`
	ContextID      string    `json:"context_id,omitempty"`
	Text           string    `json:"text"`
	MandateRef     string    `json:"mandate_ref,omitempty"`
	NotifyEndpoint string    `json:"notify_endpoint,omitempty"`
}

// handleSubmit creates a task in submitted state; the claim loop picks it up.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == uuid.Nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "agent_id and text are required")
		return
	}
	if req.ContextID == "" {
		req.ContextID = uuid.NewString()
	}

	task := &models.Task{
		AgentID:        req.AgentID,
		TenantID:       req.TenantID,
		ContextID:      req.ContextID,
		MandateRef:     req.MandateRef,
		NotifyEndpoint: req.NotifyEndpoint,
		History:        []models.Message{models.NewTextMessage(models.RoleCaller, req.Text)},
	}
	if err := s.store.Create(r.Context(), task); err != nil {
		s.logger.Error("task submission failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create task")
		return
	}
	s.trail.StateChange(r.Context(), task.ID, "", models.StateSubmitted, "submitted")
	writeJSON(w, http.StatusCreated, map[string]string{
		"task_id":    task.ID.String(),
		"context_id": task.ContextID,
		"state":      string(task.State),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	entries, err := s.store.AuditTrail(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load audit trail")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

type respondRequest struct {
	Text string `json:"text"`
}

// handleRespond delivers an escalation response and requeues the task.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err := s.escalation.Respond(r.Context(), id, req.Text); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(models.StateSubmitted)})
}

// handleUpdate applies an external runtime's state report to a delegated or
// queued task.
func (s *Server) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	var upd strategies.Update
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.updater.ApplyExternalUpdate(r.Context(), id, upd); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(upd.State)})
}

// handleCancel marks the task cancelled and, for delegated agents, sends a
// best-effort notice to the runtime.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, ok := taskID(w, r)
	if !ok {
		return
	}
	task, err := s.store.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.Cancel(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	s.trail.StateChange(r.Context(), id, task.State, models.StateCancelled, "external cancel")
	s.publisher.Publish(r.Context(), id.String(), events.Event{
		Type:     events.TypeStateChange,
		State:    string(models.StateCancelled),
		Terminal: true,
	})

	if agent, err := s.store.AgentConfig(r.Context(), task.AgentID); err == nil && agent.Mode == models.ModeDelegated {
		go s.delegated.Cancel(context.Background(), task, agent)
	}
	writeJSON(w, http.StatusOK, map[string]string{"state": string(models.StateCancelled)})
}

func taskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, store.ErrBadTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
