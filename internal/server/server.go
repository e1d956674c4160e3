// Package server is the HTTP access gateway: JSON endpoints over the
// engine's operations plus an SSE stream fed by the dispatcher.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/groblegark/aspectd/internal/engine"
	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/sched"
	"github.com/groblegark/aspectd/internal/store"
)

// AspectServer serves the HTTP API.
type AspectServer struct {
	engine *engine.Engine
	sched  *sched.Service
	sseHub *sseHub
	logger *slog.Logger
}

// NewAspectServer returns a server over the given engine and scheduler.
func NewAspectServer(e *engine.Engine, s *sched.Service, logger *slog.Logger) *AspectServer {
	return &AspectServer{
		engine: e,
		sched:  s,
		sseHub: newSSEHub(),
		logger: logger,
	}
}

// Broadcast fans a delivered event out to connected SSE clients. The relay
// calls this after a successful publish.
func (s *AspectServer) Broadcast(ev *model.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("failed to marshal event for SSE broadcast", "topic", ev.Topic, "error", err)
		return
	}
	s.sseHub.broadcast(ev.Topic, payload)
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeEngineError maps the engine's error taxonomy onto HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, engine.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "already exists")
	case errors.Is(err, engine.ErrVersionConflict):
		var conflict *engine.ConflictError
		if errors.As(err, &conflict) {
			body := map[string]any{
				"error":       "version conflict",
				"entity_id":   conflict.EntityID,
				"aspect_kind": string(conflict.Kind),
			}
			if conflict.Current > 0 {
				body["current_version"] = conflict.Current
			}
			writeJSON(w, http.StatusConflict, body)
			return
		}
		writeError(w, http.StatusConflict, "version conflict")
	case errors.Is(err, engine.ErrConcurrencyExhausted):
		writeError(w, http.StatusConflict, "concurrency retries exhausted, try again")
	case errors.Is(err, engine.ErrInsufficientResource):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrSourceValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrEscrowNotHeld):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrEscrowTerminal):
		writeError(w, http.StatusGone, "escrow already settled")
	case errors.Is(err, store.ErrAlreadyFired):
		writeError(w, http.StatusConflict, "action already fired")
	case errors.Is(err, engine.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
