package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/groblegark/aspectd/internal/model"
	"github.com/groblegark/aspectd/internal/sched"
)

// handleScheduleAction handles POST /v1/actions.
func (s *AspectServer) handleScheduleAction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		EntityID       string          `json:"entity_id"`
		Kind           model.Kind      `json:"aspect_kind,omitempty"`
		Action         string          `json:"action"`
		Payload        json.RawMessage `json:"payload,omitempty"`
		NotBefore      *time.Time      `json:"not_before,omitempty"`
		Delay          string          `json:"delay,omitempty"` // alternative to not_before
		IdempotencyKey string          `json:"idempotency_key,omitempty"`
		RepeatEvery    string          `json:"repeat_every,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.EntityID == "" || in.Action == "" {
		writeError(w, http.StatusBadRequest, "entity_id and action are required")
		return
	}

	req := sched.Request{
		EntityID:       in.EntityID,
		Kind:           in.Kind,
		Action:         in.Action,
		Payload:        in.Payload,
		IdempotencyKey: in.IdempotencyKey,
	}
	if in.NotBefore != nil {
		req.NotBefore = *in.NotBefore
	} else if in.Delay != "" {
		d, err := time.ParseDuration(in.Delay)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		req.NotBefore = time.Now().Add(d)
	}
	if in.RepeatEvery != "" {
		d, err := time.ParseDuration(in.RepeatEvery)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid repeat_every")
			return
		}
		req.RepeatEvery = d
	}

	a, err := s.sched.Schedule(r.Context(), req)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// handleGetAction handles GET /v1/actions/{id}.
func (s *AspectServer) handleGetAction(w http.ResponseWriter, r *http.Request) {
	a, err := s.sched.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// handleCancelAction handles DELETE /v1/actions/{id}. A cancel that loses
// the race to the runner reports 409.
func (s *AspectServer) handleCancelAction(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.Cancel(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
