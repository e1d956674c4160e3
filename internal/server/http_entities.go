package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/groblegark/aspectd/internal/model"
)

// handleCreateEntity handles POST /v1/entities.
func (s *AspectServer) handleCreateEntity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name     string `json:"name"`
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	ent, err := s.engine.CreateEntity(r.Context(), in.Name, in.Location)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, ent)
}

// handleListEntities handles GET /v1/entities.
func (s *AspectServer) handleListEntities(w http.ResponseWriter, r *http.Request) {
	ents, err := s.engine.ListEntities(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ents == nil {
		ents = []*model.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": ents, "total": len(ents)})
}

// handleGetEntity handles GET /v1/entities/{id}.
func (s *AspectServer) handleGetEntity(w http.ResponseWriter, r *http.Request) {
	ent, err := s.engine.GetEntity(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleRenameEntity handles PATCH /v1/entities/{id}.
func (s *AspectServer) handleRenameEntity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	id := r.PathValue("id")
	if err := s.engine.RenameEntity(r.Context(), id, in.Name); err != nil {
		writeEngineError(w, err)
		return
	}
	ent, err := s.engine.GetEntity(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleDeleteEntity handles DELETE /v1/entities/{id}.
func (s *AspectServer) handleDeleteEntity(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteEntity(r.Context(), r.PathValue("id")); err != nil {
		writeEngineError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleMoveEntity handles POST /v1/entities/{id}/move.
func (s *AspectServer) handleMoveEntity(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Location string `json:"location"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	id := r.PathValue("id")
	if err := s.engine.MoveEntity(r.Context(), id, in.Location); err != nil {
		writeEngineError(w, err)
		return
	}
	ent, err := s.engine.GetEntity(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ent)
}

// handleContents handles GET /v1/entities/{id}/contents.
func (s *AspectServer) handleContents(w http.ResponseWriter, r *http.Request) {
	ents, err := s.engine.Contents(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if ents == nil {
		ents = []*model.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": ents, "total": len(ents)})
}

// handleEntityEvents handles GET /v1/entities/{id}/events.
func (s *AspectServer) handleEntityEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}

	evs, err := s.engine.EventsForEntity(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if evs == nil {
		evs = []*model.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}
