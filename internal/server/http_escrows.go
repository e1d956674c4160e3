package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// handleCreateEscrow handles POST /v1/escrows.
func (s *AspectServer) handleCreateEscrow(w http.ResponseWriter, r *http.Request) {
	var in struct {
		TTL string `json:"ttl,omitempty"`
	}
	// An empty body means default TTL.
	_ = json.NewDecoder(r.Body).Decode(&in)

	var ttl time.Duration
	if in.TTL != "" {
		d, err := time.ParseDuration(in.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
		ttl = d
	}

	es, err := s.engine.BeginEscrow(r.Context(), ttl)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, es)
}

// handleGetEscrow handles GET /v1/escrows/{id}.
func (s *AspectServer) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	es, units, err := s.engine.EscrowInfo(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if units == nil {
		units = []*model.EscrowUnit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escrow": es, "units": units})
}

// handleDeposit handles POST /v1/escrows/{id}/deposits.
func (s *AspectServer) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var in struct {
		SourceID string               `json:"source_id"`
		Unit     model.UnitDescriptor `json:"unit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.SourceID == "" {
		writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}

	unit, err := s.engine.Deposit(r.Context(), r.PathValue("id"), in.SourceID, in.Unit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, unit)
}

// handleRelease handles POST /v1/escrows/{id}/release. An empty unit_ids
// releases every held unit.
func (s *AspectServer) handleRelease(w http.ResponseWriter, r *http.Request) {
	var in struct {
		DestinationID string  `json:"destination_id"`
		UnitIDs       []int64 `json:"unit_ids,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.DestinationID == "" {
		writeError(w, http.StatusBadRequest, "destination_id is required")
		return
	}

	n, err := s.engine.Release(r.Context(), r.PathValue("id"), in.DestinationID, in.UnitIDs)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"released": n})
}

// handleReturn handles POST /v1/escrows/{id}/return.
func (s *AspectServer) handleReturn(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.ReturnAll(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"returned": n})
}
