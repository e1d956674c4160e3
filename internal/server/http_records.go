package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/groblegark/aspectd/internal/engine"
	"github.com/groblegark/aspectd/internal/model"
)

// recordKind validates the {kind} path segment.
func recordKind(w http.ResponseWriter, r *http.Request) (model.Kind, bool) {
	kind := model.Kind(r.PathValue("kind"))
	if !kind.IsValid() {
		writeError(w, http.StatusBadRequest, "invalid aspect kind")
		return "", false
	}
	return kind, true
}

// handleGetRecord handles GET /v1/entities/{id}/records/{kind}. The record
// version is returned both in the body and as an ETag so CAS callers can
// do conditional writes.
func (s *AspectServer) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := recordKind(w, r)
	if !ok {
		return
	}
	rec, err := s.engine.Read(r.Context(), r.PathValue("id"), kind)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(rec.Version, 10))
	writeJSON(w, http.StatusOK, rec)
}

// handleListRecords handles GET /v1/entities/{id}/records.
func (s *AspectServer) handleListRecords(w http.ResponseWriter, r *http.Request) {
	recs, err := s.engine.ListRecords(r.Context(), r.PathValue("id"))
	if err != nil {
		writeEngineError(w, err)
		return
	}
	if recs == nil {
		recs = []*model.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": recs})
}

// handleCreateRecord handles POST /v1/entities/{id}/records/{kind}.
func (s *AspectServer) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := recordKind(w, r)
	if !ok {
		return
	}
	var fields map[string]any
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	rec, err := s.engine.CreateRecord(r.Context(), r.PathValue("id"), kind, fields)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(rec.Version, 10))
	writeJSON(w, http.StatusCreated, rec)
}

// handlePutRecord handles PUT /v1/entities/{id}/records/{kind}: a
// compare-and-swap write. The expected version comes from the If-Match
// header (the ETag of the read this write is based on).
func (s *AspectServer) handlePutRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := recordKind(w, r)
	if !ok {
		return
	}
	expected, err := strconv.ParseInt(r.Header.Get("If-Match"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "If-Match header with the read version is required")
		return
	}

	var payload json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	entityID := r.PathValue("id")
	version, err := s.engine.PutIfVersion(r.Context(), entityID, kind, payload, expected)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	w.Header().Set("ETag", strconv.FormatInt(version, 10))
	writeJSON(w, http.StatusOK, map[string]any{
		"entity_id":   entityID,
		"aspect_kind": kind,
		"version":     version,
	})
}

// handleDeltaRecord handles POST /v1/entities/{id}/records/{kind}/delta:
// an atomic numeric adjustment that retries conflicts server-side.
func (s *AspectServer) handleDeltaRecord(w http.ResponseWriter, r *http.Request) {
	kind, ok := recordKind(w, r)
	if !ok {
		return
	}
	var in struct {
		Field   string   `json:"field"`
		Delta   float64  `json:"delta"`
		Floor   *float64 `json:"floor,omitempty"`
		Ceiling *float64 `json:"ceiling,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if in.Field == "" {
		writeError(w, http.StatusBadRequest, "field is required")
		return
	}

	res, err := s.engine.DeltaUpdate(r.Context(), r.PathValue("id"), kind, in.Field, in.Delta,
		engine.Bounds{Floor: in.Floor, Ceiling: in.Ceiling})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTransaction handles POST /v1/transactions: an all-or-nothing batch
// of record replacements validated against the versions the caller read.
func (s *AspectServer) handleTransaction(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Writes []struct {
			EntityID        string          `json:"entity_id"`
			Kind            model.Kind      `json:"aspect_kind"`
			ExpectedVersion int64           `json:"expected_version"`
			Payload         json.RawMessage `json:"payload"`
		} `json:"writes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(in.Writes) == 0 {
		writeError(w, http.StatusBadRequest, "writes is required")
		return
	}

	writes := make([]engine.Write, 0, len(in.Writes))
	for _, wr := range in.Writes {
		if wr.EntityID == "" || !wr.Kind.IsValid() {
			writeError(w, http.StatusBadRequest, "each write needs entity_id and a valid aspect_kind")
			return
		}
		writes = append(writes, engine.StaticWrite(wr.EntityID, wr.Kind, wr.ExpectedVersion, wr.Payload))
	}

	if err := s.engine.CommitMulti(r.Context(), writes); err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"committed": len(writes)})
}
