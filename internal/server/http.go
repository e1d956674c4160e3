package server

import (
	"net/http"
)

// NewHTTPHandler returns an http.Handler with all routes registered.
// When authToken is non-empty, requests (except GET /v1/health) must include
// a valid Authorization: Bearer <token> header.
func (s *AspectServer) NewHTTPHandler(authToken string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/entities", s.handleCreateEntity)
	mux.HandleFunc("GET /v1/entities", s.handleListEntities)
	mux.HandleFunc("GET /v1/entities/{id}", s.handleGetEntity)
	mux.HandleFunc("PATCH /v1/entities/{id}", s.handleRenameEntity)
	mux.HandleFunc("DELETE /v1/entities/{id}", s.handleDeleteEntity)
	mux.HandleFunc("POST /v1/entities/{id}/move", s.handleMoveEntity)
	mux.HandleFunc("GET /v1/entities/{id}/contents", s.handleContents)
	mux.HandleFunc("GET /v1/entities/{id}/events", s.handleEntityEvents)
	mux.HandleFunc("GET /v1/entities/{id}/records", s.handleListRecords)
	mux.HandleFunc("GET /v1/entities/{id}/records/{kind}", s.handleGetRecord)
	mux.HandleFunc("POST /v1/entities/{id}/records/{kind}", s.handleCreateRecord)
	mux.HandleFunc("PUT /v1/entities/{id}/records/{kind}", s.handlePutRecord)
	mux.HandleFunc("POST /v1/entities/{id}/records/{kind}/delta", s.handleDeltaRecord)
	mux.HandleFunc("POST /v1/transactions", s.handleTransaction)
	mux.HandleFunc("POST /v1/escrows", s.handleCreateEscrow)
	mux.HandleFunc("GET /v1/escrows/{id}", s.handleGetEscrow)
	mux.HandleFunc("POST /v1/escrows/{id}/deposits", s.handleDeposit)
	mux.HandleFunc("POST /v1/escrows/{id}/release", s.handleRelease)
	mux.HandleFunc("POST /v1/escrows/{id}/return", s.handleReturn)
	mux.HandleFunc("POST /v1/actions", s.handleScheduleAction)
	mux.HandleFunc("GET /v1/actions/{id}", s.handleGetAction)
	mux.HandleFunc("DELETE /v1/actions/{id}", s.handleCancelAction)
	mux.HandleFunc("GET /v1/events/stream", s.handleEventStream)
	mux.HandleFunc("GET /v1/health", s.handleHealth)
	return AuthMiddleware(authToken, RecoverMiddleware(s.logger, LoggingMiddleware(s.logger, mux)))
}

// handleHealth handles GET /v1/health.
func (s *AspectServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
