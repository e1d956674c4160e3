package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/groblegark/aspectd/internal/model"
)

// HTTPClient implements AspectClient using the aspectd HTTP/JSON REST API.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewHTTPClient creates a new HTTP client targeting the given base URL
// (e.g. "http://localhost:8080"). When token is non-empty, an Authorization
// header is set on every request.
func NewHTTPClient(baseURL, token string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{},
	}
}

// Close is a no-op for the HTTP client.
func (c *HTTPClient) Close() error { return nil }

// --- Entities ---

func (c *HTTPClient) CreateEntity(ctx context.Context, req *CreateEntityRequest) (*model.Entity, error) {
	var ent model.Entity
	if err := c.doJSON(ctx, http.MethodPost, "/v1/entities", req, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (c *HTTPClient) GetEntity(ctx context.Context, id string) (*model.Entity, error) {
	var ent model.Entity
	if err := c.doJSON(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id), nil, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (c *HTTPClient) ListEntities(ctx context.Context) (*ListEntitiesResponse, error) {
	var resp ListEntitiesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/entities", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) RenameEntity(ctx context.Context, id, name string) (*model.Entity, error) {
	var ent model.Entity
	body := map[string]string{"name": name}
	if err := c.doJSON(ctx, http.MethodPatch, "/v1/entities/"+url.PathEscape(id), body, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (c *HTTPClient) MoveEntity(ctx context.Context, id, location string) (*model.Entity, error) {
	var ent model.Entity
	body := map[string]string{"location": location}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/entities/"+url.PathEscape(id)+"/move", body, &ent); err != nil {
		return nil, err
	}
	return &ent, nil
}

func (c *HTTPClient) DeleteEntity(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/entities/"+url.PathEscape(id), nil, nil)
}

func (c *HTTPClient) Contents(ctx context.Context, id string) (*ListEntitiesResponse, error) {
	var resp ListEntitiesResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(id)+"/contents", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) GetEvents(ctx context.Context, entityID string, limit int) ([]*model.Event, error) {
	path := "/v1/entities/" + url.PathEscape(entityID) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var resp struct {
		Events []*model.Event `json:"events"`
	}
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Events, nil
}

// --- Aspect records ---

func recordPath(entityID string, kind model.Kind) string {
	return "/v1/entities/" + url.PathEscape(entityID) + "/records/" + url.PathEscape(string(kind))
}

func (c *HTTPClient) GetRecord(ctx context.Context, entityID string, kind model.Kind) (*model.Record, error) {
	var rec model.Record
	if err := c.doJSON(ctx, http.MethodGet, recordPath(entityID, kind), nil, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (c *HTTPClient) ListRecords(ctx context.Context, entityID string) ([]*model.Record, error) {
	var resp struct {
		Records []*model.Record `json:"records"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/entities/"+url.PathEscape(entityID)+"/records", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *HTTPClient) CreateRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage) (*model.Record, error) {
	var rec model.Record
	if err := c.doJSON(ctx, http.MethodPost, recordPath(entityID, kind), payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// PutRecord replaces a record's payload conditionally on expectedVersion and
// returns the new version. A stale version surfaces as an APIError with
// status 409.
func (c *HTTPClient) PutRecord(ctx context.Context, entityID string, kind model.Kind, payload json.RawMessage, expectedVersion int64) (int64, error) {
	var resp struct {
		Version int64 `json:"version"`
	}
	headers := map[string]string{"If-Match": strconv.FormatInt(expectedVersion, 10)}
	if err := c.doJSONHeaders(ctx, http.MethodPut, recordPath(entityID, kind), payload, &resp, headers); err != nil {
		return 0, err
	}
	return resp.Version, nil
}

func (c *HTTPClient) DeltaRecord(ctx context.Context, entityID string, kind model.Kind, req *DeltaRequest) (*DeltaResponse, error) {
	var resp DeltaResponse
	if err := c.doJSON(ctx, http.MethodPost, recordPath(entityID, kind)+"/delta", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Commit(ctx context.Context, writes []TransactionWrite) (int, error) {
	body := map[string]any{"writes": writes}
	var resp struct {
		Committed int `json:"committed"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/transactions", body, &resp); err != nil {
		return 0, err
	}
	return resp.Committed, nil
}

// --- Escrows ---

func (c *HTTPClient) CreateEscrow(ctx context.Context, ttl time.Duration) (*model.Escrow, error) {
	body := map[string]string{}
	if ttl > 0 {
		body["ttl"] = ttl.String()
	}
	var es model.Escrow
	if err := c.doJSON(ctx, http.MethodPost, "/v1/escrows", body, &es); err != nil {
		return nil, err
	}
	return &es, nil
}

func (c *HTTPClient) GetEscrow(ctx context.Context, id string) (*EscrowResponse, error) {
	var resp EscrowResponse
	if err := c.doJSON(ctx, http.MethodGet, "/v1/escrows/"+url.PathEscape(id), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *HTTPClient) Deposit(ctx context.Context, escrowID, sourceID string, unit model.UnitDescriptor) (*model.EscrowUnit, error) {
	body := map[string]any{"source_id": sourceID, "unit": unit}
	var u model.EscrowUnit
	if err := c.doJSON(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/deposits", body, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *HTTPClient) Release(ctx context.Context, escrowID, destinationID string, unitIDs []int64) (int64, error) {
	body := map[string]any{"destination_id": destinationID}
	if len(unitIDs) > 0 {
		body["unit_ids"] = unitIDs
	}
	var resp struct {
		Released int64 `json:"released"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/release", body, &resp); err != nil {
		return 0, err
	}
	return resp.Released, nil
}

func (c *HTTPClient) Return(ctx context.Context, escrowID string) (int64, error) {
	var resp struct {
		Returned int64 `json:"returned"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v1/escrows/"+url.PathEscape(escrowID)+"/return", map[string]any{}, &resp); err != nil {
		return 0, err
	}
	return resp.Returned, nil
}

// --- Scheduled actions ---

func (c *HTTPClient) ScheduleAction(ctx context.Context, req *ScheduleActionRequest) (*model.ScheduledAction, error) {
	var a model.ScheduledAction
	if err := c.doJSON(ctx, http.MethodPost, "/v1/actions", req, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) GetAction(ctx context.Context, id string) (*model.ScheduledAction, error) {
	var a model.ScheduledAction
	if err := c.doJSON(ctx, http.MethodGet, "/v1/actions/"+url.PathEscape(id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *HTTPClient) CancelAction(ctx context.Context, id string) error {
	return c.doJSON(ctx, http.MethodDelete, "/v1/actions/"+url.PathEscape(id), nil, nil)
}

// --- Health ---

func (c *HTTPClient) Health(ctx context.Context) (string, error) {
	var resp struct {
		Status string `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/health", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// --- internal helpers ---

// APIError represents an error response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// doJSON performs an HTTP request with optional JSON body and decodes the
// JSON response. If result is nil, the response body is discarded (for
// DELETE/204 responses).
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body any, result any) error {
	return c.doJSONHeaders(ctx, method, path, body, result, nil)
}

func (c *HTTPClient) doJSONHeaders(ctx context.Context, method, path string, body any, result any, headers map[string]string) error {
	var bodyReader io.Reader
	if body != nil {
		// Caller-provided raw payloads go over the wire untouched;
		// re-marshaling a RawMessage would reformat the caller's bytes.
		data, ok := body.(json.RawMessage)
		if !ok {
			var err error
			data, err = json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshaling request body: %w", err)
			}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer resp.Body.Close()

	// 204 No Content is success with no body.
	if resp.StatusCode == http.StatusNoContent {
		return nil
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}

	return nil
}
