package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fieldops/fieldsync/internal/types"
)

// DefaultTimeout bounds a single backend request.
const DefaultTimeout = 30 * time.Second

// HTTPClient talks to the backend entity API over HTTP.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewHTTPClient creates a client. A zero timeout selects DefaultTimeout.
func NewHTTPClient(baseURL, apiKey string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type listResponse struct {
	Records []types.LocalRecord `json:"records"`
}

type fieldsRequest struct {
	Fields map[string]any `json:"fields"`
}

func entityPath(store string, id ...string) string {
	p := "/api/v1/entities/" + url.PathEscape(store)
	for _, part := range id {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Ping checks the backend health endpoint.
func (c *HTTPClient) Ping(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodGet, "/api/v1/health", nil, nil, nil)
}

// Create posts a new entity with the placeholder id as idempotency key.
func (c *HTTPClient) Create(ctx context.Context, store, idempotencyKey string, fields map[string]any) (*types.LocalRecord, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}
	var out types.LocalRecord
	if err := c.doJSON(ctx, http.MethodPost, entityPath(store), headers, fieldsRequest{Fields: fields}, &out); err != nil {
		return nil, fmt.Errorf("create %s: %w", store, err)
	}
	if out.ID == "" {
		return nil, fmt.Errorf("create %s: response carries no id", store)
	}
	return &out, nil
}

// Get fetches one entity.
func (c *HTTPClient) Get(ctx context.Context, store, id string) (*types.LocalRecord, error) {
	var out types.LocalRecord
	if err := c.doJSON(ctx, http.MethodGet, entityPath(store, id), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", store, id, err)
	}
	return &out, nil
}

// List fetches the full snapshot of a store.
func (c *HTTPClient) List(ctx context.Context, store string) ([]types.LocalRecord, error) {
	var out listResponse
	if err := c.doJSON(ctx, http.MethodGet, entityPath(store), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list %s: %w", store, err)
	}
	if out.Records == nil {
		out.Records = []types.LocalRecord{}
	}
	return out.Records, nil
}

// Update patches an entity's fields.
func (c *HTTPClient) Update(ctx context.Context, store, id string, fields map[string]any) (*types.LocalRecord, error) {
	var out types.LocalRecord
	if err := c.doJSON(ctx, http.MethodPatch, entityPath(store, id), nil, fieldsRequest{Fields: fields}, &out); err != nil {
		return nil, fmt.Errorf("update %s/%s: %w", store, id, err)
	}
	return &out, nil
}

// Delete removes an entity; a 404 counts as already deleted.
func (c *HTTPClient) Delete(ctx context.Context, store, id string) error {
	err := c.doJSON(ctx, http.MethodDelete, entityPath(store, id), nil, nil, nil)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete %s/%s: %w", store, id, err)
	}
	return nil
}

func (c *HTTPClient) doJSON(ctx context.Context, method, requestPath string, headers map[string]string, body, out any) error {
	if c.baseURL == "" {
		return ErrNotConfigured
	}

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+requestPath, bodyReader)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	payload, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return fmt.Errorf("read response: %w", readErr)
	}

	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		if out == nil || len(payload) == 0 {
			return nil
		}
		if err := json.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	remoteErr := &Error{}
	_ = json.Unmarshal(payload, remoteErr)
	remoteErr.Status = resp.StatusCode
	if remoteErr.Title == "" {
		remoteErr.Title = http.StatusText(resp.StatusCode)
	}
	return remoteErr
}
