// Package client is a Go client for the fieldsync daemon's loopback API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound matches a 404 from the daemon.
var ErrNotFound = errors.New("not found")

// Is lets errors.Is(err, ErrNotFound) match a 404 problem.
func (e *Error) Is(target error) bool {
	return target == ErrNotFound && e.Status == http.StatusNotFound
}

// Client talks to a fieldsync daemon.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// New creates a client for the daemon at baseURL (e.g. http://127.0.0.1:7420).
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func recordsPath(store string, id ...string) string {
	p := "/api/v1/stores/" + url.PathEscape(store) + "/records"
	for _, part := range id {
		p += "/" + url.PathEscape(part)
	}
	return p
}

// Health returns the daemon status. It needs no API key.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.do(ctx, http.MethodGet, "/api/v1/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns a store's cached records.
func (c *Client) List(ctx context.Context, store string) ([]Record, error) {
	var out struct {
		Records []Record `json:"records"`
	}
	if err := c.do(ctx, http.MethodGet, recordsPath(store), nil, &out); err != nil {
		return nil, err
	}
	return out.Records, nil
}

// Get returns one record.
func (c *Client) Get(ctx context.Context, store, id string) (*Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodGet, recordsPath(store, id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create writes a new record. The returned id is a placeholder until synced.
func (c *Client) Create(ctx context.Context, store string, fields map[string]any) (*Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPost, recordsPath(store), map[string]any{"fields": fields}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Update merges fields into an existing record.
func (c *Client) Update(ctx context.Context, store, id string, fields map[string]any) (*Record, error) {
	var out Record
	if err := c.do(ctx, http.MethodPatch, recordsPath(store, id), map[string]any{"fields": fields}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Delete removes a record.
func (c *Client) Delete(ctx context.Context, store, id string) error {
	return c.do(ctx, http.MethodDelete, recordsPath(store, id), nil, nil)
}

// Refresh replaces a store's cache with the backend's copy and returns the record count.
func (c *Client) Refresh(ctx context.Context, store string) (int, error) {
	var out struct {
		Records int `json:"records"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/stores/"+url.PathEscape(store)+"/refresh", nil, &out); err != nil {
		return 0, err
	}
	return out.Records, nil
}

// Stores describes every cached store.
func (c *Client) Stores(ctx context.Context) ([]StoreStats, error) {
	var out struct {
		Stores []StoreStats `json:"stores"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/stores", nil, &out); err != nil {
		return nil, err
	}
	return out.Stores, nil
}

// Outbox lists queued writes, optionally filtered by status.
func (c *Client) Outbox(ctx context.Context, statuses ...string) (*Outbox, error) {
	path := "/api/v1/outbox"
	if len(statuses) > 0 {
		path += "?status=" + url.QueryEscape(strings.Join(statuses, ","))
	}
	var out Outbox
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Retry resubmits a queued write now.
func (c *Client) Retry(ctx context.Context, id int64) (*OutboxEntry, error) {
	var out OutboxEntry
	if err := c.do(ctx, http.MethodPost, "/api/v1/outbox/"+strconv.FormatInt(id, 10)+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sync drains the outbox now.
func (c *Client) Sync(ctx context.Context) (*SyncReport, error) {
	var out SyncReport
	if err := c.do(ctx, http.MethodPost, "/api/v1/sync", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connectivity returns the backend reachability as seen by the daemon.
func (c *Client) Connectivity(ctx context.Context) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/connectivity", nil, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// NotifyNetworkChange forwards a platform network event and returns the resulting state.
func (c *Client) NotifyNetworkChange(ctx context.Context, up bool) (string, error) {
	var out struct {
		State string `json:"state"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v1/connectivity", map[string]bool{"up": up}, &out); err != nil {
		return "", err
	}
	return out.State, nil
}

// Backup asks the daemon to back up the device database.
func (c *Client) Backup(ctx context.Context) (*BackupResult, error) {
	var out BackupResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/backup", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// do sends an authenticated request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &Error{}
		_ = json.Unmarshal(payload, apiErr)
		apiErr.Status = resp.StatusCode
		if apiErr.Title == "" {
			apiErr.Title = http.StatusText(resp.StatusCode)
		}
		return apiErr
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
