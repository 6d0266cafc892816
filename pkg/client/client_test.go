package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL+"/", "screen-key")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New("", "key"); err == nil {
		t.Error("New() with empty base URL should fail")
	}
}

func TestClient_Create(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/stores/visits/records" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer screen-key" {
			t.Errorf("Authorization = %q", got)
		}
		var body struct {
			Fields map[string]any `json:"fields"`
		}
		data, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(data, &body); err != nil || body.Fields["notes"] != "restocked" {
			t.Errorf("body = %s (%v)", data, err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"offline-visit-01J","fields":{"notes":"restocked"}}`))
	})

	rec, err := c.Create(context.Background(), "visits", map[string]any{"notes": "restocked"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if rec.ID != "offline-visit-01J" {
		t.Errorf("ID = %q", rec.ID)
	}
}

func TestClient_OutboxStatusQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("status"); got != "failed,pending" {
			t.Errorf("status query = %q", got)
		}
		w.Write([]byte(`{"entries":[{"id":3,"status":"failed"}],"stats":{"failed":1}}`))
	})

	out, err := c.Outbox(context.Background(), "failed", "pending")
	if err != nil {
		t.Fatalf("Outbox() error = %v", err)
	}
	if len(out.Entries) != 1 || out.Entries[0].ID != 3 || out.Stats.Failed != 1 {
		t.Errorf("outbox = %+v", out)
	}
}

func TestClient_ProblemResponse(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"type":"https://fieldsync.dev/errors/validation-error","title":"Validation Error","status":422,"detail":"Write contains invalid fields","errors":[{"field":"fields","message":"is required"}]}`))
	})

	_, err := c.Create(context.Background(), "orders", nil)

	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *Error", err)
	}
	if apiErr.Status != http.StatusUnprocessableEntity || len(apiErr.Errors) != 1 {
		t.Errorf("problem = %+v", apiErr)
	}
}

func TestClient_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Get(context.Background(), "retailers", "srv-404")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err.Error() != "fieldsync 404 Not Found" {
		t.Errorf("message = %q", err.Error())
	}
}

func TestClient_DeleteNoContent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/api/v1/stores/retailers/records/srv-1" {
			t.Errorf("request = %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if err := c.Delete(context.Background(), "retailers", "srv-1"); err != nil {
		t.Errorf("Delete() error = %v", err)
	}
}

func TestClient_NotifyNetworkChange(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]bool
		_ = json.NewDecoder(r.Body).Decode(&body)
		if up, ok := body["up"]; !ok || up {
			t.Errorf("body = %v, want up=false", body)
		}
		w.Write([]byte(`{"state":"offline"}`))
	})

	state, err := c.NotifyNetworkChange(context.Background(), false)
	if err != nil || state != "offline" {
		t.Errorf("state = %q, err = %v", state, err)
	}
}
