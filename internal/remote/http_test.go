package remote

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPClient_Create(t *testing.T) {
	var gotKey, gotAuth, gotPath string
	var gotBody fieldsRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"srv-445","fields":{"name":"Shop A"},"created_at":"2026-03-01T09:00:00Z","updated_at":"2026-03-01T09:00:00Z"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL+"/", "secret", time.Second)
	rec, err := c.Create(context.Background(), "retailers", "offline_retailer_1_ab", map[string]any{"name": "Shop A"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if rec.ID != "srv-445" {
		t.Errorf("ID = %q, want srv-445", rec.ID)
	}
	if gotKey != "offline_retailer_1_ab" {
		t.Errorf("Idempotency-Key = %q", gotKey)
	}
	if gotAuth != "Bearer secret" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotPath != "/api/v1/entities/retailers" {
		t.Errorf("path = %q", gotPath)
	}
	if gotBody.Fields["name"] != "Shop A" {
		t.Errorf("body = %+v", gotBody)
	}
}

func TestHTTPClient_List(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/entities/beats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"records":[{"id":"b1","fields":{"name":"North"}},{"id":"b2","fields":{"name":"South"}}]}`))
	}))
	defer srv.Close()

	recs, err := NewHTTPClient(srv.URL, "", 0).List(context.Background(), "beats")
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(recs) != 2 || recs[1].Fields["name"] != "South" {
		t.Errorf("List() = %+v", recs)
	}
}

func TestHTTPClient_ProblemResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"type":"about:blank","title":"Validation Failed","status":422,"detail":"phone is invalid"}`))
	}))
	defer srv.Close()

	_, err := NewHTTPClient(srv.URL, "", 0).Update(context.Background(), "retailers", "srv-1", map[string]any{"phone": "x"})

	var re *Error
	if !errors.As(err, &re) {
		t.Fatalf("error = %v, want *Error", err)
	}
	if re.Status != 422 || re.Detail != "phone is invalid" {
		t.Errorf("Error = %+v", re)
	}
	if Classify(err) != ClassRejected {
		t.Error("422 should be rejected")
	}
}

func TestHTTPClient_DeleteNotFoundSucceeds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	if err := NewHTTPClient(srv.URL, "", 0).Delete(context.Background(), "retailers", "srv-1"); err != nil {
		t.Errorf("Delete() error = %v, want nil", err)
	}
}

func TestHTTPClient_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	err := NewHTTPClient(srv.URL, "", 50*time.Millisecond).Ping(context.Background())
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if Classify(err) != ClassTransient {
		t.Errorf("Classify(timeout) = %v, want transient", Classify(err))
	}
}

func TestHTTPClient_NotConfigured(t *testing.T) {
	err := NewHTTPClient("", "", 0).Ping(context.Background())
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Ping() error = %v, want ErrNotConfigured", err)
	}
}
