// Package e2e drives a complete device stack in-process: a backend served
// over HTTP, the engine talking to it through the real remote client, the
// loopback API, and pkg/client on top.
package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fieldops/fieldsync/internal/api"
	"github.com/fieldops/fieldsync/internal/engine"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/remote/remotetest"
	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/pkg/client"
)

const (
	backendKey = "backend-key"
	screenKey  = "screen-key"
)

// device is one running daemon plus the backend it syncs with.
type device struct {
	backend *remotetest.Backend
	engine  *engine.Engine
	client  *client.Client
	apiURL  string
}

// newDevice starts a backend and a daemon. When offline is true the backend
// is unreachable from the first probe.
func newDevice(t *testing.T, offline bool) *device {
	t.Helper()

	old := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { slog.SetDefault(old) })

	backend := remotetest.New()
	backend.SetOffline(offline)
	backendSrv := httptest.NewServer(backendRouter(backend))
	t.Cleanup(backendSrv.Close)

	dir := t.TempDir()
	eng, err := engine.New(engine.Config{
		DBPath:            filepath.Join(dir, "device.db"),
		RetryPolicy:       fieldsync.RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		RequestTimeout:    5 * time.Second,
		SyncInterval:      time.Hour,
		ProbeInterval:     time.Hour,
		ProbeTimeout:      2 * time.Second,
		ReconnectDebounce: 20 * time.Millisecond,
		HydrateDelay:      20 * time.Millisecond,
		BackupDir:         filepath.Join(dir, "backups"),
		DeviceID:          "e2e-tablet",
	}, remote.NewHTTPClient(backendSrv.URL, backendKey, 5*time.Second))
	if err != nil {
		t.Fatalf("engine.New() error = %v", err)
	}
	if err := eng.Init(context.Background()); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	eng.Start()

	apiSrv := httptest.NewServer(api.NewRouter(api.NewHandler(eng, eng.Bus(), screenKey, "e2e")))
	t.Cleanup(func() {
		apiSrv.Close()
		eng.Close()
	})

	c, err := client.New(apiSrv.URL, screenKey)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}
	return &device{backend: backend, engine: eng, client: c, apiURL: apiSrv.URL}
}

// eventually polls cond until it holds or the timeout elapses.
func eventually(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// backendRouter serves remotetest.Backend over the backend entity protocol.
func backendRouter(b *remotetest.Backend) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if req.Header.Get("Authorization") != "Bearer "+backendKey {
				writeBackendError(w, &remote.Error{Status: http.StatusUnauthorized, Title: "Unauthorized"})
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/api/v1/health", func(w http.ResponseWriter, req *http.Request) {
		if err := b.Ping(req.Context()); err != nil {
			writeBackendError(w, err)
			return
		}
		writeBackendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1/entities/{store}", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			recs, err := b.List(req.Context(), chi.URLParam(req, "store"))
			if err != nil {
				writeBackendError(w, err)
				return
			}
			writeBackendJSON(w, http.StatusOK, map[string]any{"records": recs})
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeBackendError(w, &remote.Error{Status: http.StatusBadRequest, Title: "Bad Request", Detail: err.Error()})
				return
			}
			rec, err := b.Create(req.Context(), chi.URLParam(req, "store"), req.Header.Get("Idempotency-Key"), body.Fields)
			if err != nil {
				writeBackendError(w, err)
				return
			}
			writeBackendJSON(w, http.StatusCreated, rec)
		})
		r.Get("/{id}", func(w http.ResponseWriter, req *http.Request) {
			rec, err := b.Get(req.Context(), chi.URLParam(req, "store"), chi.URLParam(req, "id"))
			if err != nil {
				writeBackendError(w, err)
				return
			}
			writeBackendJSON(w, http.StatusOK, rec)
		})
		r.Patch("/{id}", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Fields map[string]any `json:"fields"`
			}
			if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
				writeBackendError(w, &remote.Error{Status: http.StatusBadRequest, Title: "Bad Request", Detail: err.Error()})
				return
			}
			rec, err := b.Update(req.Context(), chi.URLParam(req, "store"), chi.URLParam(req, "id"), body.Fields)
			if err != nil {
				writeBackendError(w, err)
				return
			}
			writeBackendJSON(w, http.StatusOK, rec)
		})
		r.Delete("/{id}", func(w http.ResponseWriter, req *http.Request) {
			if err := b.Delete(req.Context(), chi.URLParam(req, "store"), chi.URLParam(req, "id")); err != nil {
				writeBackendError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

// writeBackendError renders a structured failure as a problem body. An
// unreachable backend answers 503, which the device treats as transient.
func writeBackendError(w http.ResponseWriter, err error) {
	var re *remote.Error
	if !errors.As(err, &re) {
		re = &remote.Error{Status: http.StatusServiceUnavailable, Title: "Service Unavailable", Detail: err.Error()}
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(re.Status)
	_ = json.NewEncoder(w).Encode(re)
}

func writeBackendJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
