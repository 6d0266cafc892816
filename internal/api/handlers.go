package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/fieldops/fieldsync/internal/events"
	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/types"
	"github.com/fieldops/fieldsync/internal/worker"
)

// Engine is the sync core the handlers front. Implemented by engine.Engine.
type Engine interface {
	Read(ctx context.Context, storeName string) ([]types.LocalRecord, error)
	GetByID(ctx context.Context, storeName, id string) (*types.LocalRecord, error)
	Write(ctx context.Context, storeName string, in types.WriteIntent) (*types.LocalRecord, error)
	Refresh(ctx context.Context, storeName string) (int, error)
	Sync(ctx context.Context) (types.SyncReport, error)
	Retry(ctx context.Context, id int64) (*types.PendingMutation, error)
	Outbox(ctx context.Context, statuses ...types.MutationStatus) ([]types.PendingMutation, error)
	OutboxStats(ctx context.Context) (types.OutboxStats, error)
	Stores(ctx context.Context) ([]types.StoreStats, error)
	Backup(ctx context.Context) (worker.BackupResult, error)
	NotifyNetworkChange(ctx context.Context, up bool) types.ConnectivityState
	Connectivity() types.ConnectivityState
	Mode() string
}

// Subscriber delivers engine events. Implemented by events.Bus.
type Subscriber interface {
	Subscribe(name events.Name, h events.Handler) (unsubscribe func())
}

// Handler implements the API handlers
type Handler struct {
	engine  Engine
	bus     Subscriber
	apiKey  string
	version string
}

// NewHandler creates a new Handler. bus may be nil, which disables the event stream.
func NewHandler(e Engine, bus Subscriber, apiKey, version string) *Handler {
	return &Handler{
		engine:  e,
		bus:     bus,
		apiKey:  apiKey,
		version: version,
	}
}

// RecordsResponse is the body of a store listing.
type RecordsResponse struct {
	Store   string              `json:"store"`
	Records []types.LocalRecord `json:"records"`
}

// RefreshResponse reports a completed store refresh.
type RefreshResponse struct {
	Store   string `json:"store"`
	Records int    `json:"records"`
}

// OutboxResponse lists outbox entries with the current counts.
type OutboxResponse struct {
	Entries []types.PendingMutation `json:"entries"`
	Stats   types.OutboxStats       `json:"stats"`
}

// ConnectivityResponse reports the backend reachability.
type ConnectivityResponse struct {
	State types.ConnectivityState `json:"state"`
}

type fieldsRequest struct {
	Fields map[string]any `json:"fields"`
}

type networkChangeRequest struct {
	Up *bool `json:"up"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "component", "api", "error", err)
	}
}

// Health returns the daemon status. Always public so screens can detect the daemon.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.OutboxStats(r.Context())
	if err != nil {
		slog.Error("health outbox stats failed", "component", "api", "error", err)
		WriteProblem(w, r, http.StatusServiceUnavailable, "Outbox unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:       "healthy",
		Version:      h.version,
		Connectivity: h.engine.Connectivity(),
		Mode:         h.engine.Mode(),
		Outbox:       stats,
	})
}

// ListStores handles GET /api/v1/stores
func (h *Handler) ListStores(w http.ResponseWriter, r *http.Request) {
	stores, err := h.engine.Stores(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stores": stores})
}

// ListRecords handles GET /api/v1/stores/{store}/records
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")

	records, err := h.engine.Read(r.Context(), storeName)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	if records == nil {
		records = []types.LocalRecord{}
	}
	writeJSON(w, http.StatusOK, RecordsResponse{Store: storeName, Records: records})
}

// GetRecord handles GET /api/v1/stores/{store}/records/{id}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	rec, err := h.engine.GetByID(r.Context(), chi.URLParam(r, "store"), chi.URLParam(r, "id"))
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// CreateRecord handles POST /api/v1/stores/{store}/records.
// The returned record carries a placeholder id until the backend accepts it.
func (h *Handler) CreateRecord(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	rec, err := h.engine.Write(r.Context(), chi.URLParam(r, "store"), types.WriteIntent{
		Action: string(fieldsync.ActionCreate),
		Fields: req.Fields,
	})
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

// UpdateRecord handles PATCH /api/v1/stores/{store}/records/{id}
func (h *Handler) UpdateRecord(w http.ResponseWriter, r *http.Request) {
	var req fieldsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	rec, err := h.engine.Write(r.Context(), chi.URLParam(r, "store"), types.WriteIntent{
		Action: string(fieldsync.ActionUpdate),
		ID:     chi.URLParam(r, "id"),
		Fields: req.Fields,
	})
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// DeleteRecord handles DELETE /api/v1/stores/{store}/records/{id}
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	_, err := h.engine.Write(r.Context(), chi.URLParam(r, "store"), types.WriteIntent{
		Action: string(fieldsync.ActionDelete),
		ID:     chi.URLParam(r, "id"),
	})
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RefreshStore handles POST /api/v1/stores/{store}/refresh
func (h *Handler) RefreshStore(w http.ResponseWriter, r *http.Request) {
	storeName := chi.URLParam(r, "store")

	n, err := h.engine.Refresh(r.Context(), storeName)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RefreshResponse{Store: storeName, Records: n})
}

// ListOutbox handles GET /api/v1/outbox?status=pending,failed
func (h *Handler) ListOutbox(w http.ResponseWriter, r *http.Request) {
	statuses, err := parseStatuses(r)
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.engine.Outbox(r.Context(), statuses...)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	stats, err := h.engine.OutboxStats(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []types.PendingMutation{}
	}
	writeJSON(w, http.StatusOK, OutboxResponse{Entries: entries, Stats: stats})
}

func parseStatuses(r *http.Request) ([]types.MutationStatus, error) {
	var statuses []types.MutationStatus
	for _, raw := range r.URL.Query()["status"] {
		for _, part := range strings.Split(raw, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			s := types.MutationStatus(part)
			if !s.Valid() {
				return nil, fmt.Errorf("invalid status %q", part)
			}
			statuses = append(statuses, s)
		}
	}
	return statuses, nil
}

// RetryMutation handles POST /api/v1/outbox/{id}/retry
func (h *Handler) RetryMutation(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		WriteProblem(w, r, http.StatusBadRequest, "Outbox id must be a positive integer")
		return
	}

	m, err := h.engine.Retry(r.Context(), id)
	if err != nil {
		MapEngineError(w, r, err)
		return
	}

	slog.Info("outbox entry retried",
		"component", "api",
		"action", "outbox_retry",
		"mutation_id", id,
	)
	writeJSON(w, http.StatusOK, m)
}

// Sync handles POST /api/v1/sync
func (h *Handler) Sync(w http.ResponseWriter, r *http.Request) {
	report, err := h.engine.Sync(r.Context())
	if err != nil {
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetConnectivity handles GET /api/v1/connectivity
func (h *Handler) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, ConnectivityResponse{State: h.engine.Connectivity()})
}

// NetworkChange handles POST /api/v1/connectivity, the platform network hook.
func (h *Handler) NetworkChange(w http.ResponseWriter, r *http.Request) {
	var req networkChangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if req.Up == nil {
		WriteProblem(w, r, http.StatusBadRequest, "Field 'up' is required")
		return
	}

	state := h.engine.NotifyNetworkChange(r.Context(), *req.Up)
	writeJSON(w, http.StatusOK, ConnectivityResponse{State: state})
}

// Backup handles POST /api/v1/backup
func (h *Handler) Backup(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Backup(r.Context())
	if err != nil {
		slog.Error("backup failed", "component", "api", "error", err)
		MapEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}
