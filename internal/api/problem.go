package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/fieldops/fieldsync/internal/engine"
	"github.com/fieldops/fieldsync/internal/remote"
	"github.com/fieldops/fieldsync/internal/store"
	fieldsync "github.com/fieldops/fieldsync/internal/sync"
	"github.com/fieldops/fieldsync/internal/validation"
)

// Problem represents an RFC 7807 Problem Details response.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance,omitempty"`
}

type problemType struct {
	typeURI string
	title   string
}

// problemTypes maps HTTP status codes to RFC 7807 type URIs and titles.
var problemTypes = map[int]problemType{
	http.StatusUnauthorized: {
		typeURI: "https://fieldsync.dev/errors/unauthorized",
		title:   "Unauthorized",
	},
	http.StatusBadRequest: {
		typeURI: "https://fieldsync.dev/errors/bad-request",
		title:   "Bad Request",
	},
	http.StatusNotFound: {
		typeURI: "https://fieldsync.dev/errors/not-found",
		title:   "Not Found",
	},
	http.StatusInternalServerError: {
		typeURI: "https://fieldsync.dev/errors/internal-error",
		title:   "Internal Server Error",
	},
	http.StatusUnprocessableEntity: {
		typeURI: "https://fieldsync.dev/errors/validation-error",
		title:   "Validation Error",
	},
	http.StatusServiceUnavailable: {
		typeURI: "https://fieldsync.dev/errors/service-unavailable",
		title:   "Service Unavailable",
	},
	http.StatusConflict: {
		typeURI: "https://fieldsync.dev/errors/conflict",
		title:   "Conflict",
	},
	http.StatusBadGateway: {
		typeURI: "https://fieldsync.dev/errors/backend-error",
		title:   "Bad Gateway",
	},
}

// WriteProblem writes an RFC 7807 Problem Details response.
func WriteProblem(w http.ResponseWriter, r *http.Request, status int, detail string) {
	pt, ok := problemTypes[status]
	if !ok {
		pt = problemType{
			typeURI: "https://fieldsync.dev/errors/unknown",
			title:   http.StatusText(status),
		}
	}

	p := Problem{
		Type:     pt.typeURI,
		Title:    pt.title,
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// ProblemWithErrors extends Problem with validation error details.
type ProblemWithErrors struct {
	Problem
	Errors []validation.ValidationError `json:"errors,omitempty"`
}

// WriteProblemWithErrors writes a 422 Problem Details response with field errors.
func WriteProblemWithErrors(w http.ResponseWriter, r *http.Request, detail string, errs []validation.ValidationError) {
	pt := problemTypes[http.StatusUnprocessableEntity]

	p := ProblemWithErrors{
		Problem: Problem{
			Type:     pt.typeURI,
			Title:    pt.title,
			Status:   http.StatusUnprocessableEntity,
			Detail:   detail,
			Instance: r.URL.Path,
		},
		Errors: errs,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		slog.Error("failed to encode problem response", "error", err)
	}
}

// MapEngineError converts engine errors to Problem Details responses.
func MapEngineError(w http.ResponseWriter, r *http.Request, err error) {
	var writeErr *engine.WriteError
	var remoteErr *remote.Error

	switch {
	case errors.As(err, &writeErr):
		WriteProblemWithErrors(w, r, "Write contains invalid fields", writeErr.Errors)
	case errors.Is(err, fieldsync.ErrUnknownAction):
		WriteProblem(w, r, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrUnknownStore):
		WriteProblem(w, r, http.StatusNotFound, "Unknown store")
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, remote.ErrNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Record not found")
	case errors.Is(err, store.ErrMutationNotFound):
		WriteProblem(w, r, http.StatusNotFound, "Outbox entry not found")
	case errors.Is(err, store.ErrMutationInFlight):
		WriteProblem(w, r, http.StatusConflict, "Outbox entry is being submitted")
	case errors.Is(err, engine.ErrOffline):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Backend unreachable")
	case errors.Is(err, engine.ErrStorageUnavailable):
		WriteProblem(w, r, http.StatusServiceUnavailable, "Device storage unavailable")
	case errors.As(err, &remoteErr):
		// Online-only writes surface the backend's verdict.
		if remote.Classify(err) == remote.ClassRejected {
			WriteProblem(w, r, http.StatusUnprocessableEntity, remoteErr.Error())
			return
		}
		WriteProblem(w, r, http.StatusBadGateway, "Backend request failed")
	default:
		// Never expose internal error details to client
		WriteProblem(w, r, http.StatusInternalServerError, "Internal Server Error")
	}
}
