package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (all routes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		// Public so screens can find the daemon before they hold a key
		r.Get("/health", h.Health)

		// Websocket clients may authenticate with ?token=, checked by the handler
		r.Get("/events", h.StreamEvents)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/stores", h.ListStores)
			r.Route("/stores/{store}", func(r chi.Router) {
				r.Get("/records", h.ListRecords)
				r.Post("/records", h.CreateRecord)
				r.Get("/records/{id}", h.GetRecord)
				r.Patch("/records/{id}", h.UpdateRecord)
				r.Delete("/records/{id}", h.DeleteRecord)
				r.Post("/refresh", h.RefreshStore)
			})

			r.Get("/outbox", h.ListOutbox)
			r.Post("/outbox/{id}/retry", h.RetryMutation)
			r.Post("/sync", h.Sync)

			r.Get("/connectivity", h.GetConnectivity)
			r.Post("/connectivity", h.NetworkChange)

			r.Post("/backup", h.Backup)
		})
	})

	return r
}
