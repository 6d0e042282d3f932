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
		// Public routes (no auth required)
		r.Get("/health", h.Health)

		// Protected routes (auth required)
		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/subjects", h.GetSubject)
			r.Put("/subjects", h.UpdateSubject)
			r.Post("/subjects/diff", h.DiffSubject)
			r.With(h.deleteLimiter.Middleware).Post("/subjects/delete", h.DeleteSubject)

			r.Route("/entities/{id}", func(r chi.Router) {
				r.Use(EntityMiddleware)
				r.Get("/", h.GetEntity)
				r.Get("/references", h.GetReferences)
				r.With(h.deleteLimiter.Middleware).Post("/dispose", h.DisposeEntity)
				r.With(h.deleteLimiter.Middleware).Post("/purge", h.PurgeEntity)
			})

			r.Put("/redirects", h.UpdateRedirect)
			r.Post("/moves", h.MoveSubject)
			r.Get("/stats", h.Stats)

			r.Get("/jobs", h.ListJobs)
			r.Post("/jobs/take", h.TakeJobs)
			r.With(h.deleteLimiter.Middleware).Delete("/jobs", h.ClearJobs)
			r.With(h.deleteLimiter.Middleware).Post("/disposals", h.DisposeMarked)

			r.Get("/snapshot", h.Snapshot)
		})
	})

	return r
}
