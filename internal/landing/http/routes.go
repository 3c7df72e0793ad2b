package landinghttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers the batch and queue endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Post("/batches", h.handleUpload)
	r.Get("/pending", h.handlePending)
	r.Get("/queue/stats", h.handleStats)
}
