package reconcilehttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers scan arrival and override endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Post("/scans/{folio}", h.handleScan)
	r.Post("/documents/{id}/override", h.handleOverride)
}
