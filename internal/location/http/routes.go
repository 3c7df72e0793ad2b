package locationhttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers the location endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/locations", h.handleList)
	r.Get("/locations/folio/{folio}", h.handleResolve)
	r.Get("/locations/{id}", h.handleGet)
	r.Put("/locations/topology", h.handleTopology)
}
