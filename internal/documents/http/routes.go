package documentshttp

import "github.com/go-chi/chi/v5"

// MountRoutes registers the document endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/documents", h.handleList)
	r.Get("/documents/folio/{folio}", h.handleByFolio)
	r.Get("/documents/uuid/{uuid}", h.handleByUUID)
	r.Get("/documents/{id}", h.handleGet)
	r.Post("/documents/{id}/notes", h.handleNote)
}
