package locationhttp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/platform/httpx"
)

const maxTopologyBytes = 4 << 20

// Registry is the part of location.Registry exposed over HTTP.
type Registry interface {
	List(ctx context.Context) ([]location.Unit, error)
	Get(ctx context.Context, id int64) (location.Unit, error)
	Resolve(ctx context.Context, folio string) (location.Unit, error)
	ApplyTopology(ctx context.Context, units []location.Unit) ([]location.Unit, error)
}

// Handler serves the archive topology.
type Handler struct {
	logger   *slog.Logger
	registry Registry
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, registry Registry) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, registry: registry}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	units, err := h.registry.List(r.Context())
	if err != nil {
		h.fail(w, r, "list locations", err)
		return
	}
	if units == nil {
		units = []location.Unit{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": units})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, errors.New("invalid location id")))
		return
	}
	unit, err := h.registry.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get location", err)
		return
	}
	httpx.JSON(w, http.StatusOK, unit)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	unit, err := h.registry.Resolve(r.Context(), chi.URLParam(r, "folio"))
	if err != nil {
		h.fail(w, r, "resolve folio", err)
		return
	}
	httpx.JSON(w, http.StatusOK, unit)
}

// handleTopology applies a YAML topology document sent as the request body.
func (h *Handler) handleTopology(w http.ResponseWriter, r *http.Request) {
	units, err := location.LoadTopology(io.LimitReader(r.Body, maxTopologyBytes))
	if err != nil {
		h.fail(w, r, "load topology", err)
		return
	}
	out, err := h.registry.ApplyTopology(r.Context(), units)
	if err != nil {
		h.fail(w, r, "apply topology", err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"locations": out})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, location.ErrNotFound):
		err = httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, location.ErrInvalidTopology):
		err = httpx.Classify(httpx.ErrValidation, err)
	default:
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
