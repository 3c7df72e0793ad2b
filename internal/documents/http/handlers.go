package documentshttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/platform/httpx"
	"github.com/saf-gda/saf-gda/internal/shared"
)

// Service is the reconciled master as seen by the API.
type Service interface {
	Get(ctx context.Context, id uuid.UUID) (documents.Document, error)
	ByFolio(ctx context.Context, folio string) ([]documents.Document, error)
	ByUUID(ctx context.Context, fiscalUUID string) (documents.Document, error)
	List(ctx context.Context, f documents.Filter, page, perPage int) ([]documents.Document, shared.Pagination, error)
	Annotate(ctx context.Context, in documents.AnnotateInput) (documents.Document, error)
}

// Handler serves the audit dashboard's document reads and notes.
type Handler struct {
	logger  *slog.Logger
	service Service
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// ListResponse is a page of documents.
type ListResponse struct {
	Documents  []documents.Document `json:"documents"`
	Pagination shared.Pagination    `json:"pagination"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := documents.Filter{
		Status: documents.Status(strings.ToUpper(strings.TrimSpace(q.Get("estatus")))),
		Reason: documents.Reason(strings.ToUpper(strings.TrimSpace(q.Get("motivo")))),
		Batch:  strings.TrimSpace(q.Get("lote")),
		Folio:  strings.TrimSpace(q.Get("folio")),
	}
	if f.Status != "" && !f.Status.Valid() {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, fmt.Errorf("unknown estatus %q", f.Status)))
		return
	}
	docs, page, err := h.service.List(r.Context(), f, httpx.QueryInt(r, "page", 1, 0), httpx.QueryInt(r, "per_page", 0, 0))
	if err != nil {
		h.fail(w, r, "list documents", err)
		return
	}
	if docs == nil {
		docs = []documents.Document{}
	}
	httpx.JSON(w, http.StatusOK, ListResponse{Documents: docs, Pagination: page})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.fail(w, r, "get document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) handleByFolio(w http.ResponseWriter, r *http.Request) {
	docs, err := h.service.ByFolio(r.Context(), chi.URLParam(r, "folio"))
	if err != nil {
		h.fail(w, r, "documents by folio", err)
		return
	}
	if docs == nil {
		docs = []documents.Document{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"documents": docs})
}

func (h *Handler) handleByUUID(w http.ResponseWriter, r *http.Request) {
	doc, err := h.service.ByUUID(r.Context(), chi.URLParam(r, "uuid"))
	if err != nil {
		h.fail(w, r, "document by uuid", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

type noteRequest struct {
	Note string `json:"note"`
}

func (h *Handler) handleNote(w http.ResponseWriter, r *http.Request) {
	id, err := documentID(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req noteRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	doc, err := h.service.Annotate(r.Context(), documents.AnnotateInput{
		ID:    id,
		Actor: shared.ActorFromContext(r.Context()),
		Note:  req.Note,
	})
	if err != nil {
		h.fail(w, r, "annotate document", err)
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func documentID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, httpx.Classify(httpx.ErrValidation, errors.New("invalid document id"))
	}
	return id, nil
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, documents.ErrNotFound):
		err = httpx.Classify(httpx.ErrNotFound, err)
	case errors.As(err, &verrs):
		err = httpx.Classify(httpx.ErrValidation, err)
	default:
		h.logger.ErrorContext(r.Context(), op, slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
