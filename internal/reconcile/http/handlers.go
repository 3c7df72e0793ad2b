package reconcilehttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/saf-gda/saf-gda/internal/documents"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/platform/httpx"
	"github.com/saf-gda/saf-gda/internal/reconcile"
	"github.com/saf-gda/saf-gda/internal/scan"
	"github.com/saf-gda/saf-gda/internal/shared"
	"github.com/saf-gda/saf-gda/jobs"
)

const idempotencyModule = "override"

// Engine is the part of reconcile.Engine served over HTTP.
type Engine interface {
	ProcessFolio(ctx context.Context, in reconcile.FolioRequest) (reconcile.Outcome, error)
	Override(ctx context.Context, in reconcile.OverrideInput) (documents.Document, error)
}

// Enqueuer hands scan-driven work to the background worker.
type Enqueuer interface {
	EnqueueReconcileFolio(ctx context.Context, payload jobs.FolioPayload) (*asynq.TaskInfo, error)
}

// IdempotencyStore remembers processed request keys.
type IdempotencyStore interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Handler accepts scan arrivals and auditor overrides.
type Handler struct {
	logger      *slog.Logger
	engine      Engine
	queue       Enqueuer
	idempotency IdempotencyStore
}

// NewHandler builds Handler. Without a queue, scan arrivals are reconciled
// inline.
func NewHandler(logger *slog.Logger, engine Engine, queue Enqueuer, idempotency IdempotencyStore) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, engine: engine, queue: queue, idempotency: idempotency}
}

// ScanResponse reports what happened to a scan arrival.
type ScanResponse struct {
	Folio   string             `json:"folio_rb"`
	Queued  bool               `json:"queued"`
	TaskID  string             `json:"task_id,omitempty"`
	Outcome *reconcile.Outcome `json:"outcome,omitempty"`
}

func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	folio := strings.TrimSpace(chi.URLParam(r, "folio"))
	ext, err := decodeExtraction(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}

	if h.queue != nil && r.URL.Query().Get("sync") != "true" {
		info, err := h.queue.EnqueueReconcileFolio(r.Context(), jobs.FolioPayload{Folio: folio, Extraction: ext})
		switch {
		case errors.Is(err, jobs.ErrAlreadyQueued):
			httpx.JSON(w, http.StatusAccepted, ScanResponse{Folio: folio, Queued: true})
			return
		case err != nil:
			h.logger.ErrorContext(r.Context(), "enqueue folio", slog.String("folio_rb", folio), slog.Any("error", err))
			httpx.RespondError(w, httpx.Classify(httpx.ErrUnavailable, err))
			return
		}
		httpx.JSON(w, http.StatusAccepted, ScanResponse{Folio: folio, Queued: true, TaskID: info.ID})
		return
	}

	out, err := h.engine.ProcessFolio(r.Context(), reconcile.FolioRequest{Folio: folio, Extraction: ext})
	if errors.Is(err, reconcile.ErrNoWork) {
		httpx.JSON(w, http.StatusOK, ScanResponse{Folio: folio})
		return
	}
	if errors.Is(err, reconcile.ErrFolioBusy) {
		httpx.RespondError(w, httpx.Classify(httpx.ErrConflict, err))
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "process folio", slog.String("folio_rb", folio), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ScanResponse{Folio: folio, Outcome: &out})
}

// decodeExtraction reads an optional collaborator payload from the body.
func decodeExtraction(r *http.Request) (*scan.Extraction, error) {
	if r.Body == nil {
		return nil, nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, httpx.Classify(httpx.ErrValidation, err)
	}
	if strings.TrimSpace(string(body)) == "" {
		return nil, nil
	}
	var payload scan.Payload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, httpx.Classify(httpx.ErrValidation, fmt.Errorf("extraction payload: %w", err))
	}
	ext := payload.Extraction()
	return &ext, nil
}

type overrideRequest struct {
	Status string `json:"estatus"`
	Note   string `json:"note"`
}

func (h *Handler) handleOverride(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, errors.New("invalid document id")))
		return
	}
	var req overrideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, err)
		return
	}

	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.RespondError(w, httpx.Classify(httpx.ErrConflict, err))
				return
			}
			h.logger.ErrorContext(r.Context(), "idempotency check", slog.Any("error", err))
			httpx.RespondError(w, err)
			return
		}
	}

	doc, err := h.engine.Override(r.Context(), reconcile.OverrideInput{
		ID:     id,
		Target: documents.Status(strings.ToUpper(strings.TrimSpace(req.Status))),
		Actor:  shared.ActorFromContext(r.Context()),
		Note:   req.Note,
	})
	if err != nil {
		if key != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(context.WithoutCancel(r.Context()), key); derr != nil {
				h.logger.WarnContext(r.Context(), "idempotency rollback", slog.Any("error", derr))
			}
		}
		httpx.RespondError(w, h.classifyOverride(r, err))
		return
	}
	httpx.JSON(w, http.StatusOK, doc)
}

func (h *Handler) classifyOverride(r *http.Request, err error) error {
	switch {
	case errors.Is(err, documents.ErrNotFound):
		return httpx.Classify(httpx.ErrNotFound, err)
	case errors.Is(err, documents.ErrNotOverridable),
		errors.Is(err, reconcile.ErrDuplicateFiscalUUID),
		errors.Is(err, reconcile.ErrDuplicateFolio),
		errors.Is(err, location.ErrCapacityExceeded),
		errors.Is(err, location.ErrNotFound):
		return httpx.Classify(httpx.ErrConflict, err)
	}
	h.logger.ErrorContext(r.Context(), "override document", slog.Any("error", err))
	return err
}
