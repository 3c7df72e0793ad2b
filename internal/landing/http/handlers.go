package landinghttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/saf-gda/saf-gda/internal/batch"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/platform/httpx"
)

const (
	defaultMaxUpload = 64 << 20
	maxPending       = 1000
)

// Service is the landing zone as seen by the API.
type Service interface {
	IngestBatch(ctx context.Context, batch string, rows []landing.Fields) (landing.BatchSummary, error)
	PeekPending(ctx context.Context, filter landing.PendingFilter) ([]landing.RawEntry, error)
	Stats(ctx context.Context) (landing.QueueStats, error)
}

// Config tunes uploads.
type Config struct {
	// Encoding is the CSV encoding used when the request does not name one.
	Encoding string
	// MaxUpload bounds the request body in bytes.
	MaxUpload int64
}

// Handler serves batch uploads and the pending queue.
type Handler struct {
	logger  *slog.Logger
	service Service
	cfg     Config
}

// NewHandler builds Handler.
func NewHandler(logger *slog.Logger, service Service, cfg Config) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxUpload <= 0 {
		cfg.MaxUpload = defaultMaxUpload
	}
	return &Handler{logger: logger, service: service, cfg: cfg}
}

// BatchResponse reports an upload.
type BatchResponse struct {
	landing.BatchSummary
	Skipped int           `json:"skipped"`
	Issues  []batch.Issue `json:"issues"`
}

func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUpload)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, fmt.Errorf("multipart form: %w", err)))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, fmt.Errorf("file field: %w", err)))
		return
	}
	defer file.Close()

	label := strings.TrimSpace(r.FormValue("lote"))
	if label == "" {
		label = strings.TrimSuffix(filepath.Base(header.Filename), filepath.Ext(header.Filename))
	}
	format, err := uploadFormat(header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		httpx.RespondError(w, httpx.Classify(httpx.ErrValidation, err))
		return
	}
	encoding := r.FormValue("encoding")
	if encoding == "" {
		encoding = h.cfg.Encoding
	}

	parsed, err := batch.Parse(file, format, batch.Options{Encoding: encoding, Sheet: r.FormValue("sheet")})
	if err != nil {
		httpx.RespondError(w, classifyParse(err))
		return
	}
	summary, err := h.service.IngestBatch(r.Context(), label, parsed.Rows)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "ingest batch", slog.String("batch", label), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if len(parsed.Issues) > 0 {
		h.logger.WarnContext(r.Context(), "batch has unparseable cells", slog.String("batch", label), slog.Int("issues", len(parsed.Issues)))
	}
	issues := parsed.Issues
	if issues == nil {
		issues = []batch.Issue{}
	}
	httpx.JSON(w, http.StatusCreated, BatchResponse{BatchSummary: summary, Skipped: parsed.Skipped, Issues: issues})
}

// uploadFormat prefers the file extension and falls back to the part's
// declared content type.
func uploadFormat(name, contentType string) (batch.Format, error) {
	if format, err := batch.DetectFormat(name); err == nil {
		return format, nil
	}
	exts, _ := mime.ExtensionsByType(contentType)
	for _, ext := range exts {
		if format, err := batch.DetectFormat("upload" + ext); err == nil {
			return format, nil
		}
	}
	return batch.DetectFormat(name)
}

func classifyParse(err error) error {
	switch {
	case errors.Is(err, batch.ErrUnknownFormat), errors.Is(err, batch.ErrUnknownEncoding), errors.Is(err, batch.ErrNoHeader):
		return httpx.Classify(httpx.ErrValidation, err)
	}
	return httpx.Classify(httpx.ErrValidation, fmt.Errorf("unreadable batch file: %w", err))
}

func (h *Handler) handlePending(w http.ResponseWriter, r *http.Request) {
	filter := landing.PendingFilter{Limit: httpx.QueryInt(r, "limit", 50, maxPending)}
	var err error
	if filter.PurchaseOrder, err = optionalInt(r, "po"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Division, err = optionalInt(r, "division"); err != nil {
		httpx.RespondError(w, err)
		return
	}
	entries, err := h.service.PeekPending(r.Context(), filter)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "peek pending", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	if entries == nil {
		entries = []landing.RawEntry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.service.Stats(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "queue stats", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, stats)
}

func optionalInt(r *http.Request, name string) (*int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, httpx.Classify(httpx.ErrValidation, fmt.Errorf("%s must be an integer", name))
	}
	return &v, nil
}
