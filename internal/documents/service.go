package documents

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/saf-gda/saf-gda/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	GetByUUID(ctx context.Context, fiscalUUID string) (Document, error)
	ListByFolio(ctx context.Context, folio string) ([]Document, error)
	List(ctx context.Context, f Filter) ([]Document, int, error)
	AppendNote(ctx context.Context, id uuid.UUID, line string) (Document, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// AnnotateInput carries an auditor note.
type AnnotateInput struct {
	ID    uuid.UUID `validate:"required"`
	Actor string    `validate:"required,max=120"`
	Note  string    `validate:"required,max=2000"`
}

const (
	defaultPageSize = 50
	maxPageSize     = 500
)

// Service exposes the reconciled master to auditors.
type Service struct {
	repo     RepositoryPort
	audit    AuditPort
	validate *validator.Validate
	logger   *slog.Logger
	now      func() time.Time
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, audit: audit, validate: validator.New(), logger: logger, now: time.Now}
}

// Get returns a document.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	return s.repo.Get(ctx, id)
}

// ByFolio returns every document recorded for a physical folio.
func (s *Service) ByFolio(ctx context.Context, folio string) ([]Document, error) {
	folio = strings.TrimSpace(folio)
	if folio == "" {
		return nil, ErrNotFound
	}
	return s.repo.ListByFolio(ctx, folio)
}

// ByUUID returns the document bound to a fiscal UUID.
func (s *Service) ByUUID(ctx context.Context, fiscalUUID string) (Document, error) {
	return s.repo.GetByUUID(ctx, fiscalUUID)
}

// List returns a page of documents.
func (s *Service) List(ctx context.Context, f Filter, page, perPage int) ([]Document, shared.Pagination, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, shared.Pagination{}, fmt.Errorf("documents: unknown status %q", f.Status)
	}
	switch {
	case perPage <= 0:
		perPage = defaultPageSize
	case perPage > maxPageSize:
		perPage = maxPageSize
	}
	p := shared.NewPagination(page, perPage, 0)
	f.Limit = p.PerPage
	f.Offset = p.Offset()
	docs, total, err := s.repo.List(ctx, f)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return docs, shared.NewPagination(p.Page, p.PerPage, total), nil
}

// Annotate appends a timestamped, attributed note to a document.
func (s *Service) Annotate(ctx context.Context, in AnnotateInput) (Document, error) {
	in.Note = strings.TrimSpace(in.Note)
	in.Actor = strings.TrimSpace(in.Actor)
	if err := s.validate.Struct(in); err != nil {
		return Document{}, fmt.Errorf("documents: invalid note: %w", err)
	}
	line := fmt.Sprintf("[%s %s] %s", s.now().UTC().Format(time.RFC3339), in.Actor, in.Note)
	doc, err := s.repo.AppendNote(ctx, in.ID, line)
	if err != nil {
		return Document{}, err
	}
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    in.Actor,
			Action:   shared.ActionNoteAdded,
			Entity:   shared.EntityDocument,
			EntityID: in.ID.String(),
			Meta:     map[string]any{"note": in.Note},
		})
		if err != nil {
			s.logger.WarnContext(ctx, "custody log failed", slog.String("documento_id", in.ID.String()), slog.Any("error", err))
		}
	}
	return doc, nil
}
