package landing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/saf-gda/saf-gda/internal/shared"
)

// RepositoryPort abstracts repository usage for service.
type RepositoryPort interface {
	Insert(ctx context.Context, batch string, row Row) (int64, bool, error)
	InsertMany(ctx context.Context, batch string, rows []Row) ([]IngestResult, error)
	MarkProcessed(ctx context.Context, token uuid.UUID, ids ...int64) error
	Pending(ctx context.Context, filter PendingFilter) ([]RawEntry, error)
	Stats(ctx context.Context) (QueueStats, error)
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MetricsPort receives ingestion counters.
type MetricsPort interface {
	AddIngested(result string, n int)
}

const (
	defaultChunk        = 500
	defaultPendingLimit = 50
	maxPendingLimit     = 1000
)

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	ChunkSize int
}

// Service ingests landing rows and exposes the pending view.
type Service struct {
	repo    RepositoryPort
	audit   AuditPort
	metrics MetricsPort
	logger  *slog.Logger
	chunk   int
}

// NewService builds Service.
func NewService(repo RepositoryPort, audit AuditPort, metrics MetricsPort, cfg ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	chunk := cfg.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunk
	}
	return &Service{repo: repo, audit: audit, metrics: metrics, logger: logger, chunk: chunk}
}

// Ingest stores one row. A row whose fingerprint already exists yields
// IngestDuplicate and no error.
func (s *Service) Ingest(ctx context.Context, batch string, f Fields) (IngestResult, error) {
	row := NewRow(f)
	id, inserted, err := s.repo.Insert(ctx, strings.TrimSpace(batch), row)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{ID: id, Fingerprint: row.Fingerprint, Status: IngestInserted}
	if !inserted {
		res.Status = IngestDuplicate
	}
	s.count(res.Status, 1)
	return res, nil
}

// IngestBatch stores rows in pipelined chunks and records one custody entry
// for the batch.
func (s *Service) IngestBatch(ctx context.Context, batch string, rows []Fields) (BatchSummary, error) {
	batch = strings.TrimSpace(batch)
	if batch == "" {
		return BatchSummary{}, errors.New("landing: batch label required")
	}
	summary := BatchSummary{Batch: batch, Total: len(rows)}
	for start := 0; start < len(rows); start += s.chunk {
		end := min(start+s.chunk, len(rows))
		chunk := make([]Row, 0, end-start)
		for _, f := range rows[start:end] {
			chunk = append(chunk, NewRow(f))
		}
		results, err := s.repo.InsertMany(ctx, batch, chunk)
		if err != nil {
			return summary, fmt.Errorf("landing: batch %s rows %d-%d: %w", batch, start, end-1, err)
		}
		for _, res := range results {
			if res.Status == IngestDuplicate {
				summary.Duplicates++
			} else {
				summary.Inserted++
			}
		}
	}
	s.count(IngestInserted, summary.Inserted)
	s.count(IngestDuplicate, summary.Duplicates)
	s.logger.InfoContext(ctx, "batch ingested",
		slog.String("batch", batch),
		slog.Int("total", summary.Total),
		slog.Int("inserted", summary.Inserted),
		slog.Int("duplicates", summary.Duplicates),
	)
	if s.audit != nil {
		err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    shared.ActorFromContext(ctx),
			Action:   shared.ActionBatchIngested,
			Entity:   shared.EntityBatch,
			EntityID: batch,
			Meta: map[string]any{
				"total":      summary.Total,
				"inserted":   summary.Inserted,
				"duplicates": summary.Duplicates,
			},
		})
		if err != nil {
			s.logger.WarnContext(ctx, "custody log failed", slog.String("batch", batch), slog.Any("error", err))
		}
	}
	return summary, nil
}

// MarkProcessed flips a claimed row to processed.
func (s *Service) MarkProcessed(ctx context.Context, id int64, token uuid.UUID) error {
	err := s.repo.MarkProcessed(ctx, token, id)
	if errors.Is(err, ErrAlreadyProcessed) {
		s.logger.WarnContext(ctx, "entry already processed", slog.Int64("entry_id", id))
	}
	return err
}

// PeekPending lists unprocessed rows without claiming them.
func (s *Service) PeekPending(ctx context.Context, filter PendingFilter) ([]RawEntry, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultPendingLimit
	case filter.Limit > maxPendingLimit:
		filter.Limit = maxPendingLimit
	}
	return s.repo.Pending(ctx, filter)
}

// Stats returns queue counters.
func (s *Service) Stats(ctx context.Context) (QueueStats, error) {
	return s.repo.Stats(ctx)
}

func (s *Service) count(status IngestStatus, n int) {
	if s.metrics == nil || n == 0 {
		return
	}
	s.metrics.AddIngested(string(status), n)
}
