package app

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/saf-gda/saf-gda/internal/documents"
	jobmetrics "github.com/saf-gda/saf-gda/internal/jobs"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/location"
	"github.com/saf-gda/saf-gda/internal/reconcile"
	"github.com/saf-gda/saf-gda/internal/scan"
	"github.com/saf-gda/saf-gda/internal/shared"
)

// Services is the wired domain layer shared by the API, the worker and safctl.
type Services struct {
	Landing     *landing.Service
	Locations   *location.Registry
	Documents   *documents.Service
	Engine      *reconcile.Engine
	Idempotency *shared.IdempotencyStore
	Scans       scan.Source

	gcs *storage.Client
}

// NewServices builds the domain services on top of pool.
func NewServices(ctx context.Context, cfg *Config, pool *pgxpool.Pool, metrics *jobmetrics.Metrics, logger *slog.Logger) (*Services, error) {
	if logger == nil {
		logger = slog.Default()
	}
	audit := shared.NewAuditLogger(pool)
	landingRepo := landing.NewRepository(pool)
	registry := location.NewRegistry(location.NewRepository(pool), audit, logger)

	source, gcs, err := newScanSource(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	engine := reconcile.NewEngine(
		landingRepo,
		registry,
		source,
		reconcile.NewPgStore(pool),
		audit,
		metrics,
		reconcile.Config{
			Lease:           cfg.LeaseDuration,
			RecheckInterval: cfg.RecheckInterval,
			StaleAfter:      cfg.StalePendingAfter,
			Series:          cfg.DefaultSeries,
		},
		logger,
	)

	return &Services{
		Landing:     landing.NewService(landingRepo, audit, metrics, landing.ServiceConfig{ChunkSize: cfg.IngestChunk}, logger),
		Locations:   registry,
		Documents:   documents.NewService(documents.NewRepository(pool), audit, logger),
		Engine:      engine,
		Idempotency: shared.NewIdempotencyStore(pool),
		Scans:       source,
		gcs:         gcs,
	}, nil
}

// Close releases clients opened by NewServices.
func (s *Services) Close() error {
	if s == nil || s.gcs == nil {
		return nil
	}
	return s.gcs.Close()
}

func newScanSource(ctx context.Context, cfg *Config, logger *slog.Logger) (scan.Source, *storage.Client, error) {
	var (
		src scan.Source
		gcs *storage.Client
	)
	switch cfg.ScanStore {
	case ScanStoreGCS:
		client, err := scan.NewGCSClient(ctx, cfg.GCSCredentialsJSON)
		if err != nil {
			return scan.Source{}, nil, fmt.Errorf("gcs client: %w", err)
		}
		gcs = client
		src.Store = scan.NewGCSStore(client, cfg.ScanBucket, cfg.ScanPrefix)
	default:
		src.Store = scan.NewFSStore(cfg.ScanDir)
	}
	if cfg.OCRURL != "" {
		src.Extractor = scan.NewOCRClient(scan.OCRConfig{
			BaseURL: cfg.OCRURL,
			Timeout: cfg.OCRTimeout,
			Retries: cfg.OCRRetries,
		}, logger)
	} else {
		logger.Warn("OCR_URL not set, scans are reconciled only from pushed extractions")
	}
	return src, gcs, nil
}
