package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/saf-gda/saf-gda/internal/jobs"
	"github.com/saf-gda/saf-gda/internal/landing"
	"github.com/saf-gda/saf-gda/internal/platform/lock"
	"github.com/saf-gda/saf-gda/internal/reconcile"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Engine is the part of reconcile.Engine the jobs drive.
type Engine interface {
	Drain(ctx context.Context, opts reconcile.DrainOptions) (reconcile.DrainReport, error)
	ProcessFolio(ctx context.Context, in reconcile.FolioRequest) (reconcile.Outcome, error)
	SweepLeases(ctx context.Context) (int, error)
}

// Locker runs fn under a named cluster-wide lock.
type Locker interface {
	Run(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) error
}

// ReconcileJobConfig sets drain defaults.
type ReconcileJobConfig struct {
	DrainMax         int
	DrainConcurrency int
	SweepLockTTL     time.Duration
}

// ReconcileJobs handles the reconciliation tasks.
type ReconcileJobs struct {
	Engine  Engine
	Locker  Locker
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	cfg     ReconcileJobConfig
}

// NewReconcileJobs wires the reconciliation handlers.
func NewReconcileJobs(engine Engine, locker Locker, cfg ReconcileJobConfig, logger *slog.Logger, metrics *jobmetrics.Metrics) *ReconcileJobs {
	if cfg.SweepLockTTL <= 0 {
		cfg.SweepLockTTL = time.Minute
	}
	return &ReconcileJobs{Engine: engine, Locker: locker, Logger: logger, Metrics: metrics, cfg: cfg}
}

// Handlers lists the task handlers for WorkerConfig.
func (j *ReconcileJobs) Handlers() []TaskHandler {
	return []TaskHandler{
		{Type: TaskReconcileDrain, Handler: j.HandleDrain},
		{Type: TaskReconcileFolio, Handler: j.HandleFolio},
		{Type: TaskLeaseSweep, Handler: j.HandleSweep},
	}
}

// HandleDrain runs one bounded drain of the pending queue.
func (j *ReconcileJobs) HandleDrain(ctx context.Context, t *asynq.Task) (err error) {
	var payload DrainPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}
	if payload.Max <= 0 {
		payload.Max = j.cfg.DrainMax
	}
	if payload.Concurrency <= 0 {
		payload.Concurrency = j.cfg.DrainConcurrency
	}
	tracker := j.metrics().Track(TaskReconcileDrain)
	defer func() { err = tracker.End(err) }()

	report, err := j.Engine.Drain(ctx, reconcile.DrainOptions{
		Max:         payload.Max,
		Concurrency: payload.Concurrency,
		Filter:      landing.PendingFilter{Division: payload.Division},
	})
	if err != nil {
		j.logger(TaskReconcileDrain).ErrorContext(ctx, "drain failed", slog.Any("error", err))
		return err
	}
	if report.Failures > 0 {
		j.logger(TaskReconcileDrain).WarnContext(ctx, "drain finished with failures",
			slog.Int("failures", report.Failures),
			slog.Int("attempts", report.Attempts),
		)
	}
	return nil
}

// HandleFolio reconciles one folio. Nothing to claim is not an error: the
// scan is already on record or another worker holds the folio and will fetch
// the stored scan itself. A pushed extraction that met the folio in flight is
// returned as an error so the queue retries it.
func (j *ReconcileJobs) HandleFolio(ctx context.Context, t *asynq.Task) (err error) {
	var payload FolioPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.Folio == "" {
		return fmt.Errorf("%w: invalid folio payload", asynq.SkipRetry)
	}
	tracker := j.metrics().Track(TaskReconcileFolio)
	defer func() { err = tracker.End(err) }()

	logger := j.logger(TaskReconcileFolio).With(slog.String("folio_rb", payload.Folio))
	out, err := j.Engine.ProcessFolio(ctx, reconcile.FolioRequest{Folio: payload.Folio, Extraction: payload.Extraction})
	if errors.Is(err, reconcile.ErrNoWork) {
		logger.InfoContext(ctx, "nothing to reconcile")
		return nil
	}
	if errors.Is(err, reconcile.ErrFolioBusy) {
		logger.InfoContext(ctx, "folio in flight, retrying pushed extraction later")
		return err
	}
	if err != nil {
		logger.ErrorContext(ctx, "reconcile folio failed", slog.Any("error", err))
		return err
	}
	logger.InfoContext(ctx, "folio reconciled", slog.String("estatus", string(out.Status)), slog.String("motivo", string(out.Reason)))
	return nil
}

// HandleSweep recovers expired claims on a single worker at a time.
func (j *ReconcileJobs) HandleSweep(ctx context.Context, _ *asynq.Task) (err error) {
	tracker := j.metrics().Track(TaskLeaseSweep)
	defer func() { err = tracker.End(err) }()

	sweep := func(ctx context.Context) error {
		n, err := j.Engine.SweepLeases(ctx)
		if err != nil {
			return err
		}
		j.logger(TaskLeaseSweep).InfoContext(ctx, "lease sweep completed", slog.Int("recovered", n))
		return nil
	}
	if j.Locker == nil {
		return sweep(ctx)
	}
	err = j.Locker.Run(ctx, TaskLeaseSweep, j.cfg.SweepLockTTL, sweep)
	if errors.Is(err, lock.ErrBusy) {
		j.logger(TaskLeaseSweep).InfoContext(ctx, "lease sweep skipped, another worker holds the lock")
		return nil
	}
	return err
}

func (j *ReconcileJobs) logger(job string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}

func (j *ReconcileJobs) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
