package jobs

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hibiken/asynq"

	"github.com/saf-gda/saf-gda/internal/scan"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueCritical carries scan-driven work that should not wait behind a drain.
	QueueCritical = "critical"

	// TaskReconcileDrain drains the pending queue.
	TaskReconcileDrain = "reconcile:drain"
	// TaskReconcileFolio reconciles one folio right after its scan arrived.
	TaskReconcileFolio = "reconcile:folio"
	// TaskLeaseSweep returns rows with an expired claim to the queue.
	TaskLeaseSweep = "queue:lease-sweep"
)

// DrainPayload bounds a drain run. Zero values fall back to the worker config.
type DrainPayload struct {
	Max         int    `json:"max,omitempty"`
	Concurrency int    `json:"concurrency,omitempty"`
	Division    *int64 `json:"division,omitempty"`
}

// FolioPayload names the folio to reconcile and optionally carries the
// extraction pushed by the recognition collaborator.
type FolioPayload struct {
	Folio      string           `json:"folio_rb"`
	Extraction *scan.Extraction `json:"extraction,omitempty"`
}

// SweepPayload is empty; the sweep has no options.
type SweepPayload struct{}

// NewDrainTask builds a reconcile:drain task.
func NewDrainTask(payload DrainPayload) (*asynq.Task, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileDrain, body, asynq.Queue(QueueDefault)), nil
}

// NewFolioTask builds a reconcile:folio task.
func NewFolioTask(payload FolioPayload) (*asynq.Task, error) {
	payload.Folio = strings.TrimSpace(payload.Folio)
	if payload.Folio == "" {
		return nil, fmt.Errorf("jobs: folio required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskReconcileFolio, body, asynq.Queue(QueueCritical), asynq.MaxRetry(5), asynq.Timeout(2*time.Minute)), nil
}

// NewSweepTask builds a queue:lease-sweep task.
func NewSweepTask() (*asynq.Task, error) {
	body, err := json.Marshal(SweepPayload{})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLeaseSweep, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}

// TaskByName builds a task with default options for manual triggering.
func TaskByName(name string) (*asynq.Task, error) {
	switch name {
	case TaskReconcileDrain:
		return NewDrainTask(DrainPayload{})
	case TaskLeaseSweep:
		return NewSweepTask()
	default:
		return nil, fmt.Errorf("jobs: task %q cannot be triggered without a payload", name)
	}
}
