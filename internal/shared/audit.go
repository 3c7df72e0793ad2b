package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/saf-gda/saf-gda/internal/platform/db"
)

// Custody actions recorded in bitacora_custodia.
const (
	ActionBatchIngested   = "ingesta:lote"
	ActionConciliated     = "conciliacion:conciliado"
	ActionIncidence       = "conciliacion:incidencia"
	ActionReleased        = "cola:liberado"
	ActionLeaseExpired    = "cola:lease_expirado"
	ActionNoteAdded       = "auditoria:nota"
	ActionStatusOverride  = "auditoria:override"
	ActionTopologyApplied = "ubicaciones:topologia"
)

// Custody entities.
const (
	EntityBatch    = "lote"
	EntityRawEntry = "entrada_raw"
	EntityDocument = "documento"
	EntityLocation = "ubicacion"
)

// AuditLog represents a record stored in bitacora_custodia.
type AuditLog struct {
	Actor    string
	Action   string
	Entity   string
	EntityID string
	Meta     map[string]any
	At       time.Time
}

// AuditLogger writes chain-of-custody records. It runs on a pool or inside a
// caller's transaction so custody entries commit with the change they describe.
type AuditLogger struct {
	db db.DBTX
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(q db.DBTX) *AuditLogger {
	return &AuditLogger{db: q}
}

// WithTx returns a logger bound to q.
func (l *AuditLogger) WithTx(q db.DBTX) *AuditLogger {
	return &AuditLogger{db: q}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.Meta == nil {
		log.Meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO bitacora_custodia (actor, accion, entidad, entidad_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6, NOW()))`, log.Actor, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}
