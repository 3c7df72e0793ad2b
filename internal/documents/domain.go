package documents

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound indicates the document does not exist.
	ErrNotFound = errors.New("documents: document not found")
	// ErrDuplicateUUID indicates the fiscal UUID is already bound to another document.
	ErrDuplicateUUID = errors.New("documents: fiscal uuid already bound")
	// ErrDuplicateFolio indicates the physical folio is already certified.
	ErrDuplicateFolio = errors.New("documents: folio already conciliated")
	// ErrNotOverridable indicates a status change an auditor may not make.
	ErrNotOverridable = errors.New("documents: status cannot be overridden")
)

// Status is the reconciliation state of a document.
type Status string

const (
	StatusPending     Status = "PENDIENTE"
	StatusConciliated Status = "CONCILIADO"
	StatusIncidence   Status = "INCIDENCIA"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConciliated, StatusIncidence:
		return true
	}
	return false
}

// Terminal reports whether the engine is done with the document.
func (s Status) Terminal() bool {
	return s == StatusConciliated || s == StatusIncidence
}

// Reason codes an INCIDENCIA.
type Reason string

const (
	ReasonExtractionFailed   Reason = "EXTRACTION_FAILED"
	ReasonHashMismatch       Reason = "HASH_MISMATCH"
	ReasonDuplicateUUID      Reason = "DUPLICATE_UUID"
	ReasonDuplicateFolio     Reason = "DUPLICATE_FOLIO"
	ReasonNoLocation         Reason = "NO_LOCATION"
	ReasonCapacityExceeded   Reason = "CAPACITY_EXCEEDED"
	ReasonMissingFolio       Reason = "MISSING_FOLIO"
	ReasonMissingCounterpart Reason = "MISSING_COUNTERPART"
	ReasonStalePending       Reason = "STALE_PENDING"
	ReasonAcknowledged       Reason = "ACKNOWLEDGED"
)

// Document is a row of the reconciled master.
type Document struct {
	ID            uuid.UUID        `json:"id"`
	FolioRB       string           `json:"folio_rb,omitempty"`
	UUIDSAT       string           `json:"uuid_sat,omitempty"`
	ExtractedUUID string           `json:"uuid_sat_extraido,omitempty"`
	IssuerRFC     string           `json:"rfc_emisor,omitempty"`
	IssuerName    string           `json:"razon_social_emisor,omitempty"`
	Total         *decimal.Decimal `json:"monto_total,omitempty"`
	IssuedAt      *time.Time       `json:"fecha_emision,omitempty"`
	LocationID    *int64           `json:"ubicacion_id,omitempty"`
	Series        string           `json:"serie_documental,omitempty"`
	HashOriginal  string           `json:"hash_original,omitempty"`
	HashFinal     string           `json:"hash_final,omitempty"`
	Status        Status           `json:"estatus"`
	Reason        Reason           `json:"motivo,omitempty"`
	Notes         string           `json:"notas_auditor,omitempty"`
	Batch         string           `json:"lote_origen,omitempty"`
	Entries       []int64          `json:"entradas"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Filter narrows List.
type Filter struct {
	Status Status
	Reason Reason
	Batch  string
	Folio  string
	Limit  int
	Offset int
}

// StatusUpdate changes the status of an existing document.
type StatusUpdate struct {
	ID         uuid.UUID
	Status     Status
	Reason     Reason
	UUIDSAT    string
	LocationID *int64
}
