// Package scan is the boundary to scanned documents: where the raw images
// live and the collaborator that reads a fiscal UUID and amounts off them.
package scan

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotAvailable indicates no scan exists yet for the folio.
	ErrNotAvailable = errors.New("scan: not available")
	// ErrExtractionFailed indicates the collaborator could not read the document.
	ErrExtractionFailed = errors.New("scan: extraction failed")
)

// Collaborator statuses.
const (
	StatusOK   = "PROCESS_OK"
	StatusFail = "PROCESS_FAIL"
)

var issuedLayouts = []string{"2006-01-02", "02/01/2006"}

// Payload is the collaborator's wire format.
type Payload struct {
	Status        string  `json:"status"`
	FiscalUUID    *string `json:"ocr_folio_fiscal"`
	Total         *string `json:"ocr_total"`
	IssuerRFC     *string `json:"rfc_emisor"`
	IssuerName    *string `json:"razon_social"`
	PurchaseOrder *string `json:"orden_compra"`
	IssuedAt      *string `json:"fecha_emision"`
	HashOriginal  *string `json:"hash_original"`
	HashFinal     *string `json:"hash_final"`
	Error         *string `json:"error_msg"`
}

// Extraction is what the collaborator read from one scanned document.
type Extraction struct {
	OK            bool             `json:"ok"`
	FiscalUUID    string           `json:"uuid_sat,omitempty" validate:"required,fiscal_uuid"`
	Total         *decimal.Decimal `json:"total,omitempty"`
	IssuerRFC     string           `json:"rfc_emisor,omitempty"`
	IssuerName    string           `json:"razon_social,omitempty"`
	PurchaseOrder string           `json:"orden_compra,omitempty"`
	IssuedAt      *time.Time       `json:"fecha_emision,omitempty"`
	HashOriginal  string           `json:"hash_original,omitempty"`
	HashFinal     string           `json:"hash_final,omitempty"`
	Error         string           `json:"error,omitempty"`
}

// Extraction converts the wire payload. Unparseable optional values are
// dropped rather than failing the whole document.
func (p Payload) Extraction() Extraction {
	e := Extraction{
		OK:            strings.EqualFold(strings.TrimSpace(p.Status), StatusOK),
		FiscalUUID:    strings.ToUpper(trim(p.FiscalUUID)),
		IssuerRFC:     strings.ToUpper(trim(p.IssuerRFC)),
		IssuerName:    trim(p.IssuerName),
		PurchaseOrder: trim(p.PurchaseOrder),
		HashOriginal:  strings.ToLower(trim(p.HashOriginal)),
		HashFinal:     strings.ToLower(trim(p.HashFinal)),
		Error:         trim(p.Error),
	}
	if raw := strings.NewReplacer("$", "", ",", "", " ", "").Replace(trim(p.Total)); raw != "" {
		if d, err := decimal.NewFromString(raw); err == nil {
			d = d.Round(2)
			e.Total = &d
		}
	}
	if raw := trim(p.IssuedAt); raw != "" {
		for _, layout := range issuedLayouts {
			if t, err := time.Parse(layout, raw); err == nil {
				e.IssuedAt = &t
				break
			}
		}
	}
	return e
}

var validate = newValidator()

// fiscal_uuid accepts the 36 character hyphenated form in any letter case.
func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("fiscal_uuid", func(fl validator.FieldLevel) bool {
		s := fl.Field().String()
		if len(s) != 36 {
			return false
		}
		_, err := uuid.Parse(s)
		return err == nil
	})
	return v
}

// Validate reports ErrExtractionFailed when the document cannot anchor a
// reconciliation: a failed read, or a missing or malformed fiscal UUID.
func (e Extraction) Validate() error {
	if !e.OK {
		msg := e.Error
		if msg == "" {
			msg = "collaborator reported failure"
		}
		return fmt.Errorf("%w: %s", ErrExtractionFailed, msg)
	}
	if err := validate.Struct(e); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: invalid %s", ErrExtractionFailed, strings.Join(fields, ","))
		}
		return fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return nil
}

func trim(s *string) string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(*s)
}
