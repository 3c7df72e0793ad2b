package location

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrNotFound indicates the unit does not exist or no unit covers a folio.
	ErrNotFound = errors.New("location: unit not found")
	// ErrCapacityExceeded indicates the unit cannot hold more documents.
	ErrCapacityExceeded = errors.New("location: capacity exceeded")
	// ErrInvalidCount indicates a non-positive allocation count.
	ErrInvalidCount = errors.New("location: count must be positive")
)

// Unit is a physical storage position (building, furniture, container).
type Unit struct {
	ID         int64     `json:"id"`
	Building   string    `json:"edificio" yaml:"edificio" validate:"required"`
	Furniture  string    `json:"mueble" yaml:"mueble" validate:"required"`
	Container  string    `json:"contenedor" yaml:"contenedor" validate:"required"`
	FolioRange string    `json:"rango_folios" yaml:"rango_folios"`
	FolioStart *int64    `json:"folio_inicio,omitempty" yaml:"folio_inicio" validate:"omitempty,gte=0"`
	FolioEnd   *int64    `json:"folio_fin,omitempty" yaml:"folio_fin" validate:"omitempty,gte=0"`
	Capacity   int       `json:"capacidad_max" yaml:"capacidad_max" validate:"gte=0"`
	Occupancy  int       `json:"ocupacion_actual" yaml:"-"`
	CreatedAt  time.Time `json:"created_at" yaml:"-"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"-"`
}

// Available returns the remaining capacity.
func (u Unit) Available() int {
	return u.Capacity - u.Occupancy
}

// Covers reports whether n falls inside the unit's folio bounds.
func (u Unit) Covers(n int64) bool {
	return u.FolioStart != nil && u.FolioEnd != nil && *u.FolioStart <= n && n <= *u.FolioEnd
}

// FolioNumber extracts the numeric part of a physical folio such as
// "RB-000123". The last run of digits wins.
func FolioNumber(folio string) (int64, bool) {
	end := -1
	for i := len(folio) - 1; i >= 0; i-- {
		c := folio[i]
		if c >= '0' && c <= '9' {
			if end < 0 {
				end = i + 1
			}
			continue
		}
		if end >= 0 {
			n, err := strconv.ParseInt(folio[i+1:end], 10, 64)
			return n, err == nil
		}
	}
	if end < 0 {
		return 0, false
	}
	n, err := strconv.ParseInt(folio[:end], 10, 64)
	return n, err == nil
}
