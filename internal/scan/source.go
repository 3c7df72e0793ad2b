package scan

import (
	"context"
	"errors"

	"github.com/saf-gda/saf-gda/internal/fingerprint"
)

// Result is a scan ready for reconciliation.
type Result struct {
	ObjectName string
	// RawSHA256 is computed here over the stored bytes; empty when the raw
	// scan could not be read.
	RawSHA256  string
	Extraction Extraction
	// HashFilled marks a hash_original taken from RawSHA256 because the
	// extractor echoed none. The integrity check then proves nothing.
	HashFilled bool
}

// Source correlates a folio with its stored scan and extraction.
type Source struct {
	Store     Store
	Extractor Extractor
}

// Fetch loads the scan for folio and runs extraction on it. ErrNotAvailable
// means no scan exists yet.
func (s Source) Fetch(ctx context.Context, folio string) (Result, error) {
	if s.Store == nil {
		return Result{}, ErrNotAvailable
	}
	obj, err := s.Store.Get(ctx, folio)
	if err != nil {
		return Result{}, err
	}
	if s.Extractor == nil {
		return Result{}, errors.New("scan: no extractor configured")
	}
	ext, err := s.Extractor.Extract(ctx, folio, obj)
	if err != nil {
		return Result{}, err
	}
	return complete(obj, ext), nil
}

// Attach pairs an extraction pushed by the collaborator with the stored raw
// scan so its integrity hash can still be verified.
func (s Source) Attach(ctx context.Context, folio string, ext Extraction) (Result, error) {
	if s.Store == nil {
		return Result{Extraction: ext}, nil
	}
	obj, err := s.Store.Get(ctx, folio)
	if errors.Is(err, ErrNotAvailable) {
		return Result{Extraction: ext}, nil
	}
	if err != nil {
		return Result{}, err
	}
	return Result{ObjectName: obj.Name, RawSHA256: fingerprint.Bytes(obj.Data), Extraction: ext}, nil
}

// complete fills hash_original when the collaborator processed the exact
// bytes it was handed and did not echo a digest back.
func complete(obj Object, ext Extraction) Result {
	raw := fingerprint.Bytes(obj.Data)
	filled := false
	if ext.HashOriginal == "" && ext.OK {
		ext.HashOriginal = raw
		filled = true
	}
	return Result{ObjectName: obj.Name, RawSHA256: raw, Extraction: ext, HashFilled: filled}
}
