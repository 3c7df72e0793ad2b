// Package fingerprint computes the content hash that anchors every landing row.
//
// A fingerprint is SHA-256 over the canonical rendering of an ordered tuple of
// fields. Canonicalisation removes upstream formatting noise (whitespace,
// Unicode composition, trailing decimal zeros, date layouts) so that logically
// identical rows always collapse to the same 64 character lowercase hex digest.
// Nil values render as the empty string, which keeps NULL distinct from zero.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/unicode/norm"
)

// Size is the length of a rendered fingerprint.
const Size = sha256.Size * 2

// separator joins canonical fields; it cannot appear in canonical text.
const separator = "\x1f"

// DateLayout is the canonical date rendering.
const DateLayout = "2006-01-02"

// Sum hashes the canonical fields in order.
func Sum(fields ...string) string {
	h := sha256.New()
	for i, f := range fields {
		if i > 0 {
			_, _ = h.Write([]byte(separator))
		}
		_, _ = h.Write([]byte(f))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Bytes hashes a raw payload such as a scanned file.
func Bytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Valid reports whether s looks like a rendered fingerprint.
func Valid(s string) bool {
	if len(s) != Size {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Equal compares two digests ignoring case and surrounding whitespace.
func Equal(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}

// Text canonicalises free text: NFC, trimmed, internal whitespace collapsed.
func Text(s *string) string {
	if s == nil {
		return ""
	}
	return NormalizeText(*s)
}

// NormalizeText applies the Text canonicalisation to a plain string.
func NormalizeText(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == rune(separator[0]) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// Int renders an optional integer.
func Int(v *int64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatInt(*v, 10)
}

// Decimal renders an optional decimal without trailing zeros, so 10.50 and
// 10.5 hash identically.
func Decimal(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}

// Date renders an optional date in DateLayout, dropping time of day.
func Date(t *time.Time) string {
	if t == nil || t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}
