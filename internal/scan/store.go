package scan

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Object is a stored scan.
type Object struct {
	Name        string
	ContentType string
	Data        []byte
}

// Store locates the raw scan for a folio.
type Store interface {
	Get(ctx context.Context, folio string) (Object, error)
	Put(ctx context.Context, folio, ext string, data []byte) (string, error)
}

// ErrInvalidFolio indicates a folio that cannot name a stored object.
var ErrInvalidFolio = errors.New("scan: invalid folio")

// objectStem validates folio for use as a file or object name.
func objectStem(folio string) (string, error) {
	folio = strings.TrimSpace(folio)
	if folio == "" || folio == "." || folio == ".." || strings.ContainsAny(folio, `/\`) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFolio, folio)
	}
	return folio, nil
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
	if ext == "" {
		return "bin"
	}
	return ext
}

func contentType(name string) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// FSStore keeps scans as <dir>/<folio>.<ext>.
type FSStore struct {
	Dir string
}

// NewFSStore returns a store rooted at dir.
func NewFSStore(dir string) *FSStore {
	return &FSStore{Dir: dir}
}

// Get reads the first scan named after folio. With several extensions the
// lexically first one wins.
func (s *FSStore) Get(_ context.Context, folio string) (Object, error) {
	stem, err := objectStem(folio)
	if err != nil {
		return Object{}, err
	}
	matches, err := filepath.Glob(filepath.Join(s.Dir, globEscape(stem)+".*"))
	if err != nil {
		return Object{}, fmt.Errorf("scan: glob: %w", err)
	}
	if len(matches) == 0 {
		return Object{}, fmt.Errorf("%w: %s", ErrNotAvailable, stem)
	}
	sort.Strings(matches)
	data, err := os.ReadFile(matches[0])
	if errors.Is(err, fs.ErrNotExist) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotAvailable, stem)
	}
	if err != nil {
		return Object{}, fmt.Errorf("scan: read %s: %w", matches[0], err)
	}
	name := filepath.Base(matches[0])
	return Object{Name: name, ContentType: contentType(name), Data: data}, nil
}

// Put writes a scan atomically and returns its object name.
func (s *FSStore) Put(_ context.Context, folio, ext string, data []byte) (string, error) {
	stem, err := objectStem(folio)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.Dir, 0o750); err != nil {
		return "", fmt.Errorf("scan: mkdir: %w", err)
	}
	name := stem + "." + normalizeExt(ext)
	tmp, err := os.CreateTemp(s.Dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("scan: temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("scan: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("scan: close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(s.Dir, name)); err != nil {
		return "", fmt.Errorf("scan: rename: %w", err)
	}
	return name, nil
}

func globEscape(s string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`).Replace(s)
}
