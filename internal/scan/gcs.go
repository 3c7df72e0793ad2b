package scan

import (
	"context"
	"errors"
	"fmt"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSStore keeps scans as objects <prefix><folio>.<ext> in a bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCSClient builds a storage client. Explicit credentials JSON wins over
// application default credentials.
func NewGCSClient(ctx context.Context, credentialsJSON string) (*storage.Client, error) {
	if credentialsJSON != "" {
		return storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	}
	return storage.NewClient(ctx)
}

// NewGCSStore returns a bucket-backed store.
func NewGCSStore(client *storage.Client, bucket, prefix string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket, prefix: prefix}
}

// Get downloads the first object named after folio.
func (s *GCSStore) Get(ctx context.Context, folio string) (Object, error) {
	stem, err := objectStem(folio)
	if err != nil {
		return Object{}, err
	}
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix + stem + "."})
	attrs, err := it.Next()
	if errors.Is(err, iterator.Done) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotAvailable, stem)
	}
	if err != nil {
		return Object{}, fmt.Errorf("scan: list gs://%s/%s: %w", s.bucket, s.prefix+stem, err)
	}
	r, err := s.client.Bucket(s.bucket).Object(attrs.Name).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return Object{}, fmt.Errorf("%w: %s", ErrNotAvailable, stem)
	}
	if err != nil {
		return Object{}, fmt.Errorf("scan: open gs://%s/%s: %w", s.bucket, attrs.Name, err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return Object{}, fmt.Errorf("scan: read gs://%s/%s: %w", s.bucket, attrs.Name, err)
	}
	ct := attrs.ContentType
	if ct == "" {
		ct = contentType(attrs.Name)
	}
	return Object{Name: attrs.Name, ContentType: ct, Data: data}, nil
}

// Put uploads a scan and returns its object name.
func (s *GCSStore) Put(ctx context.Context, folio, ext string, data []byte) (string, error) {
	stem, err := objectStem(folio)
	if err != nil {
		return "", err
	}
	name := s.prefix + stem + "." + normalizeExt(ext)
	w := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType(name)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("scan: upload gs://%s/%s: %w", s.bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("scan: upload gs://%s/%s: %w", s.bucket, name, err)
	}
	return name, nil
}
