package minio

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/minio/minio-go/v7"

	"github.com/hupe1980/unitigo/blobstore"
)

// Options configures a Store.
type Options struct {
	// ContentType is stored with every object.
	ContentType string
	// PartSize is the multipart chunk size. Zero lets the client decide.
	PartSize uint64
}

// Option configures a Store.
type Option func(*Options)

// WithContentType sets the content type of written objects.
func WithContentType(ct string) Option { return func(o *Options) { o.ContentType = ct } }

// WithPartSize sets the multipart chunk size.
func WithPartSize(n uint64) Option { return func(o *Options) { o.PartSize = n } }

// Store implements blobstore.Store on a MinIO or S3-compatible bucket.
type Store struct {
	client *minio.Client
	bucket string
	root   string
	opts   Options
}

// NewStore creates a Store on bucket. Blob names are joined to root, e.g.
// "runs/2024-05-01".
func NewStore(client *minio.Client, bucket, root string, optFns ...Option) *Store {
	opts := Options{ContentType: "application/octet-stream"}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{client: client, bucket: bucket, root: root, opts: opts}
}

func (s *Store) object(name string) string { return path.Join(s.root, name) }

func (s *Store) putOptions() minio.PutObjectOptions {
	return minio.PutObjectOptions{ContentType: s.opts.ContentType, PartSize: s.opts.PartSize}
}

// Create implements blobstore.Store. The size is unknown up front, so the
// client uploads in parts; the object appears when the last part completes.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	object := s.object(name)
	return blobstore.NewPipeWriter(ctx, func(ctx context.Context, r io.Reader) error {
		if _, err := s.client.PutObject(ctx, s.bucket, object, r, -1, s.putOptions()); err != nil {
			return translate(object, err)
		}
		return nil
	}), nil
}

// Open implements blobstore.Store.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	object := s.object(name)
	obj, err := s.client.GetObject(ctx, s.bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, translate(object, err)
	}
	// GetObject is lazy: a missing key only shows up on the first request.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, translate(object, err)
	}
	return obj, nil
}

func translate(object string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NotFound":
		return fmt.Errorf("minio: %s: %w", object, blobstore.ErrNotFound)
	}
	return fmt.Errorf("minio: %s: %w", object, err)
}
