package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/hupe1980/unitigo/blobstore"
)

// Client is the part of the S3 API a Store calls. *s3.Client satisfies it.
type Client interface {
	manager.UploadAPIClient
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Options configures a Store.
type Options struct {
	// Prefix is joined in front of every blob name.
	Prefix string
	// Region overrides the region of the default AWS configuration. Only
	// used by New.
	Region string
	// PartSize and Concurrency tune multipart uploads.
	PartSize    int64
	Concurrency int
	// Checksum has S3 verify uploaded parts with CRC32C.
	Checksum bool
}

// DefaultOptions returns the default options: 8 MiB parts, the SDK's
// upload concurrency and CRC32C checksums.
func DefaultOptions() Options {
	return Options{
		PartSize:    8 << 20,
		Concurrency: manager.DefaultUploadConcurrency,
		Checksum:    true,
	}
}

// Option configures a Store.
type Option func(*Options)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option { return func(o *Options) { o.Prefix = prefix } }

// WithRegion sets the AWS region used by New.
func WithRegion(region string) Option { return func(o *Options) { o.Region = region } }

// WithPartSize sets the multipart part size. S3 rejects parts below 5 MiB.
func WithPartSize(n int64) Option { return func(o *Options) { o.PartSize = n } }

// WithConcurrency sets the number of parts uploaded in parallel.
func WithConcurrency(n int) Option { return func(o *Options) { o.Concurrency = n } }

// WithChecksum toggles CRC32C checksums on uploads.
func WithChecksum(on bool) Option { return func(o *Options) { o.Checksum = on } }

// Store implements blobstore.Store on an S3 bucket.
type Store struct {
	client   Client
	bucket   string
	opts     Options
	uploader *manager.Uploader
}

// New creates a Store from the default AWS configuration chain.
func New(ctx context.Context, bucket string, optFns ...Option) (*Store, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	var load []func(*config.LoadOptions) error
	if opts.Region != "" {
		load = append(load, config.WithRegion(opts.Region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, load...)
	if err != nil {
		return nil, fmt.Errorf("s3: load config: %w", err)
	}
	return NewStore(s3.NewFromConfig(cfg), bucket, optFns...), nil
}

// NewStore creates a Store on an existing client.
func NewStore(client Client, bucket string, optFns ...Option) *Store {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Store{
		client: client,
		bucket: bucket,
		opts:   opts,
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = opts.PartSize
			u.Concurrency = opts.Concurrency
		}),
	}
}

func (s *Store) key(name string) string { return path.Join(s.opts.Prefix, name) }

// Create implements blobstore.Store. Blobs smaller than one part go up in
// a single PutObject, larger ones as a multipart upload that is aborted if
// the blob is.
func (s *Store) Create(ctx context.Context, name string) (blobstore.WritableBlob, error) {
	key := s.key(name)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if s.opts.Checksum {
		in.ChecksumAlgorithm = types.ChecksumAlgorithmCrc32c
	}
	return blobstore.NewPipeWriter(ctx, func(ctx context.Context, r io.Reader) error {
		in.Body = r
		if _, err := s.uploader.Upload(ctx, in); err != nil {
			return fmt.Errorf("s3: upload %s: %w", key, err)
		}
		return nil
	}), nil
}

// Open implements blobstore.Store with a single streaming GET.
func (s *Store) Open(ctx context.Context, name string) (io.ReadCloser, error) {
	key := s.key(name)
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		var notFound *types.NotFound
		if errors.As(err, &noKey) || errors.As(err, &notFound) {
			return nil, fmt.Errorf("s3: %s: %w", key, blobstore.ErrNotFound)
		}
		return nil, fmt.Errorf("s3: get %s: %w", key, err)
	}
	return out.Body, nil
}
