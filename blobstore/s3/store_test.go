package s3

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/unitigo/blobstore"
)

// mockClient is a testify mock of Client.
type mockClient struct {
	mock.Mock
}

func output[T any](args mock.Arguments) (*T, error) {
	out, _ := args.Get(0).(*T)
	return out, args.Error(1)
}

func (m *mockClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	return output[s3.PutObjectOutput](m.Called(ctx, in))
}

func (m *mockClient) UploadPart(ctx context.Context, in *s3.UploadPartInput, _ ...func(*s3.Options)) (*s3.UploadPartOutput, error) {
	return output[s3.UploadPartOutput](m.Called(ctx, in))
}

func (m *mockClient) CreateMultipartUpload(ctx context.Context, in *s3.CreateMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error) {
	return output[s3.CreateMultipartUploadOutput](m.Called(ctx, in))
}

func (m *mockClient) CompleteMultipartUpload(ctx context.Context, in *s3.CompleteMultipartUploadInput, _ ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error) {
	return output[s3.CompleteMultipartUploadOutput](m.Called(ctx, in))
}

func (m *mockClient) AbortMultipartUpload(ctx context.Context, in *s3.AbortMultipartUploadInput, _ ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error) {
	return output[s3.AbortMultipartUploadOutput](m.Called(ctx, in))
}

func (m *mockClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	return output[s3.GetObjectOutput](m.Called(ctx, in))
}

var _ Client = (*mockClient)(nil)

func TestStore_Open(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "assemblies", WithPrefix("run-42"))

	t.Run("missing", func(t *testing.T) {
		client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return *in.Key == "run-42/gone.fa"
		})).Return(nil, &types.NoSuchKey{}).Once()

		_, err := store.Open(t.Context(), "gone.fa")
		assert.ErrorIs(t, err, blobstore.ErrNotFound)
	})

	t.Run("streams body", func(t *testing.T) {
		client.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
			return *in.Bucket == "assemblies" && *in.Key == "run-42/unitigs.fa" && in.Range == nil
		})).Return(&s3.GetObjectOutput{
			Body: io.NopCloser(strings.NewReader(">1\nACGT\n")),
		}, nil).Once()

		rc, err := store.Open(t.Context(), "unitigs.fa")
		require.NoError(t, err)
		defer rc.Close()
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, ">1\nACGT\n", string(got))
	})

	client.AssertExpectations(t)
}

func TestStore_Create(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "assemblies", WithPrefix("run-42"))

	var got []byte
	client.On("PutObject", mock.Anything, mock.MatchedBy(func(in *s3.PutObjectInput) bool {
		return *in.Bucket == "assemblies" && *in.Key == "run-42/unitigs.fa" &&
			in.ChecksumAlgorithm == types.ChecksumAlgorithmCrc32c
	})).Run(func(args mock.Arguments) {
		got, _ = io.ReadAll(args.Get(1).(*s3.PutObjectInput).Body)
	}).Return(&s3.PutObjectOutput{}, nil).Once()

	wb, err := store.Create(t.Context(), "unitigs.fa")
	require.NoError(t, err)
	_, err = wb.Write([]byte(">1\n"))
	require.NoError(t, err)
	_, err = wb.Write([]byte("ACGT\n"))
	require.NoError(t, err)
	require.NoError(t, wb.Close())
	assert.Equal(t, ">1\nACGT\n", string(got))

	// Abort after Close keeps the object.
	assert.NoError(t, wb.Abort())
	client.AssertExpectations(t)
}

func TestStore_CreateAbort(t *testing.T) {
	client := new(mockClient)
	store := NewStore(client, "assemblies", WithChecksum(false))

	wb, err := store.Create(t.Context(), "partial.fa")
	require.NoError(t, err)
	_, err = wb.Write([]byte("ACGT"))
	require.NoError(t, err)
	require.NoError(t, wb.Abort())

	client.AssertNotCalled(t, "PutObject", mock.Anything, mock.Anything)
	client.AssertNotCalled(t, "CompleteMultipartUpload", mock.Anything, mock.Anything)
}

func TestNewStore_Options(t *testing.T) {
	s := NewStore(new(mockClient), "b")
	assert.Equal(t, DefaultOptions(), s.opts)
	assert.Equal(t, "unitigs.fa", s.key("unitigs.fa"))
	assert.Equal(t, int64(8<<20), s.uploader.PartSize)

	s = NewStore(new(mockClient), "b", WithPrefix("a/b"), WithPartSize(16<<20), WithConcurrency(2), WithChecksum(false))
	assert.Equal(t, "a/b/unitigs.fa", s.key("unitigs.fa"))
	assert.Equal(t, int64(16<<20), s.uploader.PartSize)
	assert.Equal(t, 2, s.uploader.Concurrency)
	assert.False(t, s.opts.Checksum)
}

// TestStore_Integration runs against a real bucket named by S3_BUCKET.
func TestStore_Integration(t *testing.T) {
	bucket := os.Getenv("S3_BUCKET")
	if bucket == "" {
		t.Skip("S3_BUCKET not set")
	}

	ctx := t.Context()
	store, err := New(ctx, bucket, WithPrefix("unitigo-test-"+time.Now().Format("20060102T150405")))
	require.NoError(t, err)

	data := strings.Repeat("ACGT", 1<<18)
	wb, err := store.Create(ctx, "unitigs.fa")
	require.NoError(t, err)
	_, err = io.Copy(wb, strings.NewReader(data))
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	rc, err := store.Open(ctx, "unitigs.fa")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, data, string(got))

	_, err = store.Open(ctx, "missing.fa")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
