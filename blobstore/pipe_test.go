package blobstore

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// uploadTo returns an UploadFunc that commits to store only after reading
// r to EOF, the way an object store completes an upload.
func uploadTo(store *MemoryStore, name string) UploadFunc {
	return func(ctx context.Context, r io.Reader) error {
		data, err := io.ReadAll(r)
		if err != nil {
			return err
		}
		w, _ := store.Create(ctx, name)
		if _, err := w.Write(data); err != nil {
			return err
		}
		return w.Close()
	}
}

func TestPipeWriter_Close(t *testing.T) {
	store := NewMemoryStore()
	w := NewPipeWriter(t.Context(), uploadTo(store, "out.fa"))

	_, err := w.Write([]byte(">1\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("ACGT\n"))
	require.NoError(t, err)
	assert.Zero(t, store.Len())

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.Close(), io.ErrClosedPipe)
	assert.NoError(t, w.Abort())

	rc, err := store.Open(t.Context(), "out.fa")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, ">1\nACGT\n", string(data))
}

func TestPipeWriter_Abort(t *testing.T) {
	store := NewMemoryStore()
	seen := make(chan error, 1)
	upload := uploadTo(store, "out.fa")
	w := NewPipeWriter(t.Context(), func(ctx context.Context, r io.Reader) error {
		err := upload(ctx, r)
		seen <- err
		return err
	})

	_, err := w.Write([]byte("ACGT"))
	require.NoError(t, err)
	require.NoError(t, w.Abort())

	assert.ErrorIs(t, <-seen, ErrAborted)
	assert.Zero(t, store.Len())
	_, err = w.Write([]byte("late"))
	assert.Error(t, err)
}

func TestPipeWriter_UploadFails(t *testing.T) {
	boom := errors.New("boom")
	w := NewPipeWriter(t.Context(), func(context.Context, io.Reader) error { return boom })

	// The upload gave up without reading, so writes fail instead of blocking.
	_, err := w.Write([]byte("ACGT"))
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, w.Close(), boom)
}
