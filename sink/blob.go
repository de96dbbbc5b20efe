package sink

import (
	"context"
	"fmt"
	"iter"

	"github.com/hupe1980/unitigo/blobstore"
)

// CreateBlob writes FASTA to a blob named name in store. The compression is
// picked from the extension of name. The blob becomes visible when Close
// returns nil; a failed Close aborts the upload.
func CreateBlob(ctx context.Context, store blobstore.Store, name string, optFns ...FASTAOption) (*FASTA, error) {
	wb, err := store.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("sink: create blob %s: %w", name, err)
	}
	f, err := newFASTA(wb, CompressionFor(name), wb.Close, optFns)
	if err != nil {
		_ = wb.Abort()
		return nil, err
	}
	f.abort = wb.Abort
	return f, nil
}

// OpenBlob returns the records of a FASTA blob written by CreateBlob.
func OpenBlob(ctx context.Context, store blobstore.Store, name string) iter.Seq2[Sequence, error] {
	return func(yield func(Sequence, error) bool) {
		blob, err := store.Open(ctx, name)
		if err != nil {
			yield(Sequence{}, err)
			return
		}
		defer blob.Close()
		rc, err := decompressReader(blob, CompressionFor(name))
		if err != nil {
			yield(Sequence{}, err)
			return
		}
		defer rc.Close()
		for seq, err := range ReadFASTA(rc) {
			if !yield(seq, err) || err != nil {
				return
			}
		}
	}
}
