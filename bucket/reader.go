package bucket

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/hupe1980/unitigo/internal/blockcodec"
	"github.com/hupe1980/unitigo/vfs"
)

const readBufferSize = 64 << 10

// Reader replays the records of one finalized partition file.
//
// Each call to Records starts a new forward-only stream from the beginning of
// the file. The yielded slice is only valid until the next iteration.
type Reader struct {
	f      *vfs.File
	header Header
}

// OpenReader opens the bucket file at path.
func OpenReader(mgr *vfs.Manager, path string) (*Reader, error) {
	f, err := mgr.Open(path)
	if err != nil {
		return nil, err
	}
	if f.Size() < headerSize {
		return nil, fmt.Errorf("%w: %s too small", ErrCorrupt, path)
	}
	b := make([]byte, headerSize)
	if _, err := f.ReadAt(b, 0); err != nil {
		return nil, fmt.Errorf("bucket: read header of %s: %w", path, err)
	}
	h, err := decodeHeader(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &Reader{f: f, header: h}, nil
}

// Path returns the file path.
func (r *Reader) Path() string { return r.f.Path() }

// Header returns the file header.
func (r *Reader) Header() Header { return r.header }

// Records returns all records of the file.
func (r *Reader) Records() iter.Seq2[[]byte, error] {
	return r.RecordsFrom(headerSize)
}

// RecordsFrom returns the records starting at a checkpoint offset obtained
// from Checkpoints.
func (r *Reader) RecordsFrom(checkpoint int64) iter.Seq2[[]byte, error] {
	if r.header.Strategy == Compressed {
		return r.blockRecords(checkpoint)
	}
	return r.streamRecords(checkpoint)
}

// Checkpoints returns the offsets at which a replay can start. Compressed
// files have one checkpoint per block; the headers are scanned without
// decompressing. Lock-free files have a single checkpoint.
func (r *Reader) Checkpoints() ([]int64, error) {
	if r.header.Strategy != Compressed {
		return []int64{headerSize}, nil
	}

	var out []int64
	var hb [blockcodec.HeaderSize]byte
	size := r.f.Size()
	for off := int64(headerSize); off < size; {
		if _, err := r.f.ReadAt(hb[:], off); err != nil {
			return nil, fmt.Errorf("%w: block header at %d: %v", ErrCorrupt, off, err)
		}
		h, err := blockcodec.ParseHeader(hb[:])
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
		out = append(out, off)
		off += blockcodec.HeaderSize + int64(h.StoredSize())
	}
	return out, nil
}

func (r *Reader) streamRecords(start int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		size := r.f.Size()
		if start < headerSize || start > size {
			yield(nil, fmt.Errorf("%w: invalid checkpoint %d", ErrCorrupt, start))
			return
		}
		br := bufio.NewReaderSize(io.NewSectionReader(r.f, start, size-start), readBufferSize)

		var buf []byte
		remaining := size - start
		for {
			n, err := binary.ReadUvarint(br)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, fmt.Errorf("%w: %s: record length: %v", ErrCorrupt, r.f.Path(), err))
				return
			}
			if n > uint64(remaining) {
				yield(nil, fmt.Errorf("%w: %s: record length %d exceeds file", ErrCorrupt, r.f.Path(), n))
				return
			}
			if uint64(cap(buf)) < n {
				buf = make([]byte, n)
			}
			buf = buf[:n]
			if _, err := io.ReadFull(br, buf); err != nil {
				yield(nil, fmt.Errorf("%w: %s: truncated record: %v", ErrCorrupt, r.f.Path(), err))
				return
			}
			remaining -= int64(n)
			if !yield(buf, nil) {
				return
			}
		}
	}
}

func (r *Reader) blockRecords(start int64) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		size := r.f.Size()
		var hb [blockcodec.HeaderSize]byte
		var stored, block []byte

		for off := start; off < size; {
			if _, err := r.f.ReadAt(hb[:], off); err != nil {
				yield(nil, fmt.Errorf("%w: %s: block header at %d: %v", ErrCorrupt, r.f.Path(), off, err))
				return
			}
			h, err := blockcodec.ParseHeader(hb[:])
			if err != nil {
				yield(nil, fmt.Errorf("%w: %v", ErrCorrupt, err))
				return
			}
			n := h.StoredSize()
			if off+blockcodec.HeaderSize+int64(n) > size {
				yield(nil, fmt.Errorf("%w: %s: block at %d exceeds file", ErrCorrupt, r.f.Path(), off))
				return
			}
			if cap(stored) < n {
				stored = make([]byte, n)
			}
			stored = stored[:n]
			if _, err := r.f.ReadAt(stored, off+blockcodec.HeaderSize); err != nil && !errors.Is(err, io.EOF) {
				yield(nil, fmt.Errorf("bucket: read block of %s: %w", r.f.Path(), err))
				return
			}
			block, err = blockcodec.Decode(block[:0], r.header.Codec, h, stored)
			if err != nil {
				yield(nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, r.f.Path(), err))
				return
			}
			off += blockcodec.HeaderSize + int64(n)

			for rest := block; len(rest) > 0; {
				l, k := binary.Uvarint(rest)
				if k <= 0 || uint64(len(rest)-k) < l {
					yield(nil, fmt.Errorf("%w: %s: record straddles block end", ErrCorrupt, r.f.Path()))
					return
				}
				if !yield(rest[k:k+int(l)], nil) {
					return
				}
				rest = rest[k+int(l):]
			}
		}
	}
}

// Records opens path and returns its records.
func Records(mgr *vfs.Manager, path string) iter.Seq2[[]byte, error] {
	r, err := OpenReader(mgr, path)
	if err != nil {
		return func(yield func([]byte, error) bool) { yield(nil, err) }
	}
	return r.Records()
}
