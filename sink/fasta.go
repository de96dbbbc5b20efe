package sink

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"strconv"
	"sync"

	ifs "github.com/hupe1980/unitigo/internal/fs"
)

// FASTAOptions configures a FASTA sink.
type FASTAOptions struct {
	// LineWidth wraps sequence lines. 0 writes each sequence on one line.
	LineWidth int
	// Level is the compression level. 0 uses the codec default.
	Level int
	// FileSystem is used by CreateFile. Defaults to the local file system.
	FileSystem ifs.FileSystem
}

// FASTAOption configures a FASTA sink.
type FASTAOption func(*FASTAOptions)

// WithLineWidth wraps sequence lines at n units.
func WithLineWidth(n int) FASTAOption { return func(o *FASTAOptions) { o.LineWidth = n } }

// WithLevel sets the compression level.
func WithLevel(level int) FASTAOption { return func(o *FASTAOptions) { o.Level = level } }

// WithFileSystem sets the file system used by CreateFile.
func WithFileSystem(fsys ifs.FileSystem) FASTAOption {
	return func(o *FASTAOptions) { o.FileSystem = fsys }
}

// FASTA writes sequences as FASTA records:
//
//	>ID LN:i:<length> FC:i:<fragments>[ circular]
//	SEQUENCE
type FASTA struct {
	mu     sync.Mutex
	opts   FASTAOptions
	bw     *bufio.Writer
	enc    io.WriteCloser
	closer func() error
	// abort replaces closer when flushing fails.
	abort  func() error
	closed bool
}

// NewFASTA writes uncompressed FASTA to w. Close flushes but does not close w.
func NewFASTA(w io.Writer, optFns ...FASTAOption) *FASTA {
	f, _ := newFASTA(w, None, nil, optFns)
	return f
}

func newFASTA(w io.Writer, c Compression, closer func() error, optFns []FASTAOption) (*FASTA, error) {
	var opts FASTAOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	enc, err := compressWriter(w, c, opts.Level)
	if err != nil {
		return nil, err
	}
	return &FASTA{
		opts:   opts,
		bw:     bufio.NewWriterSize(enc, 256<<10),
		enc:    enc,
		closer: closer,
	}, nil
}

// CreateFile creates a FASTA file at path. The compression is picked from
// the extension (see CompressionFor). The file is synced on Close.
func CreateFile(path string, optFns ...FASTAOption) (*FASTA, error) {
	var opts FASTAOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	fsys := opts.FileSystem
	if fsys == nil {
		fsys = ifs.Default
	}
	file, err := fsys.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("sink: create %s: %w", path, err)
	}
	f, err := newFASTA(file, CompressionFor(path), func() error {
		if err := file.Sync(); err != nil {
			_ = file.Close()
			return err
		}
		return file.Close()
	}, optFns)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return f, nil
}

// Write implements Sink.
func (f *FASTA) Write(ctx context.Context, seq Sequence) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}

	f.bw.WriteByte('>')
	f.bw.WriteString(seq.ID)
	f.bw.WriteString(" LN:i:")
	f.bw.WriteString(strconv.Itoa(seq.Meta.Length))
	f.bw.WriteString(" FC:i:")
	f.bw.WriteString(strconv.Itoa(seq.Meta.Fragments))
	if seq.Meta.Circular {
		f.bw.WriteString(" circular")
	}
	f.bw.WriteByte('\n')

	data := seq.Data
	if f.opts.LineWidth <= 0 {
		f.bw.Write(data)
		f.bw.WriteByte('\n')
	} else {
		for len(data) > 0 {
			n := min(len(data), f.opts.LineWidth)
			f.bw.Write(data[:n])
			f.bw.WriteByte('\n')
			data = data[n:]
		}
	}
	// bufio.Writer latches the first error.
	_, err := f.bw.Write(nil)
	return err
}

// Close flushes buffered output and finishes the compressed stream.
func (f *FASTA) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true

	err := f.bw.Flush()
	if cerr := f.enc.Close(); err == nil {
		err = cerr
	}
	if err != nil && f.abort != nil {
		_ = f.abort()
		return err
	}
	if f.closer != nil {
		if cerr := f.closer(); err == nil {
			err = cerr
		}
	}
	return err
}

// ReadFASTA parses FASTA records written by this package. Header fields it
// does not know are ignored; Meta.Length is taken from the sequence itself.
func ReadFASTA(r io.Reader) iter.Seq2[Sequence, error] {
	return func(yield func(Sequence, error) bool) {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 64<<10), 1<<30)

		var cur *Sequence
		flush := func() bool {
			if cur == nil {
				return true
			}
			cur.Meta.Length = len(cur.Data)
			ok := yield(*cur, nil)
			cur = nil
			return ok
		}
		for sc.Scan() {
			line := sc.Bytes()
			if len(line) == 0 {
				continue
			}
			if line[0] != '>' {
				if cur == nil {
					yield(Sequence{}, errors.New("sink: sequence line before header"))
					return
				}
				cur.Data = append(cur.Data, line...)
				continue
			}
			if !flush() {
				return
			}
			cur = parseHeader(line[1:])
		}
		if err := sc.Err(); err != nil {
			yield(Sequence{}, err)
			return
		}
		flush()
	}
}

func parseHeader(h []byte) *Sequence {
	fields := bytes.Fields(h)
	seq := &Sequence{Data: []byte{}}
	if len(fields) == 0 {
		return seq
	}
	seq.ID = string(fields[0])
	for _, f := range fields[1:] {
		switch {
		case bytes.Equal(f, []byte("circular")):
			seq.Meta.Circular = true
		case bytes.HasPrefix(f, []byte("FC:i:")):
			seq.Meta.Fragments, _ = strconv.Atoi(string(f[5:]))
		}
	}
	return seq
}

// OpenFile returns the records of a FASTA file written by CreateFile.
func OpenFile(path string) iter.Seq2[Sequence, error] {
	return func(yield func(Sequence, error) bool) {
		file, err := os.Open(path)
		if err != nil {
			yield(Sequence{}, err)
			return
		}
		defer file.Close()
		rc, err := decompressReader(file, CompressionFor(path))
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
