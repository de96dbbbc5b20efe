package bucket

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/unitigo/internal/blockcodec"
)

var (
	// ErrFinalized is returned when writing to a finalized writer or set.
	ErrFinalized = errors.New("bucket: finalized")
	// ErrAborted is returned by a Set after Abort.
	ErrAborted = errors.New("bucket: set aborted")
	// ErrCorrupt is returned when a bucket file cannot be decoded.
	ErrCorrupt = errors.New("bucket: corrupt file")
	// ErrBuffersOutstanding is returned by Finalize while thread buffers are
	// still borrowed.
	ErrBuffersOutstanding = errors.New("bucket: thread buffers still borrowed")
)

// Strategy selects how partition writers append.
type Strategy uint8

const (
	// LockFree reserves byte ranges with an atomic add and writes directly.
	LockFree Strategy = 1
	// Compressed buffers up to a checkpoint size and appends compressed blocks.
	Compressed Strategy = 2
)

func (s Strategy) String() string {
	switch s {
	case LockFree:
		return "lock-free"
	case Compressed:
		return "compressed"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ParseStrategy returns the strategy with the given name.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(name) {
	case "", "lock-free", "lockfree":
		return LockFree, nil
	case "compressed", "checkpointed":
		return Compressed, nil
	default:
		return 0, fmt.Errorf("bucket: unknown strategy %q", name)
	}
}

// File header: [magic "UTBK"][version][strategy][codec][reserved]
const (
	headerSize    = 8
	headerVersion = 1
)

var magic = [4]byte{'U', 'T', 'B', 'K'}

// Header describes a bucket file.
type Header struct {
	Strategy Strategy
	Codec    blockcodec.Codec
}

func (h Header) encode() []byte {
	b := make([]byte, headerSize)
	copy(b, magic[:])
	b[4] = headerVersion
	b[5] = byte(h.Strategy)
	b[6] = byte(h.Codec)
	return b
}

func decodeHeader(b []byte) (Header, error) {
	if len(b) < headerSize || [4]byte(b[:4]) != magic {
		return Header{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if b[4] != headerVersion {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, b[4])
	}
	h := Header{Strategy: Strategy(b[5]), Codec: blockcodec.Codec(b[6])}
	if h.Strategy != LockFree && h.Strategy != Compressed {
		return Header{}, fmt.Errorf("%w: unknown strategy %d", ErrCorrupt, b[5])
	}
	return h, nil
}

// Count holds per-partition totals.
type Count struct {
	Bytes   uint64 `json:"bytes"`
	Records uint64 `json:"records"`
}

// Add returns the sum of two counts.
func (c Count) Add(o Count) Count {
	return Count{Bytes: c.Bytes + o.Bytes, Records: c.Records + o.Records}
}

// Files is the result of finalizing a Set.
type Files struct {
	Paths  []string `json:"paths"`
	Counts []Count  `json:"counts"`
}

// Total returns the sum over all partitions.
func (f Files) Total() Count {
	var t Count
	for _, c := range f.Counts {
		t = t.Add(c)
	}
	return t
}

// Clone returns a deep copy.
func (f Files) Clone() Files {
	return Files{
		Paths:  append([]string(nil), f.Paths...),
		Counts: append([]Count(nil), f.Counts...),
	}
}

// Name returns the file name of one partition: <prefix>.<partition>[.ext].
func Name(prefix string, partition int, ext string) string {
	name := prefix + "." + strconv.Itoa(partition)
	if ext != "" {
		name += "." + ext
	}
	return name
}

// Names returns the file names of n partitions.
func Names(prefix string, n int, ext string) []string {
	names := make([]string, n)
	for i := range names {
		names[i] = Name(prefix, i, ext)
	}
	return names
}

// PartitionOf extracts the partition index from a bucket file name.
func PartitionOf(path string) (int, error) {
	base := filepath.Base(path)
	parts := strings.Split(base, ".")
	// <prefix>.<partition> or <prefix>.<partition>.<ext>
	for i := len(parts) - 1; i >= 1; i-- {
		if p, err := strconv.Atoi(parts[i]); err == nil && p >= 0 {
			return p, nil
		}
	}
	return 0, fmt.Errorf("bucket: no partition index in %q", base)
}
