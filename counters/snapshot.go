package counters

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	ifs "github.com/hupe1980/unitigo/internal/fs"
	"github.com/hupe1980/unitigo/internal/hash"
)

// Snapshot layout:
//
//	[magic "UTCS"][version u8][partitions uvarint][subPartitions uvarint]
//	[count uvarint]*  [crc32c u32 LE over everything before]
var snapshotMagic = [4]byte{'U', 'T', 'C', 'S'}

const snapshotVersion = 1

// MarshalBinary encodes the counter matrix.
func (a *Analyzer) MarshalBinary() ([]byte, error) {
	sub := 0
	if len(a.counts) > 0 {
		sub = len(a.counts[0])
	}
	b := append([]byte(nil), snapshotMagic[:]...)
	b = append(b, snapshotVersion)
	b = binary.AppendUvarint(b, uint64(len(a.counts)))
	b = binary.AppendUvarint(b, uint64(sub))
	for _, row := range a.counts {
		if len(row) != sub {
			return nil, fmt.Errorf("counters: ragged matrix")
		}
		for _, c := range row {
			b = binary.AppendUvarint(b, c)
		}
	}
	return binary.LittleEndian.AppendUint32(b, hash.CRC32C(b)), nil
}

// Unmarshal decodes a snapshot produced by MarshalBinary.
func Unmarshal(b []byte) (*Analyzer, error) {
	if len(b) < len(snapshotMagic)+1+4 {
		return nil, fmt.Errorf("%w: too short", ErrCorrupt)
	}
	body, sum := b[:len(b)-4], binary.LittleEndian.Uint32(b[len(b)-4:])
	if hash.CRC32C(body) != sum {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorrupt)
	}
	if [4]byte(body[:4]) != snapshotMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if body[4] != snapshotVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, body[4])
	}
	rest := body[5:]

	next := func() (uint64, error) {
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return 0, fmt.Errorf("%w: truncated", ErrCorrupt)
		}
		rest = rest[n:]
		return v, nil
	}

	partitions, err := next()
	if err != nil {
		return nil, err
	}
	sub, err := next()
	if err != nil {
		return nil, err
	}
	if partitions*sub > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: %dx%d counters in %d bytes", ErrCorrupt, partitions, sub, len(rest))
	}

	counts := make([][]uint64, partitions)
	for p := range counts {
		counts[p] = make([]uint64, sub)
		for s := range counts[p] {
			if counts[p][s], err = next(); err != nil {
				return nil, err
			}
		}
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(rest))
	}
	return FromCounts(counts), nil
}

// SaveFile writes the snapshot to path through fsys.
func (a *Analyzer) SaveFile(fsys ifs.FileSystem, path string) error {
	b, err := a.MarshalBinary()
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("counters: create %s: %w", tmp, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return fmt.Errorf("counters: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("counters: sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("counters: close %s: %w", tmp, err)
	}
	return fsys.Rename(tmp, path)
}

// LoadFile reads a snapshot from path. With remove the file is deleted after
// a successful load.
func LoadFile(fsys ifs.FileSystem, path string, remove bool) (*Analyzer, error) {
	f, err := fsys.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("counters: %s: %w", path, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("counters: open %s: %w", path, err)
	}
	b, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return nil, fmt.Errorf("counters: read %s: %w", path, err)
	}

	a, err := Unmarshal(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if remove {
		if err := fsys.Remove(path); err != nil {
			return nil, fmt.Errorf("counters: remove %s: %w", path, err)
		}
	}
	return a, nil
}
