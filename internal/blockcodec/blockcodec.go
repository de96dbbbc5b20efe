// Package blockcodec compresses checkpoint blocks of bucket files.
//
// Every encoded block starts with an 8-byte header:
//
//	[UncompressedSize uint32][CompressedSize uint32][Data...]
//
// CompressedSize == 0 means the block is stored raw, which happens for
// incompressible input and for [None].
package blockcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

const (
	// HeaderSize is the size of a block header in bytes.
	HeaderSize = 8
	// MaxBlockSize bounds the uncompressed size of one block. Headers
	// claiming more are rejected before anything is allocated.
	MaxBlockSize = 64 << 20
)

var (
	// ErrShortBlock is returned when a block is smaller than its header says.
	ErrShortBlock = errors.New("blockcodec: short block")
	// ErrSizeMismatch is returned when a block decodes to an unexpected size.
	ErrSizeMismatch = errors.New("blockcodec: decompressed size mismatch")
	// ErrBlockTooLarge is returned for blocks above MaxBlockSize.
	ErrBlockTooLarge = errors.New("blockcodec: block too large")
	// ErrUnknownCodec is returned for codec identifiers this build cannot decode.
	ErrUnknownCodec = errors.New("blockcodec: unknown codec")
)

// Codec identifies a block compression algorithm.
type Codec uint8

const (
	// None stores blocks raw.
	None Codec = 0
	// LZ4 is fast block compression; the default for intermediate buckets.
	LZ4 Codec = 1
	// Zstd trades speed for ratio.
	Zstd Codec = 2
)

func (c Codec) String() string {
	switch c {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("codec(%d)", uint8(c))
	}
}

// Parse returns the codec with the given name.
func Parse(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return None, nil
	case "lz4":
		return LZ4, nil
	case "zstd", "zst":
		return Zstd, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}

// Header describes one encoded block.
type Header struct {
	UncompressedSize uint32
	CompressedSize   uint32 // 0 means stored raw
}

// StoredSize returns the number of payload bytes following the header.
func (h Header) StoredSize() int {
	if h.CompressedSize == 0 {
		return int(h.UncompressedSize)
	}
	return int(h.CompressedSize)
}

// ParseHeader decodes a block header.
func ParseHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, ErrShortBlock
	}
	h := Header{
		UncompressedSize: binary.LittleEndian.Uint32(b[0:]),
		CompressedSize:   binary.LittleEndian.Uint32(b[4:]),
	}
	return h, h.validate()
}

// validate rejects sizes no Compressor produces.
func (h Header) validate() error {
	if h.UncompressedSize > MaxBlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, h.UncompressedSize)
	}
	if h.CompressedSize > h.UncompressedSize {
		return fmt.Errorf("%w: compressed %d > uncompressed %d", ErrSizeMismatch, h.CompressedSize, h.UncompressedSize)
	}
	return nil
}

// Compressor encodes blocks with a fixed codec and level.
// It is safe for concurrent use.
type Compressor struct {
	codec Codec
	level int
}

// NewCompressor returns a compressor for codec. Level 0 selects the codec
// default; LZ4 levels 1-9 switch to the high-compression variant and zstd
// levels follow the zstd command-line scale.
func NewCompressor(codec Codec, level int) (*Compressor, error) {
	switch codec {
	case None, LZ4, Zstd:
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
	return &Compressor{codec: codec, level: level}, nil
}

// Codec returns the compressor's codec.
func (c *Compressor) Codec() Codec { return c.codec }

// Append encodes src as one block and appends header and payload to dst.
func (c *Compressor) Append(dst, src []byte) ([]byte, error) {
	if len(src) > MaxBlockSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(src))
	}
	var compressed []byte
	var err error

	switch c.codec {
	case LZ4:
		compressed, err = c.compressLZ4(src)
	case Zstd:
		compressed = c.compressZstd(src)
	}
	if err != nil {
		return dst, err
	}

	// Keep the block raw when compression does not pay off.
	if len(compressed) == 0 || float64(len(compressed)) > float64(len(src))*0.9 {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(src)))
		dst = binary.LittleEndian.AppendUint32(dst, 0)
		return append(dst, src...), nil
	}

	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(src)))
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(compressed)))
	return append(dst, compressed...), nil
}

func (c *Compressor) compressLZ4(src []byte) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	out := make([]byte, lz4.CompressBlockBound(len(src)))

	var n int
	var err error
	if c.level > 0 {
		hc := lz4.CompressorHC{Level: lz4Level(c.level)}
		n, err = hc.CompressBlock(src, out)
	} else {
		n, err = lz4.CompressBlock(src, out, nil)
	}
	if err != nil {
		return nil, err
	}
	return out[:n], nil // n == 0: incompressible
}

func lz4Level(level int) lz4.CompressionLevel {
	levels := [...]lz4.CompressionLevel{
		lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5,
		lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
	}
	return levels[min(level, len(levels))-1]
}

func (c *Compressor) compressZstd(src []byte) []byte {
	if len(src) == 0 {
		return nil
	}
	lvl := zstd.SpeedDefault
	if c.level > 0 {
		lvl = zstd.EncoderLevelFromZstd(c.level)
	}
	enc := getZstdEncoder(lvl)
	defer putZstdEncoder(lvl, enc)
	return enc.EncodeAll(src, nil)
}

// Decode decompresses one block payload described by h, appending the
// original bytes to dst. codec is the codec the block was written with.
func Decode(dst []byte, codec Codec, h Header, payload []byte) ([]byte, error) {
	if err := h.validate(); err != nil {
		return dst, err
	}
	if len(payload) < h.StoredSize() {
		return dst, ErrShortBlock
	}
	payload = payload[:h.StoredSize()]

	if h.CompressedSize == 0 {
		return append(dst, payload...), nil
	}

	switch codec {
	case LZ4:
		start := len(dst)
		dst = append(dst, make([]byte, h.UncompressedSize)...)
		n, err := lz4.UncompressBlock(payload, dst[start:])
		if err != nil {
			return dst[:start], fmt.Errorf("blockcodec: lz4: %w", err)
		}
		if uint32(n) != h.UncompressedSize {
			return dst[:start], ErrSizeMismatch
		}
		return dst, nil

	case Zstd:
		dec := getZstdDecoder()
		defer putZstdDecoder(dec)

		start := len(dst)
		out, err := dec.DecodeAll(payload, dst)
		if err != nil {
			return dst, fmt.Errorf("blockcodec: zstd: %w", err)
		}
		if uint32(len(out)-start) != h.UncompressedSize {
			return dst, ErrSizeMismatch
		}
		return out, nil

	default:
		return dst, fmt.Errorf("%w: %d", ErrUnknownCodec, codec)
	}
}

// One pool per zstd encoder level.
var (
	zstdEncoderPools [zstd.SpeedBestCompression + 1]sync.Pool
	zstdDecoderPool  sync.Pool
)

func getZstdEncoder(lvl zstd.EncoderLevel) *zstd.Encoder {
	if v := zstdEncoderPools[lvl].Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(lvl), zstd.WithEncoderConcurrency(1))
	return enc
}

func putZstdEncoder(lvl zstd.EncoderLevel, enc *zstd.Encoder) {
	zstdEncoderPools[lvl].Put(enc)
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1), zstd.WithDecoderMaxMemory(MaxBlockSize))
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) {
	zstdDecoderPool.Put(dec)
}
