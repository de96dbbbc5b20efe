// Package partition defines the partitioning capability: how records are
// assigned to partitions and how chain keys are ordered.
package partition

import (
	"cmp"
	"fmt"

	"github.com/hupe1980/unitigo/internal/hash"
)

// Key identifies a fragment: the partition it lives in and its index.
type Key struct {
	Partition uint32
	Index     uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%d_%d", k.Partition, k.Index)
}

// Strategy assigns identifiers to partitions and orders keys.
// Implementations must be deterministic across runs so that a resumed
// pipeline finds every record where an earlier phase put it.
type Strategy interface {
	// Partitions returns the number of partitions.
	Partitions() int
	// SubPartitions returns the number of sub-partitions per partition.
	SubPartitions() int
	// Assign returns the partition of id.
	Assign(id uint64) uint32
	// SubPartition returns the sub-partition of id inside its partition.
	SubPartition(id uint64) uint32
	// Compare orders keys.
	Compare(a, b Key) int
}

// KeyOf returns the key of id under s.
func KeyOf(s Strategy, id uint64) Key {
	return Key{Partition: s.Assign(id), Index: id}
}

// CompareKeys orders keys by partition, then index.
func CompareKeys(a, b Key) int {
	if c := cmp.Compare(a.Partition, b.Partition); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

// XXHash spreads identifiers uniformly with xxhash64. The low bits select the
// partition and the high bits the sub-partition.
type XXHash struct {
	partitions    uint64
	subPartitions uint64
}

// NewXXHash returns an xxhash strategy.
func NewXXHash(partitions, subPartitions int) (*XXHash, error) {
	if err := validate(partitions, subPartitions); err != nil {
		return nil, err
	}
	return &XXHash{partitions: uint64(partitions), subPartitions: uint64(subPartitions)}, nil
}

func (s *XXHash) Partitions() int    { return int(s.partitions) }
func (s *XXHash) SubPartitions() int { return int(s.subPartitions) }

func (s *XXHash) Assign(id uint64) uint32 {
	return uint32(hash.Uint64(id) % s.partitions)
}

func (s *XXHash) SubPartition(id uint64) uint32 {
	return uint32((hash.Uint64(id) >> 32) % s.subPartitions)
}

func (s *XXHash) Compare(a, b Key) int { return CompareKeys(a, b) }

// Modulo assigns id to partition id mod n. It keeps placement predictable,
// which is mostly useful in tests and for pre-partitioned input.
type Modulo struct {
	partitions    uint64
	subPartitions uint64
}

// NewModulo returns a modulo strategy.
func NewModulo(partitions, subPartitions int) (*Modulo, error) {
	if err := validate(partitions, subPartitions); err != nil {
		return nil, err
	}
	return &Modulo{partitions: uint64(partitions), subPartitions: uint64(subPartitions)}, nil
}

func (s *Modulo) Partitions() int    { return int(s.partitions) }
func (s *Modulo) SubPartitions() int { return int(s.subPartitions) }

func (s *Modulo) Assign(id uint64) uint32 { return uint32(id % s.partitions) }

func (s *Modulo) SubPartition(id uint64) uint32 {
	return uint32((id / s.partitions) % s.subPartitions)
}

func (s *Modulo) Compare(a, b Key) int { return CompareKeys(a, b) }

func validate(partitions, subPartitions int) error {
	if partitions <= 0 || partitions > 1<<24 {
		return fmt.Errorf("partition: invalid partition count %d", partitions)
	}
	if subPartitions <= 0 {
		return fmt.Errorf("partition: invalid sub-partition count %d", subPartitions)
	}
	return nil
}
