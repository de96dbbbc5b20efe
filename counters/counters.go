// Package counters turns raw per-(partition, sub-partition) counts into
// load-balancing statistics and persists them as an opaque snapshot.
package counters

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
)

// ErrCorrupt is returned when a snapshot cannot be decoded.
var ErrCorrupt = errors.New("counters: corrupt snapshot")

// Raw is a matrix of atomic counters written concurrently during bucketing.
type Raw struct {
	partitions    int
	subPartitions int
	counts        []atomic.Uint64
}

// NewRaw allocates a zeroed counter matrix.
func NewRaw(partitions, subPartitions int) *Raw {
	return &Raw{
		partitions:    partitions,
		subPartitions: subPartitions,
		counts:        make([]atomic.Uint64, partitions*subPartitions),
	}
}

// Add increments one counter.
func (r *Raw) Add(partition, subPartition int, n uint64) {
	r.counts[partition*r.subPartitions+subPartition].Add(n)
}

// Load returns one counter.
func (r *Raw) Load(partition, subPartition int) uint64 {
	return r.counts[partition*r.subPartitions+subPartition].Load()
}

// Analyzer holds immutable statistics derived from a counter matrix.
type Analyzer struct {
	counts       [][]uint64
	median       uint64
	max          uint64
	partitionMax []uint64
	totals       []uint64
}

// New snapshots raw and derives the statistics.
func New(raw *Raw) *Analyzer {
	counts := make([][]uint64, raw.partitions)
	for p := range counts {
		counts[p] = make([]uint64, raw.subPartitions)
		for s := range counts[p] {
			counts[p][s] = raw.Load(p, s)
		}
	}
	return FromCounts(counts)
}

// FromCounts derives the statistics from a plain counter matrix.
// The median is the middle element of the non-zero counts sorted in
// descending order, or 0 if every count is zero.
func FromCounts(counts [][]uint64) *Analyzer {
	a := &Analyzer{
		counts:       counts,
		partitionMax: make([]uint64, len(counts)),
		totals:       make([]uint64, len(counts)),
	}

	var nonZero []uint64
	for p, row := range counts {
		for _, c := range row {
			if c == 0 {
				continue
			}
			nonZero = append(nonZero, c)
			a.partitionMax[p] = max(a.partitionMax[p], c)
			a.totals[p] += c
		}
		a.max = max(a.max, a.partitionMax[p])
	}

	slices.SortFunc(nonZero, func(x, y uint64) int { return cmp.Compare(y, x) })
	if len(nonZero) > 0 {
		a.median = nonZero[len(nonZero)/2]
	}
	return a
}

// Partitions returns the number of partitions.
func (a *Analyzer) Partitions() int { return len(a.counts) }

// CountersFor returns the sub-partition counters of partition.
func (a *Analyzer) CountersFor(partition int) []uint64 {
	return slices.Clone(a.counts[partition])
}

// Median returns the median non-zero counter.
func (a *Analyzer) Median() uint64 { return a.median }

// Max returns the largest counter.
func (a *Analyzer) Max() uint64 { return a.max }

// PartitionMax returns the largest sub-partition counter of partition.
func (a *Analyzer) PartitionMax(partition int) uint64 { return a.partitionMax[partition] }

// PartitionTotal returns the sum of the counters of partition.
func (a *Analyzer) PartitionTotal(partition int) uint64 { return a.totals[partition] }

// Skewed reports whether partition holds a sub-partition larger than factor
// times the median. Such partitions should not be handed to a single worker
// late in a phase.
func (a *Analyzer) Skewed(partition int, factor float64) bool {
	if a.median == 0 {
		return false
	}
	return float64(a.partitionMax[partition]) > factor*float64(a.median)
}

// ScheduleOrder returns all partitions, largest total first. Scheduling big
// partitions early keeps a worker pool from idling behind a straggler.
func (a *Analyzer) ScheduleOrder() []int {
	order := make([]int, len(a.counts))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(x, y int) int {
		return cmp.Compare(a.totals[y], a.totals[x])
	})
	return order
}

func (a *Analyzer) String() string {
	return fmt.Sprintf("counters{partitions=%d median=%d max=%d}", len(a.counts), a.median, a.max)
}
