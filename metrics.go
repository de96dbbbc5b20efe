package unitigo

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting pipeline metrics.
// Implement this interface to integrate with monitoring systems, or use
// PrometheusCollector.
type MetricsCollector interface {
	// RecordPhase is called after each phase. err is nil if successful.
	RecordPhase(step Step, duration time.Duration, err error)

	// RecordRound is called after each compaction round with the number of
	// segments handed to the next round.
	RecordRound(round int, remaining uint64, duration time.Duration)

	// RecordChain is called for every chain written to the sink.
	RecordChain(fragments, length int, circular bool)

	// RecordDroppedChain is called for every chain that was empty after
	// trimming the overlap.
	RecordDroppedChain()

	// RecordSpill is called after each phase with the bytes written to disk
	// and the chunks evicted during the phase.
	RecordSpill(bytes, evictions int64)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPhase(Step, time.Duration, error) {}
func (NoopMetricsCollector) RecordRound(int, uint64, time.Duration) {}
func (NoopMetricsCollector) RecordChain(int, int, bool)             {}
func (NoopMetricsCollector) RecordDroppedChain()                    {}
func (NoopMetricsCollector) RecordSpill(int64, int64)               {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PhaseCount      atomic.Int64
	PhaseErrors     atomic.Int64
	PhaseTotalNanos atomic.Int64
	Rounds          atomic.Int64
	Remaining       atomic.Int64
	Chains          atomic.Int64
	CircularChains  atomic.Int64
	ChainFragments  atomic.Int64
	ChainUnits      atomic.Int64
	DroppedChains   atomic.Int64
	SpilledBytes    atomic.Int64
	Evictions       atomic.Int64
}

// RecordPhase implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPhase(_ Step, duration time.Duration, err error) {
	b.PhaseCount.Add(1)
	b.PhaseTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.PhaseErrors.Add(1)
	}
}

// RecordRound implements MetricsCollector.
func (b *BasicMetricsCollector) RecordRound(_ int, remaining uint64, _ time.Duration) {
	b.Rounds.Add(1)
	b.Remaining.Store(int64(remaining))
}

// RecordChain implements MetricsCollector.
func (b *BasicMetricsCollector) RecordChain(fragments, length int, circular bool) {
	b.Chains.Add(1)
	b.ChainFragments.Add(int64(fragments))
	b.ChainUnits.Add(int64(length))
	if circular {
		b.CircularChains.Add(1)
	}
}

// RecordDroppedChain implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDroppedChain() {
	b.DroppedChains.Add(1)
}

// RecordSpill implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSpill(bytes, evictions int64) {
	b.SpilledBytes.Add(bytes)
	b.Evictions.Add(evictions)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PhaseCount:     b.PhaseCount.Load(),
		PhaseErrors:    b.PhaseErrors.Load(),
		PhaseAvgNanos:  b.getAvgPhaseNanos(),
		Rounds:         b.Rounds.Load(),
		Remaining:      b.Remaining.Load(),
		Chains:         b.Chains.Load(),
		CircularChains: b.CircularChains.Load(),
		ChainFragments: b.ChainFragments.Load(),
		ChainUnits:     b.ChainUnits.Load(),
		DroppedChains:  b.DroppedChains.Load(),
		SpilledBytes:   b.SpilledBytes.Load(),
		Evictions:      b.Evictions.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgPhaseNanos() int64 {
	count := b.PhaseCount.Load()
	if count == 0 {
		return 0
	}
	return b.PhaseTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PhaseCount     int64
	PhaseErrors    int64
	PhaseAvgNanos  int64
	Rounds         int64
	Remaining      int64
	Chains         int64
	CircularChains int64
	ChainFragments int64
	ChainUnits     int64
	DroppedChains  int64
	SpilledBytes   int64
	Evictions      int64
}
