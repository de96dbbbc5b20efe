package unitigo

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBasicMetricsCollector(t *testing.T) {
	var mc BasicMetricsCollector
	assert.Zero(t, mc.GetStats().PhaseAvgNanos)

	mc.RecordPhase(StepBucketing, 2*time.Millisecond, nil)
	mc.RecordPhase(StepCompaction, 4*time.Millisecond, errors.New("boom"))
	mc.RecordRound(0, 10, time.Millisecond)
	mc.RecordRound(1, 0, time.Millisecond)
	mc.RecordChain(3, 12, false)
	mc.RecordChain(1, 8, true)
	mc.RecordDroppedChain()
	mc.RecordSpill(1024, 2)

	stats := mc.GetStats()
	assert.Equal(t, int64(2), stats.PhaseCount)
	assert.Equal(t, int64(1), stats.PhaseErrors)
	assert.Equal(t, (3 * time.Millisecond).Nanoseconds(), stats.PhaseAvgNanos)
	assert.Equal(t, int64(2), stats.Rounds)
	assert.Zero(t, stats.Remaining)
	assert.Equal(t, int64(2), stats.Chains)
	assert.Equal(t, int64(1), stats.CircularChains)
	assert.Equal(t, int64(4), stats.ChainFragments)
	assert.Equal(t, int64(20), stats.ChainUnits)
	assert.Equal(t, int64(1), stats.DroppedChains)
	assert.Equal(t, int64(1024), stats.SpilledBytes)
	assert.Equal(t, int64(2), stats.Evictions)
}

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	pc := NewPrometheusCollector(reg)

	pc.RecordPhase(StepCompaction, time.Second, errors.New("boom"))
	pc.RecordRound(0, 7, time.Millisecond)
	pc.RecordChain(2, 10, true)
	pc.RecordDroppedChain()
	pc.RecordSpill(100, 1)

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := make(map[string]int)
	for _, mf := range families {
		byName[mf.GetName()] = len(mf.GetMetric())
		if mf.GetName() == "unitigo_compaction_remaining_segments" {
			assert.Equal(t, float64(7), mf.GetMetric()[0].GetGauge().GetValue())
		}
		if mf.GetName() == "unitigo_phase_errors_total" {
			labels := mf.GetMetric()[0].GetLabel()
			require.Len(t, labels, 1)
			assert.Equal(t, "compaction", labels[0].GetValue())
		}
	}
	for _, name := range []string{
		"unitigo_phase_duration_seconds",
		"unitigo_phase_errors_total",
		"unitigo_compaction_rounds_total",
		"unitigo_chains_total",
		"unitigo_dropped_chains_total",
		"unitigo_spilled_bytes_total",
		"unitigo_evictions_total",
	} {
		assert.Contains(t, byName, name)
	}

	assert.Panics(t, func() { NewPrometheusCollector(reg) })
}

func TestNoopMetricsCollector(t *testing.T) {
	var mc MetricsCollector = NoopMetricsCollector{}
	mc.RecordPhase(StepAssembly, time.Second, nil)
	mc.RecordRound(0, 0, 0)
	mc.RecordChain(1, 1, false)
	mc.RecordDroppedChain()
	mc.RecordSpill(0, 0)
}
