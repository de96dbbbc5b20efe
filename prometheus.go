package unitigo

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "unitigo"

// PrometheusCollector exports pipeline metrics to Prometheus.
type PrometheusCollector struct {
	phaseDuration *prometheus.HistogramVec
	phaseErrors   *prometheus.CounterVec
	rounds        prometheus.Counter
	remaining     prometheus.Gauge
	roundDuration prometheus.Histogram
	chains        *prometheus.CounterVec
	chainUnits    prometheus.Counter
	fragments     prometheus.Counter
	dropped       prometheus.Counter
	spilledBytes  prometheus.Counter
	evictions     prometheus.Counter
}

// NewPrometheusCollector registers the pipeline metrics on reg. A nil reg
// uses prometheus.DefaultRegisterer. Registering twice on the same
// registerer panics.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &PrometheusCollector{
		phaseDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Duration of pipeline phases in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"step"},
		),
		phaseErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "phase_errors_total",
				Help:      "Total failed pipeline phases",
			},
			[]string{"step"},
		),
		rounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compaction_rounds_total",
			Help:      "Total compaction rounds",
		}),
		remaining: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "compaction_remaining_segments",
			Help:      "Segments handed to the next compaction round",
		}),
		roundDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "compaction_round_duration_seconds",
			Help:      "Duration of compaction rounds in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		chains: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "chains_total",
				Help:      "Total chains written to the sink",
			},
			[]string{"circular"},
		),
		chainUnits: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_units_total",
			Help:      "Total units written to the sink",
		}),
		fragments: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_fragments_total",
			Help:      "Total fragments assembled into written chains",
		}),
		dropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dropped_chains_total",
			Help:      "Total chains dropped because nothing was left after trimming",
		}),
		spilledBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spilled_bytes_total",
			Help:      "Total intermediate bytes written to disk",
		}),
		evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evictions_total",
			Help:      "Total resident chunks evicted under memory pressure",
		}),
	}
}

// RecordPhase implements MetricsCollector.
func (p *PrometheusCollector) RecordPhase(step Step, duration time.Duration, err error) {
	p.phaseDuration.WithLabelValues(step.String()).Observe(duration.Seconds())
	if err != nil {
		p.phaseErrors.WithLabelValues(step.String()).Inc()
	}
}

// RecordRound implements MetricsCollector.
func (p *PrometheusCollector) RecordRound(_ int, remaining uint64, duration time.Duration) {
	p.rounds.Inc()
	p.remaining.Set(float64(remaining))
	p.roundDuration.Observe(duration.Seconds())
}

// RecordChain implements MetricsCollector.
func (p *PrometheusCollector) RecordChain(fragments, length int, circular bool) {
	p.chains.WithLabelValues(strconv.FormatBool(circular)).Inc()
	p.fragments.Add(float64(fragments))
	p.chainUnits.Add(float64(length))
}

// RecordDroppedChain implements MetricsCollector.
func (p *PrometheusCollector) RecordDroppedChain() { p.dropped.Inc() }

// RecordSpill implements MetricsCollector.
func (p *PrometheusCollector) RecordSpill(bytes, evictions int64) {
	p.spilledBytes.Add(float64(bytes))
	p.evictions.Add(float64(evictions))
}
