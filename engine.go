package unitigo

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/unitigo/assembly"
	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/counters"
	ifs "github.com/hupe1980/unitigo/internal/fs"
	"github.com/hupe1980/unitigo/internal/resource"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/partition"
	"github.com/hupe1980/unitigo/sink"
	"github.com/hupe1980/unitigo/vfs"
)

// ErrStepNotReady is returned when a run starts at a step whose earlier
// phases have not finished.
var ErrStepNotReady = errors.New("step not ready")

// Report summarizes a run. Fields of phases skipped by FromStep are taken
// from the manifest.
type Report struct {
	RunID     string                   `json:"run_id"`
	Fragments uint64                   `json:"fragments"`
	Linked    uint64                   `json:"linked"`
	Unlinked  uint64                   `json:"unlinked"`
	Rounds    int                      `json:"rounds"`
	Chains    uint64                   `json:"chains"`
	Circular  uint64                   `json:"circular"`
	Lonely    uint64                   `json:"lonely"`
	Dropped   uint64                   `json:"dropped"`
	Units     uint64                   `json:"units"`
	Durations map[string]time.Duration `json:"durations"`
}

// Engine runs the chain assembly pipeline over one temp dir.
type Engine struct {
	mu        sync.Mutex // one run at a time
	cfg       Config
	strategy  partition.Strategy
	fs        ifs.FileSystem
	rc        *resource.Controller
	mgr       *vfs.Manager
	manifests *manifestStore
	metrics   MetricsCollector
	logger    *Logger
	closed    atomic.Bool
}

// New creates an Engine.
func New(optFns ...Option) (*Engine, error) {
	o := applyOptions(optFns)
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}

	strategy := o.strategy
	if strategy == nil {
		s, err := partition.NewXXHash(o.cfg.Partitions, o.cfg.SubPartitions)
		if err != nil {
			return nil, err
		}
		strategy = s
	}

	if err := o.fs.MkdirAll(o.cfg.TempDir, 0o755); err != nil {
		return nil, fmt.Errorf("create temp dir: %w", err)
	}

	rc := resource.NewController(resource.Config{
		MemoryLimitBytes:   o.cfg.MemoryLimitBytes,
		MaxWorkers:         int64(o.cfg.Workers),
		IOLimitBytesPerSec: o.cfg.SpillBytesPerSec,
	})
	mgr, err := vfs.New(
		vfs.WithFileSystem(o.fs),
		vfs.WithController(rc),
		vfs.WithChunkSize(o.cfg.ChunkSize),
		vfs.WithLogger(o.logger.Logger),
	)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:       o.cfg,
		strategy:  strategy,
		fs:        o.fs,
		rc:        rc,
		mgr:       mgr,
		manifests: &manifestStore{fs: o.fs, dir: o.cfg.TempDir, codec: o.codec},
		metrics:   o.metricsCollector,
		logger:    o.logger,
	}, nil
}

// Config returns the configuration of e.
func (e *Engine) Config() Config { return e.cfg }

// StorageStats returns the counters of the intermediate file manager.
func (e *Engine) StorageStats() vfs.Stats { return e.mgr.Stats() }

// PeakMemory returns the largest resident size of intermediate files seen
// so far.
func (e *Engine) PeakMemory() int64 { return e.rc.PeakMemoryUsage() }

// Close releases the memory held by intermediate files. Files already
// flushed to disk stay there for a later resume.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mgr.Close()
}

// Run executes the pipeline: it buckets src, compacts the link graph,
// routes the fragments to their chains and writes every assembled chain to
// out. The caller closes out.
//
// src may be nil when the run starts after bucketing, out may be nil when
// it stops before assembly.
func (e *Engine) Run(ctx context.Context, src Source, out sink.Sink, optFns ...RunOption) (*Report, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	ro := runOptions{from: StepBucketing, stopAfter: StepAssembly}
	for _, fn := range optFns {
		fn(&ro)
	}
	switch {
	case ro.stopAfter > StepAssembly || ro.from > ro.stopAfter:
		return nil, fmt.Errorf("invalid step range %s..%s", ro.from, ro.stopAfter)
	case ro.from == StepBucketing && src == nil:
		return nil, ErrNoSource
	case ro.stopAfter == StepAssembly && out == nil:
		return nil, errors.New("nil sink")
	}

	r := &run{e: e, id: uuid.NewString()}
	r.logger = e.logger.WithRun(r.id)

	if ro.from == StepBucketing {
		if err := e.manifests.remove(); err != nil {
			return nil, err
		}
		r.m = &Manifest{Partitions: e.cfg.Partitions, SubPartitions: e.cfg.SubPartitions}
	} else {
		m, err := e.resume(ro.from)
		if m != nil {
			r.logger.LogResume(ctx, ro.from, m.RunID, err)
		}
		if err != nil {
			return nil, err
		}
		r.m = m
		r.loadOrder()
	}
	r.m.RunID = r.id
	r.m.Report.RunID = r.id
	if r.m.Report.Durations == nil {
		r.m.Report.Durations = make(map[string]time.Duration)
	}

	for step := ro.from; step <= ro.stopAfter; step++ {
		start := time.Now()
		before := e.mgr.Stats()

		err := r.phase(ctx, step, src, out)
		if err == nil {
			r.m.Report.Durations[step.String()] = time.Since(start)
			err = r.checkpoint(step)
		}

		d := time.Since(start)
		after := e.mgr.Stats()
		e.metrics.RecordSpill(after.SpilledBytes-before.SpilledBytes, after.Evictions-before.Evictions)
		e.metrics.RecordPhase(step, d, err)
		r.logger.LogPhase(ctx, step, d, err)
		if err != nil {
			return nil, &PhaseError{Step: step, cause: translateError(err)}
		}
	}

	if ro.stopAfter == StepAssembly && !e.cfg.KeepIntermediate && r.m.Artifacts.Counters != "" {
		if err := e.fs.Remove(r.m.Artifacts.Counters); err != nil {
			r.logger.Warn("remove counters snapshot", "error", err)
		}
	}

	report := r.m.Report
	return &report, nil
}

// resume loads the manifest and checks that every input of step from is
// present.
func (e *Engine) resume(from Step) (*Manifest, error) {
	m, err := e.manifests.load()
	if err != nil {
		return nil, err
	}
	if m.Partitions != e.cfg.Partitions {
		return m, &ErrManifestMismatch{Field: "partitions", Recorded: m.Partitions, Actual: e.cfg.Partitions}
	}
	if m.SubPartitions != e.cfg.SubPartitions {
		return m, &ErrManifestMismatch{Field: "sub_partitions", Recorded: m.SubPartitions, Actual: e.cfg.SubPartitions}
	}
	if m.Next < from {
		return m, fmt.Errorf("%w: %s needs %s to finish first", ErrStepNotReady, from, m.Next)
	}
	for name, files := range m.Artifacts.inputsOf(from) {
		if len(files.Paths) != e.cfg.Partitions {
			return m, fmt.Errorf("%w: %s recorded with %d of %d partitions", ErrNotFound, name, len(files.Paths), e.cfg.Partitions)
		}
		for _, p := range files.Paths {
			if !e.mgr.Exists(p) {
				return m, fmt.Errorf("%w: %s file %s", ErrNotFound, name, p)
			}
		}
	}
	return m, nil
}

// run is the state of one Run call.
type run struct {
	e      *Engine
	id     string
	logger *Logger
	m      *Manifest
	order  []int
}

func (r *run) phase(ctx context.Context, step Step, src Source, out sink.Sink) error {
	switch step {
	case StepBucketing:
		return r.bucketing(ctx, src)
	case StepCompaction:
		return r.compaction(ctx)
	case StepResolution:
		return r.resolution(ctx)
	case StepAssembly:
		return r.assembly(ctx, out)
	default:
		return fmt.Errorf("unknown step %d", step)
	}
}

// checkpoint makes the outputs of step durable and records them.
func (r *run) checkpoint(step Step) error {
	if err := r.e.mgr.FlushAllToDisk(); err != nil {
		return err
	}
	r.e.mgr.FreeMemory()
	r.m.Next = step + 1
	return r.e.manifests.save(r.m)
}

// loadOrder restores the partition schedule from the counters snapshot.
// Without it partitions run in ascending order.
func (r *run) loadOrder() {
	if r.m.Artifacts.Counters == "" {
		return
	}
	a, err := counters.LoadFile(r.e.fs, r.m.Artifacts.Counters, false)
	if err != nil {
		r.logger.Warn("counters snapshot unavailable, using default partition order", "error", err)
		return
	}
	if a.Partitions() == r.e.cfg.Partitions {
		r.order = a.ScheduleOrder()
	}
}

func (r *run) bucketing(ctx context.Context, src Source) error {
	res, err := r.e.bucketing(ctx, src)
	if err != nil {
		return err
	}
	path := filepath.Join(r.e.cfg.TempDir, CountersFileName)
	if err := res.analyzer.SaveFile(r.e.fs, path); err != nil {
		return err
	}
	r.order = res.analyzer.ScheduleOrder()
	r.m.Artifacts = Artifacts{Counters: path, Fragments: res.fragments, Links: res.links}
	r.m.Report.Fragments = res.count

	r.logger.InfoContext(ctx, "fragments bucketed",
		"fragments", res.count,
		"bytes", res.fragments.Total().Bytes,
		"link_records", res.links.Total().Records,
		"median", res.analyzer.Median(),
		"max", res.analyzer.Max(),
	)
	return nil
}

func (r *run) compaction(ctx context.Context) error {
	cfg := r.e.cfg
	c, err := links.New(r.e.mgr, r.e.strategy,
		links.WithDir(cfg.TempDir),
		links.WithWorkers(cfg.Workers),
		links.WithMaxRounds(cfg.MaxRounds),
		links.WithKeepIntermediate(cfg.KeepIntermediate),
		links.WithOrder(r.order),
		links.WithBucketOptions(cfg.bucketOptions()...),
		links.WithLogger(r.logger.Logger),
		links.WithRoundHook(func(rs links.RoundStats) {
			r.e.metrics.RecordRound(rs.Round, rs.Remaining, rs.Duration)
			r.logger.LogRound(ctx, rs.Round, rs.Remaining, rs.Merges, rs.Chains)
		}),
	)
	if err != nil {
		return err
	}
	res, err := c.Run(ctx, r.m.Artifacts.Links)
	if err != nil {
		return err
	}
	if !cfg.KeepIntermediate {
		if err := bucket.Remove(r.e.mgr, r.m.Artifacts.Links.Paths, false); err != nil {
			return err
		}
		r.m.Artifacts.Links = bucket.Files{}
	}
	r.m.Artifacts.ChainMap = res.ChainMap
	r.m.Artifacts.ResultsMap = res.ResultsMap
	r.m.Report.Rounds = res.Rounds
	return nil
}

func (r *run) assemblyOptions(opts ...assembly.Option) []assembly.Option {
	cfg := r.e.cfg
	return append([]assembly.Option{
		assembly.WithDir(cfg.TempDir),
		assembly.WithWorkers(cfg.Workers),
		assembly.WithOverlap(cfg.Overlap),
		assembly.WithKeepIntermediate(cfg.KeepIntermediate),
		assembly.WithOrder(r.order),
		assembly.WithBucketOptions(cfg.bucketOptions()...),
		assembly.WithLogger(r.logger.Logger),
	}, opts...)
}

func (r *run) resolution(ctx context.Context) error {
	rs, err := assembly.NewResolver(r.e.mgr, r.e.strategy, r.assemblyOptions()...)
	if err != nil {
		return err
	}
	routed, err := rs.Run(ctx, r.m.Artifacts.Fragments, r.m.Artifacts.ResultsMap)
	if err != nil {
		return err
	}
	if !r.e.cfg.KeepIntermediate {
		r.m.Artifacts.Fragments = bucket.Files{}
		r.m.Artifacts.ResultsMap = bucket.Files{}
	}
	r.m.Artifacts.Reorganized = routed.Reorganized
	r.m.Artifacts.Lonely = routed.Lonely
	r.m.Report.Linked = routed.Linked
	r.m.Report.Unlinked = routed.Unlinked
	return nil
}

func (r *run) assembly(ctx context.Context, out sink.Sink) error {
	a, err := assembly.NewAssembler(r.e.mgr, r.e.strategy, &meteredSink{Sink: out, metrics: r.e.metrics},
		r.assemblyOptions(assembly.WithDropHook(func(d assembly.DroppedChain) {
			r.e.metrics.RecordDroppedChain()
			r.logger.LogDroppedChain(ctx, d.ID, d.Partition, d.Fragments)
		}))...,
	)
	if err != nil {
		return err
	}
	st, err := a.Run(ctx, assembly.Input{
		ChainMap:    r.m.Artifacts.ChainMap,
		Reorganized: r.m.Artifacts.Reorganized,
		Lonely:      r.m.Artifacts.Lonely,
	})
	if err != nil {
		return err
	}
	if !r.e.cfg.KeepIntermediate {
		r.m.Artifacts.ChainMap = bucket.Files{}
		r.m.Artifacts.Reorganized = bucket.Files{}
		r.m.Artifacts.Lonely = bucket.Files{}
	}
	rep := &r.m.Report
	rep.Chains = st.Chains
	rep.Circular = st.Circular
	rep.Lonely = st.Lonely
	rep.Dropped = st.Dropped
	rep.Units = st.Units
	return nil
}

// meteredSink reports every written chain to a MetricsCollector.
type meteredSink struct {
	sink.Sink
	metrics MetricsCollector
}

func (s *meteredSink) Write(ctx context.Context, seq sink.Sequence) error {
	if err := s.Sink.Write(ctx, seq); err != nil {
		return err
	}
	s.metrics.RecordChain(seq.Meta.Fragments, seq.Meta.Length, seq.Meta.Circular)
	return nil
}
