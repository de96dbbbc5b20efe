// Package unitigo assembles maximal chains of overlapping fragments out of
// core.
//
// A run takes a stream of fragments, each with the candidate neighbours of
// its two sides, and writes every maximal unambiguous chain to a sink. The
// work is split into four phases that communicate through partitioned bucket
// files managed by a memory-budgeted virtual file system:
//
//   - Bucketing writes every fragment and its link records to the partition
//     its identifier hashes to.
//   - Compaction contracts the link graph round by round until every chain
//     is resolved.
//   - Resolution moves every linked fragment to the partition of its chain.
//   - Assembly concatenates the fragments of every chain, trimming the
//     overlap, and emits the result.
//
// # Quick Start
//
//	e, err := unitigo.New(
//	    unitigo.WithTempDir("/scratch/run-1"),
//	    unitigo.WithPartitions(64, 16),
//	    unitigo.WithOverlap(31),
//	    unitigo.WithMemoryLimit(8<<30),
//	)
//	if err != nil {
//	    return err
//	}
//	defer e.Close()
//
//	out, _ := sink.CreateFile("chains.fa.lz4")
//	report, err := e.Run(ctx, source, out)
//
// # Resuming
//
// After every phase the engine writes manifest.json into the temporary
// directory. A later run over the same directory can skip finished phases:
//
//	report, err := e.Run(ctx, nil, out, unitigo.FromStep(unitigo.StepAssembly))
//
// # Observability
//
// Logging goes through a *Logger (slog) and metrics through a
// MetricsCollector. BasicMetricsCollector keeps in-process counters and
// PrometheusCollector exports them to a prometheus.Registerer.
package unitigo
