package unitigo

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with pipeline-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.DiscardHandler),
	}
}

// WithRun adds the run identifier to the logger.
func (l *Logger) WithRun(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("run", id),
	}
}

// WithStep adds a step field to the logger.
func (l *Logger) WithStep(s Step) *Logger {
	return &Logger{
		Logger: l.Logger.With("step", s.String()),
	}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(p int) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", p),
	}
}

// LogPhase logs the end of a phase.
func (l *Logger) LogPhase(ctx context.Context, s Step, d time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "phase failed",
			"step", s.String(),
			"duration", d,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "phase completed",
			"step", s.String(),
			"duration", d,
		)
	}
}

// LogRound logs one finished compaction round.
func (l *Logger) LogRound(ctx context.Context, round int, remaining, merges, chains uint64) {
	l.DebugContext(ctx, "compaction round completed",
		"round", round,
		"remaining", remaining,
		"merges", merges,
		"chains", chains,
	)
}

// LogDroppedChain logs a chain that was dropped because nothing was left
// after trimming the overlap.
func (l *Logger) LogDroppedChain(ctx context.Context, id string, partition, fragments int) {
	l.WarnContext(ctx, "chain dropped",
		"id", id,
		"partition", partition,
		"fragments", fragments,
	)
}

// LogResume logs a run that starts from a recorded manifest.
func (l *Logger) LogResume(ctx context.Context, from Step, runID string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "resume failed",
			"from", from.String(),
			"previous_run", runID,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "resuming run",
			"from", from.String(),
			"previous_run", runID,
		)
	}
}
