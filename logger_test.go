package unitigo

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l = l.WithRun("run-1").WithStep(StepCompaction).WithPartition(3)

	l.LogPhase(t.Context(), StepCompaction, time.Second, nil)
	l.LogPhase(t.Context(), StepCompaction, time.Second, errors.New("boom"))
	l.LogRound(t.Context(), 2, 10, 4, 1)
	l.LogDroppedChain(t.Context(), "0:7", 0, 2)
	l.LogResume(t.Context(), StepAssembly, "run-0", nil)

	out := buf.String()
	assert.Contains(t, out, `"run":"run-1"`)
	assert.Contains(t, out, `"partition":3`)
	assert.Contains(t, out, `"msg":"phase completed"`)
	assert.Contains(t, out, `"msg":"phase failed"`)
	assert.Contains(t, out, `"error":"boom"`)
	assert.Contains(t, out, `"msg":"compaction round completed"`)
	assert.Contains(t, out, `"msg":"chain dropped"`)
	assert.Contains(t, out, `"previous_run":"run-0"`)

	NoopLogger().LogPhase(t.Context(), StepBucketing, 0, nil)
}
