package sink

import (
	"context"
	"slices"
	"strings"
	"sync"
)

// MemorySink collects sequences in memory.
type MemorySink struct {
	mu     sync.Mutex
	seqs   []Sequence
	closed bool
}

// NewMemorySink creates an empty MemorySink.
func NewMemorySink() *MemorySink { return &MemorySink{} }

// Write implements Sink.
func (m *MemorySink) Write(_ context.Context, seq Sequence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	seq.Data = slices.Clone(seq.Data)
	m.seqs = append(m.seqs, seq)
	return nil
}

// Close implements Sink.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Sequences returns the collected sequences ordered by ID.
func (m *MemorySink) Sequences() []Sequence {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.seqs)
	slices.SortFunc(out, func(a, b Sequence) int { return strings.Compare(a.ID, b.ID) })
	return out
}
