// Package sink defines where assembled chains go and provides FASTA, memory
// and blob store implementations.
package sink

import (
	"context"
	"errors"
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("sink: closed")

// Meta describes an assembled chain.
type Meta struct {
	Circular  bool
	Fragments int
	Length    int
}

// Sequence is one assembled chain.
type Sequence struct {
	ID   string
	Data []byte
	Meta Meta
}

// Sink accepts assembled chains. Implementations must be safe for concurrent
// use and must not retain Data after Write returns. Output is durable once
// Close returns nil.
type Sink interface {
	Write(ctx context.Context, seq Sequence) error
	Close() error
}
