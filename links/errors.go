package links

import (
	"errors"
	"fmt"

	"github.com/hupe1980/unitigo/partition"
)

var (
	// ErrCorrupt is returned when a record cannot be decoded.
	ErrCorrupt = errors.New("links: corrupt record")
	// ErrDuplicateKey is returned when two segments or chains share a key.
	ErrDuplicateKey = errors.New("links: duplicate key")
	// ErrDuplicateMessage is returned when one segment side receives more than
	// one merge message in the same round.
	ErrDuplicateMessage = errors.New("links: duplicate message")
	// ErrUnresolvedLink is returned when a merge message has no target
	// segment, or messages are left over after the last round.
	ErrUnresolvedLink = errors.New("links: unresolved link")
	// ErrCompactionStalled is returned when the round limit is exceeded.
	ErrCompactionStalled = errors.New("links: compaction did not converge")
)

// InvariantError reports a broken compaction invariant for one key.
type InvariantError struct {
	Op    string
	Round int
	Key   partition.Key
	Err   error
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("links: %s (round %d, key %s): %v", e.Op, e.Round, e.Key, e.Err)
}

func (e *InvariantError) Unwrap() error { return e.Err }
