package unitigo

import (
	"errors"
	"fmt"
	"io/fs"

	"github.com/hupe1980/unitigo/assembly"
	"github.com/hupe1980/unitigo/bucket"
	"github.com/hupe1980/unitigo/counters"
	"github.com/hupe1980/unitigo/internal/blockcodec"
	"github.com/hupe1980/unitigo/links"
	"github.com/hupe1980/unitigo/vfs"
)

var (
	// ErrInvariant is returned when the data breaks a structural invariant
	// of the chain graph, such as a fragment that appears twice.
	ErrInvariant = errors.New("invariant violated")

	// ErrNotFound is returned when an input file of a phase does not exist.
	ErrNotFound = errors.New("not found")

	// ErrCorrupt is returned when an intermediate file cannot be decoded.
	ErrCorrupt = errors.New("corrupt data")

	// ErrClosed is returned when using a closed Engine.
	ErrClosed = errors.New("engine closed")

	// ErrNoSource is returned when a run that starts with bucketing has no
	// fragment source.
	ErrNoSource = errors.New("no fragment source")
)

// PhaseError reports the phase a run failed in.
//
// The original underlying error can be accessed via errors.Unwrap.
type PhaseError struct {
	Step  Step
	cause error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.cause)
}

func (e *PhaseError) Unwrap() error { return e.cause }

// ErrManifestMismatch indicates a resumed run whose configuration differs
// from the one recorded in the manifest.
type ErrManifestMismatch struct {
	Field    string
	Recorded any
	Actual   any
}

func (e *ErrManifestMismatch) Error() string {
	return fmt.Sprintf("manifest mismatch: %s recorded as %v, configured as %v", e.Field, e.Recorded, e.Actual)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Graph invariants.
	for _, target := range []error{
		links.ErrDuplicateKey,
		links.ErrDuplicateMessage,
		links.ErrUnresolvedLink,
		links.ErrCompactionStalled,
		assembly.ErrMissingFragment,
		assembly.ErrUnknownFragment,
	} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrInvariant, err)
		}
	}

	// Decoding failures.
	for _, target := range []error{
		links.ErrCorrupt,
		bucket.ErrCorrupt,
		counters.ErrCorrupt,
		assembly.ErrCorruptFragment,
		blockcodec.ErrShortBlock,
		blockcodec.ErrSizeMismatch,
		blockcodec.ErrUnknownCodec,
	} {
		if errors.Is(err, target) {
			return fmt.Errorf("%w: %w", ErrCorrupt, err)
		}
	}

	if errors.Is(err, vfs.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	return err
}
