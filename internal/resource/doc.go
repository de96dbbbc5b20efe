// Package resource implements the process-wide resource controller.
//
// The Controller governs the only state shared across partitions:
//
//   - Memory: the resident-buffer budget of the virtual storage layer
//     (non-blocking, fail-fast)
//   - Workers: slots for concurrent partition tasks
//   - IO: a token bucket applied to spill and flush writes
//
// # Memory Management
//
// AcquireMemory never blocks. It returns ErrMemoryLimitExceeded and leaves
// the decision to the caller, which usually evicts a resident chunk and
// retries, or writes the data straight through to disk:
//
//	rc := resource.NewController(resource.Config{MemoryLimitBytes: 1 << 30})
//
//	if err := rc.AcquireMemory(chunkSize); err != nil {
//	    // evict, then retry
//	}
//	defer rc.ReleaseMemory(chunkSize)
//
// # IO Rate Limiting
//
//	rc := resource.NewController(resource.Config{IOLimitBytesPerSec: 100 << 20})
//	w := resource.NewRateLimitedWriterAt(ctx, file, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully: they become no-ops.
package resource
