// Package bucket implements partitioned append-only record files on top of
// the virtual storage manager.
//
// A [Set] owns one [Writer] per partition and a pool of [ThreadBuffer]s.
// Workers borrow a buffer, add framed records to per-partition sub-buffers and
// return it; full sub-buffers are written as one unit, so records never
// straddle writes.
//
//	set, _ := bucket.NewSet(mgr, filepath.Join(dir, "fragments"), 64)
//	err := set.With(ctx, func(tb *bucket.ThreadBuffer) error {
//	    return tb.Add(partition, payload)
//	})
//	files, _ := set.Finalize() // idempotent
//
// Two writer strategies exist. [LockFree] reserves a byte range with an
// atomic add and copies into it; ordering across workers is unspecified.
// [Compressed] buffers writes up to a checkpoint size and appends
// [u32 original][u32 compressed][block] units under a mutex.
//
// A [Reader] replays a file lazily as a finite iter.Seq2. Compressed files
// are decompressed block by block and can be replayed from any checkpoint.
package bucket
