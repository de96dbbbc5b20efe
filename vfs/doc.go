// Package vfs implements the virtual storage manager: logical, growable,
// append-only files held in memory chunks under a global budget and spilled
// to backing files on demand.
//
// # Lifecycle
//
//	m, _ := vfs.New(vfs.WithController(rc), vfs.WithChunkSize(1<<20))
//	f, _ := m.Create("links0.3", vfs.PriorityScratch)
//	off, _ := f.Reserve(len(p)) // atomic, lock-free
//	f.WriteAt(p, off)
//	f.Seal()
//
//	m.FlushAllToDisk() // end of phase: make everything durable
//	m.FreeMemory()     // drop clean resident copies
//	m.Remove("links0.3", false)
//
// # Eviction
//
// Each file carries a [Priority]. When the budget is exhausted the manager
// evicts completed chunks of the lowest priority first, oldest first, writing
// dirty ones through to the backing file. If nothing is evictable the new
// chunk bypasses memory and is written straight to disk.
//
// Disk failures are returned to the caller and never retried.
package vfs
