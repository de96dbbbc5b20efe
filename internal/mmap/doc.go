// Package mmap provides read-only memory-mapped access to files.
//
// The virtual storage layer uses it for files that are resident on disk only,
// for example artifacts of an earlier phase picked up by a resumed run.
//
//	m, err := mmap.Open("links3.7")
//	if err != nil { ... }
//	defer m.Close()
//	_ = m.Advise(mmap.AccessSequential)
//	data := m.Bytes()
//
// Unix platforms use mmap(2) and madvise(2). Other platforms read the file
// into memory once.
package mmap
