package vfs

import "errors"

var (
	// ErrNotFound is returned when opening a file that is neither registered
	// nor present on disk.
	ErrNotFound = errors.New("vfs: file not found")
	// ErrExists is returned when creating a file that is already registered.
	ErrExists = errors.New("vfs: file already exists")
	// ErrSealed is returned when writing to a sealed file.
	ErrSealed = errors.New("vfs: file is sealed")
	// ErrRemoved is returned when using a handle whose file was removed.
	ErrRemoved = errors.New("vfs: file was removed")
	// ErrOutOfRange is returned for writes outside the reserved region.
	ErrOutOfRange = errors.New("vfs: write outside reserved region")
)
