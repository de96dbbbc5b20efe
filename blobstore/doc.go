// Package blobstore provides destinations for assembled output.
//
// Store is a flat namespace of immutable blobs. Writers stream into a
// WritableBlob that becomes visible on Close, so a failed run never leaves a
// partial blob behind. Readers stream a finished blob from its start.
//
// # Built-in Implementations
//
//   - LocalStore: local directory, atomic rename on close
//   - MemoryStore: in-memory, for tests
//   - minio.Store: MinIO and other S3-compatible servers
//   - s3.Store: Amazon S3 with multipart streaming uploads
//
// Remote stores build their writers with NewPipeWriter.
package blobstore
