// Package s3 implements blobstore.Store on Amazon S3.
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("assemblies/run-42"),
//	    s3.WithRegion("us-east-1"),
//	)
//	out, err := sink.CreateBlob(ctx, store, "unitigs.fa.zst")
//
// Writes stream into the SDK's multipart uploader with CRC32C checksums;
// reads are a single streaming GET.
package s3
