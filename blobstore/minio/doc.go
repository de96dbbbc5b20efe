// Package minio implements blobstore.Store with the MinIO client, for MinIO
// and other S3-compatible servers such as Ceph or Garage.
//
//	client, err := minio.New("localhost:9000", &minio.Options{
//	    Creds: credentials.NewStaticV4(accessKey, secretKey, ""),
//	})
//	if err != nil {
//	    return err
//	}
//	store := minioblob.NewStore(client, "assemblies", "run-42")
//	out, err := sink.CreateBlob(ctx, store, "unitigs.fa.zst")
//
// Writes stream through a pipe into a multipart upload, so output of
// unknown length never has to be buffered in full.
package minio
