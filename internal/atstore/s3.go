package atstore

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/atweave/pds/internal/blob"
	"github.com/atweave/pds/internal/cid"
)

// S3BlobBackend implements blob.Backend against an S3-compatible bucket,
// the optional backend spec.md §4.8 allows in place of storing bytes
// directly in Postgres. minio-go/v7 is the teacher's declared but
// never-wired object storage dependency; this is where it earns its
// place in the module.
type S3BlobBackend struct {
	client *minio.Client
	bucket string
}

// NewS3BlobBackend connects to an S3-compatible endpoint with static
// credentials.
func NewS3BlobBackend(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*S3BlobBackend, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("atstore: construct s3 client: %w", err)
	}
	return &S3BlobBackend{client: client, bucket: bucket}, nil
}

func objectKey(c cid.CID) string {
	return "blobs/" + c.String()
}

// Put implements blob.Backend.
func (b *S3BlobBackend) Put(ctx context.Context, c cid.CID, mime string, data []byte) error {
	_, err := b.client.PutObject(ctx, b.bucket, objectKey(c), bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: mime,
	})
	if err != nil {
		return fmt.Errorf("atstore: s3 put %s: %w", c, err)
	}
	return nil
}

// Get implements blob.Backend.
func (b *S3BlobBackend) Get(ctx context.Context, c cid.CID) ([]byte, string, bool, error) {
	obj, err := b.client.GetObject(ctx, b.bucket, objectKey(c), minio.GetObjectOptions{})
	if err != nil {
		return nil, "", false, fmt.Errorf("atstore: s3 get %s: %w", c, err)
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, "", false, nil
		}
		return nil, "", false, fmt.Errorf("atstore: s3 stat %s: %w", c, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", false, fmt.Errorf("atstore: s3 read %s: %w", c, err)
	}
	return data, info.ContentType, true, nil
}

// Delete implements blob.Backend.
func (b *S3BlobBackend) Delete(ctx context.Context, c cid.CID) (bool, error) {
	_, err := b.client.StatObject(ctx, b.bucket, objectKey(c), minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return false, nil
		}
		return false, fmt.Errorf("atstore: s3 stat %s: %w", c, err)
	}
	if err := b.client.RemoveObject(ctx, b.bucket, objectKey(c), minio.RemoveObjectOptions{}); err != nil {
		return false, fmt.Errorf("atstore: s3 remove %s: %w", c, err)
	}
	return true, nil
}

// List implements blob.Backend.
func (b *S3BlobBackend) List(ctx context.Context) ([]blob.Metadata, error) {
	var out []blob.Metadata
	for obj := range b.client.ListObjects(ctx, b.bucket, minio.ListObjectsOptions{Prefix: "blobs/"}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("atstore: s3 list: %w", obj.Err)
		}
		c, err := cid.Parse(obj.Key[len("blobs/"):])
		if err != nil {
			return nil, fmt.Errorf("atstore: parse s3 key %q: %w", obj.Key, err)
		}
		out = append(out, blob.Metadata{CID: c, MimeType: obj.ContentType, Size: obj.Size})
	}
	return out, nil
}
