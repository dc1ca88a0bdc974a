package store

import (
	"bytes"
	"context"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Mirror uploads the pool file to an S3-compatible bucket after every
// successful local save. It is deliberately dumb: one object, overwritten
// each time, so a lost local disk can be recovered by downloading the
// latest copy by hand.
type S3Mirror struct {
	client *minio.Client
	bucket string
	object string
}

// NewS3Mirror builds a mirror against an S3-compatible endpoint (AWS S3,
// MinIO, R2, etc). useSSL should be true for anything but a local test
// MinIO instance.
func NewS3Mirror(endpoint, accessKey, secretKey, bucket, object string, useSSL bool) (*S3Mirror, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, err
	}
	return &S3Mirror{client: client, bucket: bucket, object: object}, nil
}

func (m *S3Mirror) Upload(ctx context.Context, data []byte) error {
	_, err := m.client.PutObject(ctx, m.bucket, m.object, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/json"})
	return err
}
