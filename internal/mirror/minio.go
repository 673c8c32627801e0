package mirror

import (
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinIOConfig struct {
	// Endpoint is host:port without scheme, e.g. localhost:9000
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

type MinIOPublisher struct {
	client *minio.Client
	bucket string
}

func NewMinIOPublisher(ctx context.Context, config MinIOConfig) (*MinIOPublisher, error) {
	client, err := minio.New(config.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(config.AccessKey, config.SecretKey, ""),
		Secure: config.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client for %s: %w", config.Endpoint, err)
	}
	mp := &MinIOPublisher{client: client, bucket: config.Bucket}
	if err = mp.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return mp, nil
}

func (mp *MinIOPublisher) ensureBucket(ctx context.Context) error {
	exists, err := mp.client.BucketExists(ctx, mp.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", mp.bucket, err)
	}
	if exists {
		return nil
	}
	if err = mp.client.MakeBucket(ctx, mp.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", mp.bucket, err)
	}
	return nil
}

// Publish uploads a bundle of known size in one PutObject
func (mp *MinIOPublisher) Publish(ctx context.Context, key string, reader io.Reader, size int64) error {
	_, err := mp.client.PutObject(ctx, mp.bucket, key, reader, size, minio.PutObjectOptions{ContentType: bundleContentType})
	if err != nil {
		return fmt.Errorf("uploading %s to bucket %s: %w", key, mp.bucket, err)
	}
	return nil
}
