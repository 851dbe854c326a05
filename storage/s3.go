package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Config holds the connection parameters for an S3-compatible store.
type S3Config struct {
	// Endpoint is the S3 host, e.g. s3.amazonaws.com.
	Endpoint string `yaml:"endpoint"`
	// Bucket objects are written into.
	Bucket string `yaml:"bucket"`
	// Region of the bucket, optional.
	Region string `yaml:"region"`
	// AccessKey and SecretKey; taken from the standard AWS environment
	// variables when empty.
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	// Insecure disables TLS.
	Insecure bool `yaml:"insecure"`
}

// S3Store writes objects to an S3-compatible bucket.
type S3Store struct {
	client *minio.Client
	bucket string
}

// NewS3Store connects to the bucket and verifies it is reachable,
// retrying with exponential backoff so the collector fails fast on
// misconfiguration but rides out transient startup races.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	creds := credentials.NewChainCredentials([]credentials.Provider{
		&credentials.Static{
			Value: credentials.Value{
				AccessKeyID:     cfg.AccessKey,
				SecretAccessKey: cfg.SecretKey,
			},
		},
		&credentials.EnvAWS{},
		&credentials.IAM{},
	})

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  creds,
		Secure: !cfg.Insecure,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 client: %w", err)
	}

	probe := func() (bool, error) {
		return client.BucketExists(ctx, cfg.Bucket)
	}
	exists, err := backoff.Retry(ctx, probe,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to reach bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
	}

	return &S3Store{client: client, bucket: cfg.Bucket}, nil
}

// Create streams an object into the bucket. The upload completes when the
// returned writer is closed.
func (m *S3Store) Create(ctx context.Context, name string) (io.WriteCloser, error) {
	pr, pw := io.Pipe()

	upload := &s3Upload{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := m.client.PutObject(ctx, m.bucket, name, pr, -1, minio.PutObjectOptions{
			ContentType: "application/octet-stream",
		})
		if err != nil {
			pr.CloseWithError(err)
		}
		upload.done <- err
	}()

	return upload, nil
}

type s3Upload struct {
	pw   *io.PipeWriter
	done chan error
}

func (m *s3Upload) Write(p []byte) (int, error) {
	return m.pw.Write(p)
}

func (m *s3Upload) Close() error {
	if err := m.pw.Close(); err != nil {
		return err
	}
	return <-m.done
}

// List returns the objects in the bucket.
func (m *S3Store) List(ctx context.Context) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	for obj := range m.client.ListObjects(ctx, m.bucket, minio.ListObjectsOptions{}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("failed to list bucket %s: %w", m.bucket, obj.Err)
		}
		objects = append(objects, ObjectInfo{Name: obj.Key, Size: obj.Size})
	}
	return objects, nil
}
