// Package objectstore reads source uploads and archives raw API pages in S3-compatible storage.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// ErrObjectNotFound is returned when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// Store is the object storage surface sources depend on.
type Store interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
}

type PutOptions struct {
	ContentType     string
	ContentEncoding string
	Metadata        map[string]string
}

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// Minio is a Store backed by minio-go.
type Minio struct {
	client *minio.Client
	logger ectologger.Logger
}

func Connect(cfg Config, logger ectologger.Logger) (*Minio, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client for %s: %w", cfg.Endpoint, err)
	}
	return &Minio{client: client, logger: logger}, nil
}

// EnsureBucket creates bucket when it does not exist.
func (m *Minio) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := m.client.BucketExists(ctx, bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket %s: %w", bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
	}
	m.logger.WithContext(ctx).Infof("Created bucket %s", bucket)
	return nil
}

// Ping checks that bucket is reachable.
func (m *Minio) Ping(ctx context.Context, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := m.client.BucketExists(ctx, bucket)
	return err
}

func (m *Minio) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, "ObjectStore.Get")
	defer span.End()

	obj, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to get s3://%s/%s: %w", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, fmt.Errorf("%w: s3://%s/%s", ErrObjectNotFound, bucket, key)
		}
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read s3://%s/%s: %w", bucket, key, err)
	}
	return data, nil
}

func (m *Minio) Put(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error {
	ctx, span := tracing.StartSpan(ctx, "ObjectStore.Put")
	defer span.End()

	_, err := m.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType:     opts.ContentType,
		ContentEncoding: opts.ContentEncoding,
		UserMetadata:    opts.Metadata,
	})
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to put s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}
