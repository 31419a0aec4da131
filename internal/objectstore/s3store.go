package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Default timeouts for S3 operations, matching the split between cheap
// metadata calls and slower data transfer.
const (
	DefaultMetadataTimeout = 10 * time.Second
	DefaultDataTimeout     = 60 * time.Second
)

// S3Config holds connection and timeout settings for S3-compatible storage.
type S3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool

	MetadataTimeout time.Duration
	DataTimeout     time.Duration
}

// S3Store implements Store against a MinIO / S3-compatible bucket.
type S3Store struct {
	client          *minio.Client
	bucket          string
	metadataTimeout time.Duration
	dataTimeout     time.Duration
}

// NewS3Store connects to endpoint and auto-creates bucket if it doesn't exist.
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	metadataTimeout := cfg.MetadataTimeout
	if metadataTimeout == 0 {
		metadataTimeout = DefaultMetadataTimeout
	}
	dataTimeout := cfg.DataTimeout
	if dataTimeout == 0 {
		dataTimeout = DefaultDataTimeout
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: metadataTimeout,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   100,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: create minio client: %w", err)
	}

	s := &S3Store{client: client, bucket: cfg.Bucket, metadataTimeout: metadataTimeout, dataTimeout: dataTimeout}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *S3Store) withMetadataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.metadataTimeout)
}

func (s *S3Store) withDataTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.dataTimeout)
}

func (s *S3Store) ensureBucket(ctx context.Context) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("objectstore: check bucket %s: %w", s.bucket, err)
	}
	if !exists {
		if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("objectstore: create bucket %s: %w", s.bucket, err)
		}
	}
	return nil
}

// List returns metadata for all objects matching prefix.
func (s *S3Store) List(ctx context.Context, prefix string) ([]FileInfo, error) {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	files := make([]FileInfo, 0)
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, fmt.Errorf("objectstore: list objects: %w", obj.Err)
		}
		files = append(files, FileInfo{Path: obj.Key, Size: obj.Size, Modified: obj.LastModified})
	}
	return files, nil
}

// Read returns an object's content, or nil, nil if it does not exist.
func (s *S3Store) Read(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	obj, err := s.client.GetObject(ctx, s.bucket, path, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: get object %s: %w", path, err)
	}
	defer obj.Close()

	if _, err := obj.Stat(); err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: stat object %s: %w", path, err)
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read object %s: %w", path, err)
	}
	return data, nil
}

// Write creates or overwrites an object.
func (s *S3Store) Write(ctx context.Context, path string, content []byte) error {
	ctx, cancel := s.withDataTimeout(ctx)
	defer cancel()

	_, err := s.client.PutObject(ctx, s.bucket, path, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("objectstore: put object %s: %w", path, err)
	}
	return nil
}

// Stat returns metadata for path, or nil, nil if absent.
func (s *S3Store) Stat(ctx context.Context, path string) (*FileInfo, error) {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	info, err := s.client.StatObject(ctx, s.bucket, path, minio.StatObjectOptions{})
	if err != nil {
		if minio.ToErrorResponse(err).Code == "NoSuchKey" {
			return nil, nil
		}
		return nil, fmt.Errorf("objectstore: stat object %s: %w", path, err)
	}
	return &FileInfo{Path: info.Key, Size: info.Size, Modified: info.LastModified}, nil
}

// Delete removes an object. Idempotent.
func (s *S3Store) Delete(ctx context.Context, path string) error {
	ctx, cancel := s.withMetadataTimeout(ctx)
	defer cancel()

	if err := s.client.RemoveObject(ctx, s.bucket, path, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("objectstore: remove object %s: %w", path, err)
	}
	return nil
}
