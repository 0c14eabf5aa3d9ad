// Package miniostore provides an object store backed by MinIO or any
// S3-compatible endpoint reachable through minio-go.
package miniostore

import (
	"bytes"
	"cloudproc/internal/apperrors"
	"cloudproc/internal/config"
	"cloudproc/internal/storage"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Name is the backend name used in configuration.
const Name = "minio"

// Store wraps a minio client.
type Store struct {
	client *minio.Client
	region string
	logger *slog.Logger
}

var (
	_ storage.ObjectStore = (*Store)(nil)
	_ storage.Creator     = (*Store)(nil)
	_ storage.Pinger      = (*Store)(nil)
)

// New creates a store from configuration.
func New(cfg config.MinioConfig) (*Store, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, apperrors.Validation("minio.endpoint", "minio endpoint is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	return NewWithClient(client, cfg.Region), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *minio.Client, region string) *Store {
	return &Store{
		client: client,
		region: region,
		logger: slog.With("component", "minio-store"),
	}
}

// Open is the registry factory: it builds the store and makes sure the
// configured bucket exists.
func Open(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	s, err := New(cfg.Minio)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureBucket(ctx, cfg.Storage.Bucket); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureBucket creates bucket when it does not exist.
func (s *Store) EnsureBucket(ctx context.Context, bucket string) error {
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return apperrors.Unavailable("minio.bucketExists", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return apperrors.Internal("minio.makeBucket", err)
	}
	s.logger.Info("Created bucket", "bucket", bucket)
	return nil
}

func (s *Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return apperrors.Internal("minio.putObject", err)
	}
	return nil
}

// PutIfAbsent sends the write with "If-None-Match: *", so the server
// rejects it when the key exists.
func (s *Store) PutIfAbsent(ctx context.Context, bucket, key string, data []byte) error {
	opts := minio.PutObjectOptions{ContentType: "application/octet-stream"}
	opts.SetMatchETagExcept("*")
	_, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusPreconditionFailed || resp.Code == "PreconditionFailed" {
			return apperrors.Conflict("object", key, "object "+bucket+"/"+key+" already exists")
		}
		return apperrors.Internal("minio.putObject", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if rng != nil {
		info, err := s.client.StatObject(ctx, bucket, key, minio.StatObjectOptions{})
		if err != nil {
			return nil, s.mapError("minio.statObject", bucket, key, err)
		}
		start, end, err := storage.Resolve(bucket, key, rng, info.Size)
		if err != nil {
			return nil, err
		}
		if err := opts.SetRange(start, end-1); err != nil {
			return nil, apperrors.InvalidRange(bucket, key, rng.First, rng.Last, info.Size)
		}
	}

	obj, err := s.client.GetObject(ctx, bucket, key, opts)
	if err != nil {
		return nil, s.mapError("minio.getObject", bucket, key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.mapError("minio.getObject", bucket, key, err)
	}
	return data, nil
}

func (s *Store) mapError(op, bucket, key string, err error) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey":
		return apperrors.NoSuchKey(bucket, key)
	default:
		return apperrors.Internal(op, err)
	}
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return apperrors.Internal("minio.removeObject", err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	objectsCh := make(chan minio.ObjectInfo)
	go func() {
		defer close(objectsCh)
		for _, key := range keys {
			select {
			case objectsCh <- minio.ObjectInfo{Key: key}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rerr := range s.client.RemoveObjects(ctx, bucket, objectsCh, minio.RemoveObjectsOptions{}) {
		if minio.ToErrorResponse(rerr.Err).Code == "NoSuchKey" {
			continue
		}
		s.logger.Warn("Failed to delete object", "bucket", bucket, "key", rerr.ObjectName, "error", rerr.Err)
		errs = append(errs, fmt.Errorf("delete %s: %w", rerr.ObjectName, rerr.Err))
	}
	return errors.Join(errs...)
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			if minio.ToErrorResponse(obj.Err).Code == "NoSuchBucket" {
				return nil, apperrors.NotFound("bucket", bucket)
			}
			return nil, apperrors.Internal("minio.listObjects", obj.Err)
		}
		out = append(out, storage.ObjectInfo{Key: obj.Key, Size: obj.Size})
	}
	return out, nil
}

// Ping lists buckets to verify credentials and connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return apperrors.Unavailable("minio.ping", err)
	}
	return nil
}
