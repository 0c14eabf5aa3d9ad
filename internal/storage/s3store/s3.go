// Package s3store provides an object store backed by Amazon S3.
package s3store

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

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithyhttp "github.com/aws/smithy-go/transport/http"
)

// Name is the backend name used in configuration.
const Name = "s3"

// maxDeleteBatch is the DeleteObjects request limit.
const maxDeleteBatch = 1000

// Store wraps an S3 client.
type Store struct {
	client *s3.Client
	bucket string // bucket checked by Ping
	logger *slog.Logger
}

var (
	_ storage.ObjectStore = (*Store)(nil)
	_ storage.Creator     = (*Store)(nil)
	_ storage.Pinger      = (*Store)(nil)
)

// Open is the registry factory.
func Open(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.S3.Region)}
	if cfg.S3.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.S3.AccessKey, cfg.S3.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3.UsePathStyle
		if cfg.S3.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.S3.Endpoint)
		}
	})
	return NewWithClient(client, cfg.Storage.Bucket), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *s3.Client, bucket string) *Store {
	return &Store{
		client: client,
		bucket: bucket,
		logger: slog.With("component", "s3-store"),
	}
}

func (s *Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return apperrors.Internal("s3.putObject", err)
	}
	return nil
}

// PutIfAbsent adds "If-None-Match: *" to the PutObject request. S3 answers
// an existing key with 412, or 409 when a concurrent conditional write is
// still in progress.
func (s *Store) PutIfAbsent(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	}, s3.WithAPIOptions(smithyhttp.AddHeaderValue("If-None-Match", "*")))
	if err != nil {
		switch httpStatus(err) {
		case http.StatusPreconditionFailed, http.StatusConflict:
			return apperrors.Conflict("object", key, "object "+bucket+"/"+key+" already exists")
		}
		return apperrors.Internal("s3.putObject", err)
	}
	return nil
}

func httpStatus(err error) int {
	var resp interface{ HTTPStatusCode() int }
	if errors.As(err, &resp) {
		return resp.HTTPStatusCode()
	}
	return 0
}

// Get issues a ranged GET when rng is set. S3 truncates a Last beyond the
// object end and rejects a First beyond it with InvalidRange.
func (s *Store) Get(ctx context.Context, bucket, key string, rng *storage.ByteRange) ([]byte, error) {
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if rng != nil {
		if rng.First < 0 || rng.Last < rng.First {
			return nil, apperrors.InvalidRange(bucket, key, rng.First, rng.Last, -1)
		}
		input.Range = aws.String(fmt.Sprintf("bytes=%d-%d", rng.First, rng.Last))
	}

	out, err := s.client.GetObject(ctx, input)
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, apperrors.NoSuchKey(bucket, key)
		}
		if rng != nil && errorCode(err) == "InvalidRange" {
			return nil, apperrors.InvalidRange(bucket, key, rng.First, rng.Last, -1)
		}
		return nil, apperrors.Internal("s3.getObject", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, apperrors.Internal("s3.getObject", err)
	}
	return data, nil
}

func errorCode(err error) string {
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		return coded.ErrorCode()
	}
	return ""
}

func (s *Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return apperrors.Internal("s3.deleteObject", err)
	}
	return nil
}

func (s *Store) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	var errs []error
	for start := 0; start < len(keys); start += maxDeleteBatch {
		end := min(start+maxDeleteBatch, len(keys))
		ids := make([]types.ObjectIdentifier, 0, end-start)
		for _, key := range keys[start:end] {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(key)})
		}

		out, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(bucket),
			Delete: &types.Delete{Objects: ids},
		})
		if err != nil {
			s.logger.Warn("Batch delete failed", "bucket", bucket, "keys", len(ids), "error", err)
			errs = append(errs, apperrors.Internal("s3.deleteObjects", err))
			continue
		}
		for _, e := range out.Errors {
			errs = append(errs, fmt.Errorf("delete %s: %s", aws.ToString(e.Key), aws.ToString(e.Message)))
		}
	}
	return errors.Join(errs...)
}

func (s *Store) List(ctx context.Context, bucket, prefix string) ([]storage.ObjectInfo, error) {
	var out []storage.ObjectInfo
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			var nsb *types.NoSuchBucket
			if errors.As(err, &nsb) {
				return nil, apperrors.NotFound("bucket", bucket)
			}
			return nil, apperrors.Internal("s3.listObjectsV2", err)
		}
		for _, obj := range page.Contents {
			out = append(out, storage.ObjectInfo{Key: aws.ToString(obj.Key), Size: int64Value(obj.Size)})
		}
	}
	return out, nil
}

// int64Value accepts both the value and pointer forms the SDK has used for
// numeric fields.
func int64Value[T int64 | *int64](v T) int64 {
	switch x := any(v).(type) {
	case int64:
		return x
	case *int64:
		if x != nil {
			return *x
		}
	}
	return 0
}

// Ping checks the configured bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)}); err != nil {
		return apperrors.Unavailable("s3.headBucket", err)
	}
	return nil
}
