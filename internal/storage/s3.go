package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	fserrors "github.com/fundscope/fundscope/internal/errors"
	"github.com/fundscope/fundscope/internal/textio"
)

const (
	defaultS3Retries = 3
	firstBackoff     = 100 * time.Millisecond
	maxBackoff       = 2 * time.Second
)

// S3Config holds the S3 client settings of a mirror.
type S3Config struct {
	Region string
	// Endpoint overrides the AWS endpoint for S3-compatible stores such as MinIO.
	Endpoint     string
	UsePathStyle bool
	// MaxRetries is the number of retries after a failed request. Zero means 3.
	MaxRetries int
}

// S3Storage keeps mirror objects in one bucket.
type S3Storage struct {
	client  *s3.Client
	bucket  *string
	retries int
}

// NewS3Storage loads credentials from the default AWS chain.
func NewS3Storage(ctx context.Context, bucket string, cfg S3Config) (*S3Storage, error) {
	var loadOpts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(cfg.Region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("storage: load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.UsePathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewS3StorageWithClient(client, bucket, cfg), nil
}

// NewS3StorageWithClient uses an already configured client.
func NewS3StorageWithClient(client *s3.Client, bucket string, cfg S3Config) *S3Storage {
	retries := cfg.MaxRetries
	if retries <= 0 {
		retries = defaultS3Retries
	}
	return &S3Storage{client: client, bucket: aws.String(bucket), retries: retries}
}

func (s *S3Storage) Upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fserrors.NewStorageError(fserrors.CodeWriteFailed, "upload "+key, err)
	}
	defer f.Close()

	_, err = withRetry(ctx, s.retries, func() (*s3.PutObjectOutput, error) {
		// A retry must resend the whole body.
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		return s.client.PutObject(ctx, &s3.PutObjectInput{Bucket: s.bucket, Key: aws.String(key), Body: f})
	})
	return objectError(fserrors.CodeWriteFailed, "upload", key, err)
}

func (s *S3Storage) Download(ctx context.Context, key, localPath string) error {
	out, err := withRetry(ctx, s.retries, func() (*s3.GetObjectOutput, error) {
		return s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: s.bucket, Key: aws.String(key)})
	})
	if err != nil {
		return objectError(fserrors.CodeReadFailed, "download", key, err)
	}
	defer out.Body.Close()

	_, err = textio.WriteFileAtomic(localPath, out.Body)
	return objectError(fserrors.CodeReadFailed, "download", key, err)
}

func (s *S3Storage) Delete(ctx context.Context, key string) error {
	_, err := withRetry(ctx, s.retries, func() (*s3.DeleteObjectOutput, error) {
		return s.client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: s.bucket, Key: aws.String(key)})
	})
	return objectError(fserrors.CodeWriteFailed, "delete", key, err)
}

func (s *S3Storage) Exists(ctx context.Context, key string) (bool, error) {
	_, err := withRetry(ctx, s.retries, func() (*s3.HeadObjectOutput, error) {
		return s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: s.bucket, Key: aws.String(key)})
	})
	if err == nil {
		return true, nil
	}
	if missing(err) {
		return false, nil
	}
	return false, objectError(fserrors.CodeReadFailed, "stat", key, err)
}

func (s *S3Storage) List(ctx context.Context, prefix string) ([]Object, error) {
	pages := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: s.bucket,
		Prefix: aws.String(prefix),
	})
	var objects []Object
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, objectError(fserrors.CodeReadFailed, "list", prefix, err)
		}
		for _, o := range page.Contents {
			objects = append(objects, Object{
				Key:     aws.ToString(o.Key),
				Size:    aws.ToInt64(o.Size),
				ModTime: aws.ToTime(o.LastModified),
			})
		}
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// withRetry runs op up to retries+1 times, doubling the pause between
// attempts up to maxBackoff. Missing objects are not retried.
func withRetry[T any](ctx context.Context, retries int, op func() (T, error)) (T, error) {
	var zero T
	pause := firstBackoff
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		out, err := op()
		if err == nil || missing(err) || attempt == retries {
			return out, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(pause):
		}
		pause = min(2*pause, maxBackoff)
	}
}

// missing reports whether err says the object does not exist. HEAD requests
// answer with NotFound, GET with NoSuchKey.
func missing(err error) bool {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	return errors.As(err, &noSuchKey) || errors.As(err, &notFound)
}

// objectError maps an S3 failure to the storage error taxonomy. A nil err
// stays nil.
func objectError(code, op, key string, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(op + " " + key)
	if missing(err) {
		return fserrors.NewStorageError(fserrors.CodeObjectNotFound, "object "+key+" not found", err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fserrors.NewCancelled(msg, err)
	}
	return fserrors.NewStorageError(code, msg, err)
}
