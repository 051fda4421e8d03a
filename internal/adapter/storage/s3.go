package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rendiffdev/ffmpeg-api-sub000/internal/domain"
)

// S3Backend serves s3://bucket/key locators against AWS or any
// S3-compatible endpoint (MinIO and friends via S3_ENDPOINT).
type S3Backend struct {
	client   *s3.Client
	uploader *manager.Uploader
}

// S3Options configures the backend.
type S3Options struct {
	Endpoint       string
	Region         string
	ForcePathStyle bool
}

// NewS3Backend builds the backend from the ambient AWS config chain.
func NewS3Backend(ctx context.Context, opts S3Options) (*S3Backend, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("op=s3.New: %w", err)
	}
	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
		o.UsePathStyle = opts.ForcePathStyle
	})
	return &S3Backend{
		client:   client,
		uploader: manager.NewUploader(client),
	}, nil
}

// Scheme returns "s3".
func (b *S3Backend) Scheme() string { return "s3" }

func splitBucketKey(locator string) (bucket, key string, err error) {
	_, rest, err := SplitLocator(locator)
	if err != nil {
		return "", "", err
	}
	i := strings.IndexByte(rest, '/')
	if i <= 0 || i == len(rest)-1 {
		return "", "", domain.Codef(domain.CodeInvalidPath, domain.ErrInvalidArgument,
			"op=s3.splitBucketKey: locator needs bucket and key")
	}
	return rest[:i], rest[i+1:], nil
}

// Stat reports size and mtime via HeadObject.
func (b *S3Backend) Stat(ctx context.Context, locator string) (domain.StatInfo, error) {
	bucket, key, err := splitBucketKey(locator)
	if err != nil {
		return domain.StatInfo{}, err
	}
	head, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return domain.StatInfo{}, errNotFound("s3.Stat", locator)
		}
		return domain.StatInfo{}, domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=s3.Stat: %v", err)
	}
	info := domain.StatInfo{Size: aws.ToInt64(head.ContentLength)}
	if head.LastModified != nil {
		info.MTime = *head.LastModified
	}
	return info, nil
}

// OpenRead streams the object body.
func (b *S3Backend) OpenRead(ctx context.Context, locator string) (io.ReadCloser, error) {
	bucket, key, err := splitBucketKey(locator)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, errNotFound("s3.OpenRead", locator)
		}
		return nil, domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=s3.OpenRead: %v", err)
	}
	return out.Body, nil
}

// OpenWrite streams into a multipart upload through a pipe. Close
// flushes the upload and surfaces its error.
func (b *S3Backend) OpenWrite(ctx context.Context, locator string) (io.WriteCloser, error) {
	bucket, key, err := splitBucketKey(locator)
	if err != nil {
		return nil, err
	}
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		_, err := b.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(bucket),
			Key:         aws.String(key),
			Body:        pr,
			IfNoneMatch: aws.String("*"),
		})
		// Unblock the writer if the upload dies first.
		_ = pr.CloseWithError(err)
		done <- err
	}()
	return &s3Sink{pw: pw, done: done}, nil
}

type s3Sink struct {
	pw   *io.PipeWriter
	done chan error
}

func (s *s3Sink) Write(p []byte) (int, error) { return s.pw.Write(p) }

func (s *s3Sink) Close() error {
	if err := s.pw.Close(); err != nil {
		return err
	}
	if err := <-s.done; err != nil {
		if isS3PreconditionFailed(err) {
			return domain.Codef(domain.CodeStorageConflict, domain.ErrStorageConflict,
				"op=s3.OpenWrite: object exists")
		}
		return domain.Codef(domain.CodeStorageUnavailable, domain.ErrInternal,
			"op=s3.OpenWrite: upload: %v", err)
	}
	return nil
}

// Exists reports object presence. Advisory only.
func (b *S3Backend) Exists(ctx context.Context, locator string) (bool, error) {
	_, err := b.Stat(ctx, locator)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	return false, err
}

func isS3NotFound(err error) bool {
	var nf *types.NotFound
	var nk *types.NoSuchKey
	return errors.As(err, &nf) || errors.As(err, &nk)
}

func isS3PreconditionFailed(err error) bool {
	return err != nil && strings.Contains(err.Error(), "PreconditionFailed")
}

var _ domain.Storage = (*S3Backend)(nil)
