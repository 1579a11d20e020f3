package savedobjects

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// S3Backend implements Backend using AWS S3 (or S3-compatible storage).
// Conditional writes use the If-Match and If-None-Match preconditions on
// PutObject, so catalog compare-and-swap is atomic on the server.
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 backend
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

// mapS3Error folds S3 API error codes onto the package sentinels.
func mapS3Error(err error, key string) error {
	if err == nil {
		return nil
	}
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return ErrNotFound
		case "AccessDenied", "Forbidden":
			return ErrUnauthorized
		case "PreconditionFailed", "ConditionalRequestConflict":
			return WithContext(ErrConflict, map[string]interface{}{"key": key, "code": apiErr.ErrorCode()})
		case "SlowDown", "ServiceUnavailable", "InternalError":
			return WithContext(ErrBackendUnavailable, map[string]interface{}{"key": key, "code": apiErr.ErrorCode()})
		}
	}
	return err
}

func trimETag(etag *string) string {
	return strings.Trim(aws.ToString(etag), "\"")
}

// Get retrieves data for the given key from S3
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.GetWithETag(ctx, key)
	return data, err
}

// Put stores data for the given key to S3
func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	return mapS3Error(err, key)
}

// Delete removes the object at the given key from S3
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	return mapS3Error(err, key)
}

// Exists checks if an object exists at the given key in S3
func (b *S3Backend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err := mapS3Error(err, key); errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, mapS3Error(err, key)
	}
	return true, nil
}

// GetWithETag retrieves data and its ETag for optimistic locking from S3
func (b *S3Backend) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, "", mapS3Error(err, key)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	data, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, "", err
	}
	return data, trimETag(result.ETag), nil
}

// PutIfMatch writes data only while the object's ETag is still expectedETag.
// An empty expectedETag writes unconditionally.
func (b *S3Backend) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	if expectedETag != "" {
		input.IfMatch = aws.String("\"" + expectedETag + "\"")
	}

	out, err := b.client.PutObject(ctx, input)
	if err != nil {
		return "", mapS3Error(err, key)
	}
	return trimETag(out.ETag), nil
}

// PutIfAbsent creates the object only when nothing exists at key.
func (b *S3Backend) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		err = mapS3Error(err, key)
		if errors.Is(err, ErrConflict) {
			return "", WithContext(ErrAlreadyExists, map[string]interface{}{"key": key})
		}
		return "", err
	}
	return trimETag(out.ETag), nil
}

// List returns all keys with the given prefix from S3
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.ListPaginated(ctx, prefix, func(page []string) error {
		keys = append(keys, page...)
		return nil
	})
	return keys, err
}

// ListPaginated streams keys with the given prefix in batches from S3.
// ListObjectsV2 returns keys in ascending UTF-8 order.
func (b *S3Backend) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	paginator := s3.NewListObjectsV2Paginator(b.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	})
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return mapS3Error(err, prefix)
		}

		keys := make([]string, 0, len(output.Contents))
		for _, obj := range output.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
		if len(keys) == 0 {
			continue
		}
		if err := handler(keys); err != nil {
			return err
		}
	}
	return nil
}

// Ping checks if the S3 backend is accessible and operational
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"bucket": b.bucket,
			"error":  err.Error(),
		})
	}
	return nil
}

// Close releases any resources held by the S3 backend
func (b *S3Backend) Close() error {
	return nil
}
