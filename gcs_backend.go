package savedobjects

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend implements Backend using Google Cloud Storage. Object
// generations serve as ETags, and conditional writes are generation
// preconditions evaluated by the server.
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	ProjectID       string
	Bucket          string
	CredentialsFile string // service account JSON; Application Default Credentials when empty
}

// NewGCSBackend creates a new GCS backend
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSBackend{
		client: client,
		bucket: cfg.Bucket,
	}, nil
}

func mapGCSError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		switch gErr.Code {
		case http.StatusPreconditionFailed:
			return WithContext(ErrConflict, map[string]interface{}{"key": key})
		case http.StatusForbidden, http.StatusUnauthorized:
			return ErrUnauthorized
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return WithContext(ErrBackendUnavailable, map[string]interface{}{"key": key})
		}
	}
	return err
}

func (b *GCSBackend) object(key string) *storage.ObjectHandle {
	return b.client.Bucket(b.bucket).Object(key)
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, _, err := b.GetWithETag(ctx, key)
	return data, err
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.write(ctx, b.object(key), key, data)
	return err
}

func (b *GCSBackend) write(ctx context.Context, obj *storage.ObjectHandle, key string, data []byte) (string, error) {
	writer := obj.NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return "", mapGCSError(err, key)
	}
	if err := writer.Close(); err != nil {
		return "", mapGCSError(err, key)
	}
	return strconv.FormatInt(writer.Attrs().Generation, 10), nil
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	return mapGCSError(b.object(key).Delete(ctx), key)
}

func (b *GCSBackend) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, mapGCSError(err, key)
	}
	return true, nil
}

// GetWithETag reads the object and reports the generation it read. The
// reader is pinned to the generation from Attrs so data and ETag agree.
func (b *GCSBackend) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	obj := b.object(key)
	attrs, err := obj.Attrs(ctx)
	if err != nil {
		return nil, "", mapGCSError(err, key)
	}

	reader, err := obj.Generation(attrs.Generation).NewReader(ctx)
	if err != nil {
		return nil, "", mapGCSError(err, key)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, "", err
	}
	return data, strconv.FormatInt(attrs.Generation, 10), nil
}

// PutIfMatch writes only while the object is still at the expected
// generation. An empty expectedETag writes unconditionally.
func (b *GCSBackend) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	obj := b.object(key)
	if expectedETag != "" {
		gen, err := strconv.ParseInt(expectedETag, 10, 64)
		if err != nil {
			return "", WithContext(ErrInvalidData, map[string]interface{}{
				"key":  key,
				"etag": expectedETag,
			})
		}
		obj = obj.If(storage.Conditions{GenerationMatch: gen})
	}
	return b.write(ctx, obj, key, data)
}

// PutIfAbsent creates the object only when no live generation exists.
func (b *GCSBackend) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	etag, err := b.write(ctx, b.object(key).If(storage.Conditions{DoesNotExist: true}), key, data)
	if errors.Is(err, ErrConflict) {
		return "", WithContext(ErrAlreadyExists, map[string]interface{}{"key": key})
	}
	return etag, err
}

func (b *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := b.ListPaginated(ctx, prefix, func(page []string) error {
		keys = append(keys, page...)
		return nil
	})
	return keys, err
}

// ListPaginated streams object names in lexical order, as GCS lists them.
func (b *GCSBackend) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})

	batch := make([]string, 0, DefaultListPaginatedSize)
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return mapGCSError(err, prefix)
		}

		batch = append(batch, attrs.Name)
		if len(batch) >= DefaultListPaginatedSize {
			if err := handler(batch); err != nil {
				return err
			}
			batch = make([]string, 0, DefaultListPaginatedSize)
		}
	}
	if len(batch) > 0 {
		return handler(batch)
	}
	return nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	if _, err := b.client.Bucket(b.bucket).Attrs(ctx); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"bucket": b.bucket,
			"error":  err.Error(),
		})
	}
	return nil
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
