package savedobjects

import (
	"context"
)

// Backend is the object store a BackendGateway keeps its indices in.
// S3, GCS, MinIO and the local filesystem all satisfy it.
type Backend interface {
	// Object operations
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	// Conditional operations (for optimistic locking)
	// PutIfMatch returns the new ETag after a successful put.
	GetWithETag(ctx context.Context, key string) (data []byte, etag string, err error)
	PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error)

	// PutIfAbsent writes only when no object exists at key and returns the new
	// ETag. A concurrent or earlier writer yields ErrAlreadyExists.
	PutIfAbsent(ctx context.Context, key string, data []byte) (string, error)

	// List operations
	List(ctx context.Context, prefix string) ([]string, error)
	ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error

	// Health check
	Ping(ctx context.Context) error

	// Resource cleanup
	Close() error
}

// BackendConfig holds configuration for any backend
type BackendConfig struct {
	Type       string            `mapstructure:"type"`        // "s3", "minio", "gcs", "filesystem"
	Bucket     string            `mapstructure:"bucket"`      // bucket name or base directory
	Region     string            `mapstructure:"region"`      // AWS region (S3 only)
	Endpoint   string            `mapstructure:"endpoint"`    // custom endpoint for S3-compatible services
	PathPrefix string            `mapstructure:"path_prefix"` // optional prefix for all keys
	Options    map[string]string `mapstructure:"options"`     // backend-specific options
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Type == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"reason": "backend type is required",
		})
	}
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Bucket",
			"reason": "bucket/base path is required",
		})
	}

	switch c.Type {
	case "s3":
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Region/Endpoint",
				"reason": "S3 backend requires either Region or Endpoint",
			})
		}
	case "minio":
		if c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "Endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	case "gcs", "filesystem":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	return nil
}
