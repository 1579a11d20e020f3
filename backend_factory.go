package savedobjects

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Backend option keys understood by NewBackend.
const (
	OptionAccessKeyID     = "access_key_id"
	OptionSecretAccessKey = "secret_access_key"
	OptionCredentialsFile = "credentials_file"
	OptionProjectID       = "project_id"
)

// NewBackend builds the Backend described by cfg. A PathPrefix scopes every
// key under that prefix so several deployments can share one bucket.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var backend Backend
	switch cfg.Type {
	case "filesystem":
		backend = NewFilesystemBackend(cfg.Bucket)
	case "s3":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		backend = NewS3Backend(client, cfg.Bucket)
	case "minio":
		b, err := NewMinIOBackend(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.Options[OptionAccessKeyID],
			SecretAccessKey: cfg.Options[OptionSecretAccessKey],
			Bucket:          cfg.Bucket,
		})
		if err != nil {
			return nil, err
		}
		backend = b
	case "gcs":
		b, err := NewGCSBackend(ctx, GCSConfig{
			ProjectID:       cfg.Options[OptionProjectID],
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.Options[OptionCredentialsFile],
		})
		if err != nil {
			return nil, err
		}
		backend = b
	}

	if prefix := strings.Trim(cfg.PathPrefix, "/"); prefix != "" {
		backend = &prefixedBackend{Backend: backend, prefix: prefix + "/"}
	}
	return backend, nil
}

func newS3Client(ctx context.Context, cfg BackendConfig) (*s3.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(cfg.Region))
	}
	if id := cfg.Options[OptionAccessKeyID]; id != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(id, cfg.Options[OptionSecretAccessKey], "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// ParseBackendURL turns a store URL into a BackendConfig.
// Formats: "s3://bucket", "gs://bucket", "file:///var/lib/somigrate" or a
// bare directory path.
func ParseBackendURL(raw string) (BackendConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return BackendConfig{}, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "url",
			"reason": "store URL cannot be empty",
		})
	}

	scheme, rest, ok := strings.Cut(raw, "://")
	if !ok {
		return BackendConfig{Type: "filesystem", Bucket: raw}, nil
	}

	bucket, prefix, _ := strings.Cut(rest, "/")
	switch strings.ToLower(scheme) {
	case "s3":
		return BackendConfig{Type: "s3", Bucket: bucket, PathPrefix: prefix}, nil
	case "gs":
		return BackendConfig{Type: "gcs", Bucket: bucket, PathPrefix: prefix}, nil
	case "file":
		return BackendConfig{Type: "filesystem", Bucket: rest}, nil
	default:
		return BackendConfig{}, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "url",
			"value":  raw,
			"reason": "unsupported scheme",
		})
	}
}

// prefixedBackend scopes every key under prefix.
type prefixedBackend struct {
	Backend
	prefix string
}

func (p *prefixedBackend) key(k string) string { return p.prefix + k }

func (p *prefixedBackend) Get(ctx context.Context, key string) ([]byte, error) {
	return p.Backend.Get(ctx, p.key(key))
}

func (p *prefixedBackend) Put(ctx context.Context, key string, data []byte) error {
	return p.Backend.Put(ctx, p.key(key), data)
}

func (p *prefixedBackend) Delete(ctx context.Context, key string) error {
	return p.Backend.Delete(ctx, p.key(key))
}

func (p *prefixedBackend) Exists(ctx context.Context, key string) (bool, error) {
	return p.Backend.Exists(ctx, p.key(key))
}

func (p *prefixedBackend) GetWithETag(ctx context.Context, key string) ([]byte, string, error) {
	return p.Backend.GetWithETag(ctx, p.key(key))
}

func (p *prefixedBackend) PutIfMatch(ctx context.Context, key string, data []byte, expectedETag string) (string, error) {
	return p.Backend.PutIfMatch(ctx, p.key(key), data, expectedETag)
}

func (p *prefixedBackend) PutIfAbsent(ctx context.Context, key string, data []byte) (string, error) {
	return p.Backend.PutIfAbsent(ctx, p.key(key), data)
}

func (p *prefixedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := p.Backend.List(ctx, p.key(prefix))
	if err != nil {
		return nil, err
	}
	for i := range keys {
		keys[i] = strings.TrimPrefix(keys[i], p.prefix)
	}
	return keys, nil
}

func (p *prefixedBackend) ListPaginated(ctx context.Context, prefix string, handler func(keys []string) error) error {
	return p.Backend.ListPaginated(ctx, p.key(prefix), func(keys []string) error {
		trimmed := make([]string, len(keys))
		for i, k := range keys {
			trimmed[i] = strings.TrimPrefix(k, p.prefix)
		}
		return handler(trimmed)
	})
}
