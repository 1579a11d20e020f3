package savedobjects

import (
	"strings"
	"time"
)

// Configuration constants for migration operations
const (
	// Migration defaults
	DefaultIndex          = ".kibana"
	DefaultBatchSize      = 100
	DefaultScrollDuration = 15 * time.Minute
	DefaultPollInterval   = 1500 * time.Millisecond

	// Catalog compare-and-swap retry configuration
	DefaultMaxRetries      = 8
	DefaultInitialBackoff  = 20 * time.Millisecond
	DefaultBackoffMultiple = 2
	DefaultJitterPercent   = 0.5 // 50% jitter to avoid thundering herd

	// Backend configuration
	DefaultListPaginatedSize = 100
	DefaultBulkConcurrency   = 8
	DefaultFilePermissions   = 0644
	DefaultDirPermissions    = 0755
)

// MigrationConfig holds the knobs an operator can turn for index migrations.
type MigrationConfig struct {
	// Index is the alias every saved objects read and write goes through.
	Index string `mapstructure:"index" yaml:"index"`

	// BatchSize is how many documents are read, transformed and written per round trip.
	BatchSize int `mapstructure:"batch_size" yaml:"batch_size"`

	// ScrollDuration is the keep-alive of the read cursor between batches.
	ScrollDuration time.Duration `mapstructure:"scroll_duration" yaml:"scroll_duration"`

	// PollInterval is how often a waiting process re-checks whether another
	// process finished the migration.
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`

	// MaxWait bounds the time spent waiting on another process. Zero waits forever.
	MaxWait time.Duration `mapstructure:"max_wait" yaml:"max_wait"`

	// Skip disables migrations entirely; every index reports skipped.
	Skip bool `mapstructure:"skip" yaml:"skip"`
}

// DefaultMigrationConfig returns the default migration configuration
func DefaultMigrationConfig() MigrationConfig {
	return MigrationConfig{
		Index:          DefaultIndex,
		BatchSize:      DefaultBatchSize,
		ScrollDuration: DefaultScrollDuration,
		PollInterval:   DefaultPollInterval,
	}
}

// Validate checks if the MigrationConfig is valid
func (c MigrationConfig) Validate() error {
	if strings.TrimSpace(c.Index) == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Index",
			"reason": "index alias is required",
		})
	}
	if c.BatchSize <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BatchSize",
			"value":  c.BatchSize,
			"reason": "must be positive",
		})
	}
	if c.ScrollDuration <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "ScrollDuration",
			"value":  c.ScrollDuration,
			"reason": "must be positive",
		})
	}
	if c.PollInterval <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "PollInterval",
			"value":  c.PollInterval,
			"reason": "must be positive",
		})
	}
	if c.MaxWait < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxWait",
			"value":  c.MaxWait,
			"reason": "must be non-negative",
		})
	}
	return nil
}

// RetryConfig holds configuration for retry operations with exponential backoff
type RetryConfig struct {
	MaxRetries      int
	InitialBackoff  time.Duration
	BackoffMultiple int
	JitterPercent   float64
}

// DefaultRetryConfig returns the default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      DefaultMaxRetries,
		InitialBackoff:  DefaultInitialBackoff,
		BackoffMultiple: DefaultBackoffMultiple,
		JitterPercent:   DefaultJitterPercent,
	}
}

// Backoff returns the delay before retry number attempt (zero based).
func (c RetryConfig) Backoff(attempt int) time.Duration {
	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff *= time.Duration(c.BackoffMultiple)
	}
	jitter := time.Duration(float64(backoff) * c.JitterPercent * (1.0 - (float64(attempt%2) * 0.5)))
	return backoff + jitter
}

// Validate checks if the RetryConfig is valid
func (c RetryConfig) Validate() error {
	if c.MaxRetries < 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "MaxRetries",
			"value":  c.MaxRetries,
			"reason": "must be non-negative",
		})
	}
	if c.InitialBackoff <= 0 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "InitialBackoff",
			"value":  c.InitialBackoff,
			"reason": "must be positive",
		})
	}
	if c.BackoffMultiple < 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "BackoffMultiple",
			"value":  c.BackoffMultiple,
			"reason": "must be >= 1",
		})
	}
	if c.JitterPercent < 0 || c.JitterPercent > 1 {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "JitterPercent",
			"value":  c.JitterPercent,
			"reason": "must be between 0 and 1",
		})
	}
	return nil
}
