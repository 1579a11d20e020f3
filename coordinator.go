package savedobjects

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CoordinateOptions configures Coordinate.
type CoordinateOptions struct {
	// Index names the alias being migrated, for logs and metrics.
	Index string

	// IsMigrated reports whether the index is already in the desired state.
	IsMigrated func(ctx context.Context) (bool, error)

	// RunMigration does the work. Failing with ErrIndexExists or
	// ErrAliasMoved means another process got there first, and Coordinate
	// waits for it instead.
	RunMigration func(ctx context.Context) (MigrationResult, error)

	PollInterval time.Duration

	// MaxWait bounds the time spent waiting for another process. Zero
	// waits until the context is done.
	MaxWait time.Duration

	// Lease is an optional advisory lock. Correctness never depends on it;
	// holding it only keeps other processes from starting redundant work.
	Lease Lease

	Logger  Logger
	Metrics Metrics
}

// Coordinate runs a migration at most once across processes that share a
// document store. A process that finds another one already migrating
// waits until IsMigrated holds and reports the index as skipped.
func Coordinate(ctx context.Context, opts CoordinateOptions) (MigrationResult, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoOpMetrics{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	c := &coordinator{opts: opts}

	done, err := opts.IsMigrated(ctx)
	if err != nil {
		return MigrationResult{}, err
	}
	if done {
		return MigrationResult{Status: StatusSkipped}, nil
	}

	release, err := c.acquireLease(ctx)
	if errors.Is(err, ErrLockHeld) {
		opts.Logger.Info("Another instance holds the migration lease. Waiting for it to finish.")
		var migrated bool
		release, migrated, err = c.wait(ctx, true)
		if err != nil {
			return MigrationResult{}, err
		}
		if migrated {
			return MigrationResult{Status: StatusSkipped}, nil
		}
	}
	defer release()

	result, err := opts.RunMigration(ctx)
	switch {
	case errors.Is(err, ErrAliasMoved):
		opts.Logger.Info("Another instance moved the alias first. Waiting for that migration to complete.")
	case IsIndexExists(err):
		opts.Logger.Warn(fmt.Sprintf("Another instance appears to be migrating the index. Waiting for "+
			"that migration to complete. If no other instance is migrating, delete index %s and restart.",
			indexFromError(err)))
	default:
		return result, err
	}
	if _, _, err := c.wait(ctx, false); err != nil {
		return MigrationResult{}, err
	}
	return MigrationResult{Status: StatusSkipped}, nil
}

type coordinator struct {
	opts CoordinateOptions
}

func noopRelease() {}

// acquireLease returns ErrLockHeld only when another process holds the
// lease. Any other failure is logged and treated as acquired.
func (c *coordinator) acquireLease(ctx context.Context) (func(), error) {
	if c.opts.Lease == nil {
		return noopRelease, nil
	}
	release, err := c.opts.Lease.Acquire(ctx, c.opts.Index)
	switch {
	case err == nil:
		c.opts.Metrics.Increment(MetricLeaseAcquired)
		return release, nil
	case errors.Is(err, ErrLockHeld):
		c.opts.Metrics.Increment(MetricLeaseHeld)
		return noopRelease, err
	default:
		c.opts.Logger.Warn("migration lease unavailable, continuing without it", "error", err)
		return noopRelease, nil
	}
}

// wait polls IsMigrated until it holds. With tryLease set it also returns,
// holding the lease, as soon as the lease frees up without the index
// being migrated, so a crashed lease holder does not stall everyone.
func (c *coordinator) wait(ctx context.Context, tryLease bool) (release func(), migrated bool, err error) {
	start := time.Now()
	c.opts.Metrics.Increment(MetricCoordinatorWaits, "index", c.opts.Index)
	defer func() {
		c.opts.Metrics.Timing(MetricCoordinatorWaitDur, time.Since(start))
	}()

	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if c.opts.MaxWait > 0 {
		timer := time.NewTimer(c.opts.MaxWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return noopRelease, false, ctx.Err()
		case <-deadline:
			return noopRelease, false, WithContext(ErrMigrationTimeout, map[string]interface{}{
				"index":  c.opts.Index,
				"waited": time.Since(start).String(),
			})
		case <-ticker.C:
		}

		done, err := c.opts.IsMigrated(ctx)
		if err != nil {
			return noopRelease, false, err
		}
		if done {
			return noopRelease, true, nil
		}
		if tryLease {
			if release, err := c.acquireLease(ctx); err == nil {
				return release, false, nil
			}
		}
		c.opts.Logger.Debug("still waiting for migration", "index", c.opts.Index, "waited", time.Since(start).String())
	}
}

func indexFromError(err error) string {
	var ctxErr *ErrorWithContext
	if errors.As(err, &ctxErr) {
		if index, ok := ctxErr.Context["index"].(string); ok {
			return index
		}
	}
	return "<unknown>"
}
