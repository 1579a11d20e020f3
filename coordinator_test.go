package savedobjects

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// flag is a concurrency-safe IsMigrated.
type flag struct{ v atomic.Bool }

func (f *flag) isMigrated(context.Context) (bool, error) { return f.v.Load(), nil }

func TestCoordinateAlreadyMigrated(t *testing.T) {
	var f flag
	f.v.Store(true)
	result, err := Coordinate(context.Background(), CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) {
			t.Fatal("migration should not run")
			return MigrationResult{}, nil
		},
	})
	if err != nil || result.Status != StatusSkipped {
		t.Errorf("Coordinate() = %+v, %v", result, err)
	}
}

func TestCoordinateRunsMigration(t *testing.T) {
	var f flag
	want := MigrationResult{Status: StatusMigrated, SourceIndex: ".kibana_1", DestIndex: ".kibana_2"}
	result, err := Coordinate(context.Background(), CoordinateOptions{
		Index:        ".kibana",
		IsMigrated:   f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) { return want, nil },
	})
	if err != nil || result != want {
		t.Errorf("Coordinate() = %+v, %v", result, err)
	}

	cause := errors.New("disk full")
	_, err = Coordinate(context.Background(), CoordinateOptions{
		Index:        ".kibana",
		IsMigrated:   f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) { return MigrationResult{}, cause },
	})
	if !errors.Is(err, cause) {
		t.Errorf("expected the migration error, got %v", err)
	}
}

func TestCoordinateWaitsForOtherInstance(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	metrics := NewInMemoryMetrics()

	var f flag
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.v.Store(true)
	}()

	result, err := Coordinate(context.Background(), CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) {
			return MigrationResult{}, WithContext(ErrIndexExists, map[string]interface{}{"index": ".kibana_2"})
		},
		PollInterval: 5 * time.Millisecond,
		Logger:       NewZapLogger(zap.New(core)),
		Metrics:      metrics,
	})
	if err != nil || result.Status != StatusSkipped {
		t.Fatalf("Coordinate() = %+v, %v", result, err)
	}

	warnings := logs.FilterLevelExact(zapcore.WarnLevel).All()
	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %d", len(warnings))
	}
	msg := warnings[0].Message
	if !strings.HasPrefix(msg, "Another instance appears to be migrating the index.") || !strings.Contains(msg, "delete index .kibana_2 and restart") {
		t.Errorf("unexpected warning: %s", msg)
	}
	if metrics.Counter(MetricCoordinatorWaits) != 1 {
		t.Errorf("%s = %d", MetricCoordinatorWaits, metrics.Counter(MetricCoordinatorWaits))
	}
}

func TestCoordinateMaxWait(t *testing.T) {
	var f flag
	_, err := Coordinate(context.Background(), CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) {
			return MigrationResult{}, ErrIndexExists
		},
		PollInterval: 5 * time.Millisecond,
		MaxWait:      30 * time.Millisecond,
	})
	if !errors.Is(err, ErrMigrationTimeout) {
		t.Errorf("expected ErrMigrationTimeout, got %v", err)
	}
}

func TestCoordinateContextCancelled(t *testing.T) {
	var f flag
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Coordinate(ctx, CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) {
			return MigrationResult{}, ErrIndexExists
		},
		PollInterval: 5 * time.Millisecond,
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestCoordinateIsMigratedError(t *testing.T) {
	cause := errors.New("cluster unreachable")
	_, err := Coordinate(context.Background(), CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: func(context.Context) (bool, error) { return false, cause },
		RunMigration: func(context.Context) (MigrationResult, error) {
			t.Fatal("migration should not run")
			return MigrationResult{}, nil
		},
	})
	if !errors.Is(err, cause) {
		t.Errorf("expected %v, got %v", cause, err)
	}
}

func TestCoordinateLeaseHeld(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewDistributedLock(client, "savedobjects")
	ctx := context.Background()

	release, err := lock.Acquire(ctx, ".kibana")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	metrics := NewInMemoryMetrics()
	var f flag
	go func() {
		time.Sleep(30 * time.Millisecond)
		f.v.Store(true)
	}()

	result, err := Coordinate(ctx, CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) {
			t.Error("migration should not run while another instance holds the lease")
			return MigrationResult{}, nil
		},
		PollInterval: 5 * time.Millisecond,
		Lease:        lock,
		Metrics:      metrics,
	})
	if err != nil || result.Status != StatusSkipped {
		t.Fatalf("Coordinate() = %+v, %v", result, err)
	}
	if metrics.Counter(MetricLeaseHeld) == 0 {
		t.Error("held lease was not recorded")
	}
}

func TestCoordinateLeaseReleasedWithoutMigration(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewDistributedLock(client, "savedobjects")
	ctx := context.Background()

	release, err := lock.Acquire(ctx, ".kibana")
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		time.Sleep(30 * time.Millisecond)
		release()
	}()

	var ran atomic.Bool
	var f flag
	result, err := Coordinate(ctx, CoordinateOptions{
		Index:      ".kibana",
		IsMigrated: f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) {
			ran.Store(true)
			return MigrationResult{Status: StatusMigrated}, nil
		},
		PollInterval: 5 * time.Millisecond,
		Lease:        lock,
	})
	if err != nil || result.Status != StatusMigrated || !ran.Load() {
		t.Errorf("Coordinate() = %+v, %v; the waiter should take over the free lease", result, err)
	}
}

type brokenLease struct{}

func (brokenLease) Acquire(context.Context, string) (func(), error) {
	return nil, errors.New("connection refused")
}

func TestCoordinateLeaseUnavailable(t *testing.T) {
	var f flag
	result, err := Coordinate(context.Background(), CoordinateOptions{
		Index:        ".kibana",
		IsMigrated:   f.isMigrated,
		RunMigration: func(context.Context) (MigrationResult, error) { return MigrationResult{Status: StatusPatched}, nil },
		Lease:        brokenLease{},
	})
	if err != nil || result.Status != StatusPatched {
		t.Errorf("an unreachable lease should not block the migration: %+v, %v", result, err)
	}
}
