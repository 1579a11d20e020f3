package savedobjects

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MigrationStatus is the outcome of migrating one index.
type MigrationStatus string

const (
	StatusSkipped  MigrationStatus = "skipped"
	StatusPatched  MigrationStatus = "patched"
	StatusMigrated MigrationStatus = "migrated"
)

// MigrationResult reports what Migrate did. The index names and elapsed
// time are only set for a full migration.
type MigrationResult struct {
	Status      MigrationStatus `json:"status"`
	SourceIndex string          `json:"sourceIndex,omitempty"`
	DestIndex   string          `json:"destIndex,omitempty"`
	ElapsedMs   int64           `json:"elapsedMs,omitempty"`
}

// IndexStatus is the coarse state reported by FetchMigrationStatus.
type IndexStatus string

const (
	IndexUpToDate IndexStatus = "up_to_date"
	IndexOutdated IndexStatus = "outdated"
)

// IndexMigratorOptions configures an IndexMigrator.
type IndexMigratorOptions struct {
	Alias            string
	Gateway          Gateway
	Serializer       *Serializer
	DocumentMigrator *DocumentMigrator
	// Mappings are the active mappings of every type stored under Alias.
	Mappings Mappings
	Config   MigrationConfig
	Lease    Lease
	Logger   Logger
	Metrics  Metrics
}

// IndexMigrator brings one alias and the index behind it up to date.
type IndexMigrator struct {
	opts    IndexMigratorOptions
	log     *migrationLogger
	metrics Metrics
}

func NewIndexMigrator(opts IndexMigratorOptions) (*IndexMigrator, error) {
	if opts.Alias == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"field": "Alias", "reason": "alias is required"})
	}
	if opts.Gateway == nil || opts.Serializer == nil || opts.DocumentMigrator == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "Gateway/Serializer/DocumentMigrator",
			"reason": "gateway, serializer and document migrator are required",
		})
	}
	if err := opts.Mappings.Validate(); err != nil {
		return nil, err
	}
	if opts.Config.BatchSize <= 0 {
		opts.Config.BatchSize = DefaultBatchSize
	}
	if opts.Config.ScrollDuration <= 0 {
		opts.Config.ScrollDuration = DefaultScrollDuration
	}
	if opts.Config.PollInterval <= 0 {
		opts.Config.PollInterval = DefaultPollInterval
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &IndexMigrator{
		opts:    opts,
		log:     newMigrationLogger(opts.Logger, opts.Alias),
		metrics: metrics,
	}, nil
}

// migrationContext is rebuilt from the store on every decision.
type migrationContext struct {
	alias  string
	source IndexInfo
	dest   IndexInfo
}

func (m *IndexMigrator) buildContext(ctx context.Context) (migrationContext, error) {
	alias := m.opts.Alias
	source, err := m.opts.Gateway.FetchInfo(ctx, alias)
	if err != nil {
		return migrationContext{}, err
	}
	// A pre-alias install stores documents in a concrete index named like
	// the alias. It is converted to the first free <alias>_<n> before
	// migrating.
	if source.Exists && source.Name == alias {
		source.Name = nextIndexName(alias, alias)
	}

	dest := IndexInfo{
		Name:     nextIndexName(alias, source.Name),
		Exists:   false,
		Mappings: DisableUnknownTypeMappingFields(m.opts.Mappings, source.Mappings),
	}
	return migrationContext{alias: alias, source: source, dest: dest}, nil
}

// nextIndexName returns <alias>_<n+1> for an index named <alias>_<n>, and
// <alias>_1 for anything else.
func nextIndexName(alias, index string) string {
	n := 0
	if suffix := strings.TrimPrefix(index, alias+"_"); suffix != index {
		if parsed, err := strconv.Atoi(suffix); err == nil && parsed > 0 {
			n = parsed
		}
	}
	return fmt.Sprintf("%s_%d", alias, n+1)
}

// maxIndexNameAttempts bounds the search for a free <alias>_<n>.
const maxIndexNameAttempts = 100

// Plan reads the store and decides what Migrate would do right now.
func (m *IndexMigrator) Plan(ctx context.Context) (Decision, error) {
	upToDate, err := m.opts.Gateway.MigrationsUpToDate(ctx, m.opts.Alias, m.opts.DocumentMigrator.MigrationVersion())
	if err != nil {
		return Decision{}, err
	}
	live, err := m.opts.Gateway.FetchInfo(ctx, m.opts.Alias)
	if err != nil {
		return Decision{}, err
	}
	return Plan(PlanInput{
		MigrationsUpToDate: upToDate,
		AliasBound:         live.Exists && live.HasAlias(m.opts.Alias),
		LiveMappings:       live.Mappings,
		DesiredMappings:    m.opts.Mappings,
	}), nil
}

// FetchMigrationStatus reports whether the index needs any work.
func (m *IndexMigrator) FetchMigrationStatus(ctx context.Context) (IndexStatus, error) {
	decision, err := m.Plan(ctx)
	if err != nil {
		return "", err
	}
	if decision.Action == ActionNone {
		return IndexUpToDate, nil
	}
	return IndexOutdated, nil
}

// Migrate brings the index up to date, or waits for another process that
// is already doing so.
func (m *IndexMigrator) Migrate(ctx context.Context) (MigrationResult, error) {
	start := time.Now()
	result, err := Coordinate(ctx, CoordinateOptions{
		Index: m.opts.Alias,
		IsMigrated: func(ctx context.Context) (bool, error) {
			decision, err := m.Plan(ctx)
			return decision.Action == ActionNone, err
		},
		RunMigration: m.runMigration,
		PollInterval: m.opts.Config.PollInterval,
		MaxWait:      m.opts.Config.MaxWait,
		Lease:        m.opts.Lease,
		Logger:       m.log,
		Metrics:      m.metrics,
	})
	m.metrics.Timing(MetricMigrationDuration, time.Since(start), "index", m.opts.Alias)
	if err != nil {
		m.metrics.Increment(MetricMigrationFailures, "index", m.opts.Alias)
		return MigrationResult{}, err
	}
	m.metrics.Increment(MetricMigrationRuns, "index", m.opts.Alias, "status", string(result.Status))
	return result, nil
}

// runMigration plans again because the store may have changed while this
// process was deciding or waiting, and once more each time another process
// moves the alias first.
func (m *IndexMigrator) runMigration(ctx context.Context) (MigrationResult, error) {
	for {
		result, err := m.planAndRun(ctx)
		if !errors.Is(err, ErrAliasMoved) {
			return result, err
		}
		m.log.Info(fmt.Sprintf("Alias %s was moved by another instance. Planning again.", m.opts.Alias))
		if ctx.Err() != nil {
			return MigrationResult{}, ctx.Err()
		}
	}
}

func (m *IndexMigrator) planAndRun(ctx context.Context) (MigrationResult, error) {
	// The context is read before the plan, so a plan made after another
	// process finished can only say None.
	mc, err := m.buildContext(ctx)
	if err != nil {
		return MigrationResult{}, err
	}
	decision, err := m.Plan(ctx)
	if err != nil {
		return MigrationResult{}, err
	}

	switch decision.Action {
	case ActionNone:
		return MigrationResult{Status: StatusSkipped}, nil
	case ActionPatch:
		m.log.Info(fmt.Sprintf("Updating mappings of %s.", mc.source.Name), "reason", decision.Reason)
		if err := m.opts.Gateway.PutMappings(ctx, mc.source.Name, m.opts.Mappings); err != nil {
			return MigrationResult{}, err
		}
		return MigrationResult{Status: StatusPatched}, nil
	default:
		m.log.Debug("full migration required", "reason", decision.Reason)
		return m.migrateIndex(ctx, mc)
	}
}

// migrateIndex copies the source into a new index and swaps the alias.
// Destination names already taken, by a crashed run or by a concurrent one,
// are skipped; the alias swap alone decides which copy wins.
func (m *IndexMigrator) migrateIndex(ctx context.Context, mc migrationContext) (MigrationResult, error) {
	start := time.Now()

	if mc.source.Exists && !mc.source.HasAlias(mc.alias) {
		converted, err := m.convertToAlias(ctx, mc.source)
		if err != nil {
			return MigrationResult{}, err
		}
		mc.source = converted
		mc.dest.Name = nextIndexName(mc.alias, converted.Name)
	}

	dest, err := m.createDest(ctx, mc.dest)
	if err != nil {
		return MigrationResult{}, err
	}
	mc.dest.Name = dest

	if err := m.migrateSourceToDest(ctx, mc); err != nil {
		return MigrationResult{}, err
	}

	if err := m.claimAlias(ctx, mc); err != nil {
		return MigrationResult{}, err
	}

	elapsed := time.Since(start).Milliseconds()
	m.log.Info(fmt.Sprintf("Finished in %dms.", elapsed))
	return MigrationResult{
		Status:      StatusMigrated,
		SourceIndex: mc.source.Name,
		DestIndex:   mc.dest.Name,
		ElapsedMs:   elapsed,
	}, nil
}

// createDest creates the first free index from dest.Name onwards and
// returns its name.
func (m *IndexMigrator) createDest(ctx context.Context, dest IndexInfo) (string, error) {
	name := dest.Name
	for attempt := 1; ; attempt++ {
		m.log.Info(fmt.Sprintf("Creating index %s.", name))
		err := m.opts.Gateway.CreateIndex(ctx, name, dest.Mappings)
		if !IsIndexExists(err) || attempt == maxIndexNameAttempts {
			return name, err
		}
		next := nextIndexName(m.opts.Alias, name)
		m.log.Warn(fmt.Sprintf("Index %s already exists, left by an earlier or concurrent migration. Trying %s.", name, next))
		name = next
	}
}

// convertToAlias copies a pre-alias install into the first free
// <alias>_<n> and points the alias at the copy.
func (m *IndexMigrator) convertToAlias(ctx context.Context, source IndexInfo) (IndexInfo, error) {
	for attempt := 1; ; attempt++ {
		m.log.Info(fmt.Sprintf("Reindexing %s to %s", m.opts.Alias, source.Name))
		err := m.opts.Gateway.ConvertToAlias(ctx, source, m.opts.Alias, m.opts.Config.BatchSize)
		if err == nil {
			source.Aliases = []string{m.opts.Alias}
			return source, nil
		}
		if !IsIndexExists(err) || attempt == maxIndexNameAttempts {
			return IndexInfo{}, m.aliasMovedOr(ctx, err)
		}
		next := nextIndexName(m.opts.Alias, source.Name)
		m.log.Warn(fmt.Sprintf("Index %s already exists. Trying %s.", source.Name, next))
		source.Name = next
	}
}

// aliasMovedOr reports ErrAliasMoved when err came from losing a race for
// the alias: another process converted the original index first.
func (m *IndexMigrator) aliasMovedOr(ctx context.Context, err error) error {
	if errors.Is(err, ErrAliasMoved) {
		return err
	}
	live, fetchErr := m.opts.Gateway.FetchInfo(ctx, m.opts.Alias)
	if fetchErr == nil && live.Exists && live.HasAlias(m.opts.Alias) {
		return WithContext(ErrAliasMoved, map[string]interface{}{"alias": m.opts.Alias, "error": err.Error()})
	}
	return err
}

// claimAlias points the alias at dest only while it still resolves to the
// index this process copied from. A fresh install requires the alias to be
// unbound.
func (m *IndexMigrator) claimAlias(ctx context.Context, mc migrationContext) error {
	m.log.Info(fmt.Sprintf("Pointing alias %s to %s.", mc.alias, mc.dest.Name))
	if mc.source.Exists {
		return m.opts.Gateway.ClaimAlias(ctx, mc.dest.Name, mc.alias,
			AliasAction{Type: AliasRemove, Index: mc.source.Name, Alias: mc.alias})
	}

	// Neither store has an atomic "alias absent" precondition. Two fresh
	// installs that both pass this check each claim, and the last one wins.
	live, err := m.opts.Gateway.FetchInfo(ctx, mc.alias)
	if err != nil {
		return err
	}
	if live.Exists {
		return WithContext(ErrAliasMoved, map[string]interface{}{"alias": mc.alias, "actual": live.Name})
	}
	return m.opts.Gateway.ClaimAlias(ctx, mc.dest.Name, mc.alias)
}

// migrateSourceToDest copies every document of the concrete source index
// through the document migrator, one batch at a time.
func (m *IndexMigrator) migrateSourceToDest(ctx context.Context, mc migrationContext) error {
	if !mc.source.Exists {
		return nil
	}

	reader, err := m.opts.Gateway.Reader(ctx, mc.source.Name, ReaderOptions{
		BatchSize:      m.opts.Config.BatchSize,
		ScrollDuration: m.opts.Config.ScrollDuration,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := reader.Close(ctx); err != nil {
			m.log.Warn("failed to close reader", "index", mc.source.Name, "error", err)
		}
	}()

	m.log.Info(fmt.Sprintf("Migrating %s saved objects to %s", mc.source.Name, mc.dest.Name))
	for {
		batchStart := time.Now()
		docs, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}

		ids := make([]string, len(docs))
		for i, doc := range docs {
			ids[i] = doc.ID
		}
		m.log.Debug("Migrating saved objects", "ids", ids)

		migrated, err := m.migrateRawDocs(docs)
		if err != nil {
			return err
		}
		if err := m.opts.Gateway.Write(ctx, mc.dest.Name, migrated); err != nil {
			return err
		}

		m.metrics.Histogram(MetricBatchDocuments, float64(len(docs)), "index", mc.alias)
		m.metrics.Timing(MetricBatchDuration, time.Since(batchStart), "index", mc.alias)
		for range migrated {
			m.metrics.Increment(MetricDocumentsMigrated, "index", mc.alias)
		}
	}
}

// migrateRawDocs upgrades every saved object in docs. Documents that are
// not saved objects are copied as they are.
func (m *IndexMigrator) migrateRawDocs(docs []RawDoc) ([]RawDoc, error) {
	out := make([]RawDoc, 0, len(docs))
	for _, raw := range docs {
		if !m.opts.Serializer.IsRawSavedObject(raw) {
			m.log.Error("Unable to migrate the corrupt saved object document, copying it unchanged", "id", raw.ID)
			m.metrics.Increment(MetricCorruptDocuments, "index", m.opts.Alias)
			out = append(out, RawDoc{ID: raw.ID, Source: raw.Source})
			continue
		}

		obj, err := m.opts.Serializer.RawToSavedObject(raw)
		if err != nil {
			return nil, err
		}
		upgraded, err := m.opts.DocumentMigrator.Migrate(obj)
		if err != nil {
			return nil, err
		}
		upgraded.Version = ""
		doc, err := m.opts.Serializer.SavedObjectToRaw(upgraded)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, nil
}
