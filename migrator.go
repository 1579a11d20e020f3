package savedobjects

import (
	"context"
	"sort"
	"sync"
)

// MigratorOptions configures a Migrator.
type MigratorOptions struct {
	Config   MigrationConfig
	Registry *TypeRegistry
	Gateway  Gateway
	Lease    Lease
	Logger   Logger
	Metrics  Metrics
}

// IndexResult is the outcome of migrating one alias.
type IndexResult struct {
	Index string `json:"index"`
	MigrationResult
}

// Migrator migrates every saved objects index of the application: the
// default alias plus any alias a type asks to be stored under.
type Migrator struct {
	config     MigrationConfig
	registry   *TypeRegistry
	gateway    Gateway
	lease      Lease
	logger     Logger
	metrics    Metrics
	serializer *Serializer
	documents  *DocumentMigrator

	once    sync.Once
	results []IndexResult
	err     error
}

// NewMigrator validates the configuration and resolves every registered
// transform. Configuration errors surface here, before the store is touched.
func NewMigrator(opts MigratorOptions) (*Migrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Gateway == nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"field": "Gateway", "reason": "gateway is required"})
	}
	if opts.Registry == nil {
		opts.Registry = NewTypeRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = &NoOpMetrics{}
	}

	documents, err := NewDocumentMigrator(opts.Registry)
	if err != nil {
		return nil, err
	}
	m := &Migrator{
		config:     opts.Config,
		registry:   opts.Registry,
		gateway:    opts.Gateway,
		lease:      opts.Lease,
		logger:     opts.Logger,
		metrics:    opts.Metrics,
		serializer: NewSerializer(opts.Registry),
		documents:  documents,
	}
	for _, index := range m.Indices() {
		if err := m.ActiveMappingsFor(index).Validate(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Indices returns every alias the registered types live under, sorted.
func (m *Migrator) Indices() []string {
	seen := map[string]bool{m.config.Index: true}
	for _, t := range m.registry.Types() {
		seen[m.registry.IndexFor(t.Name, m.config.Index)] = true
	}
	out := make([]string, 0, len(seen))
	for index := range seen {
		out = append(out, index)
	}
	sort.Strings(out)
	return out
}

func (m *Migrator) typesFor(index string) []TypeDefinition {
	var out []TypeDefinition
	for _, t := range m.registry.Types() {
		if m.registry.IndexFor(t.Name, m.config.Index) == index {
			out = append(out, t)
		}
	}
	return out
}

// ActiveMappings returns the mappings of the default index.
func (m *Migrator) ActiveMappings() Mappings {
	return m.ActiveMappingsFor(m.config.Index)
}

// ActiveMappingsFor returns the mappings of the types stored under index.
func (m *Migrator) ActiveMappingsFor(index string) Mappings {
	return BuildActiveMappings(m.typesFor(index))
}

// IndexMigrator builds the migrator of a single alias.
func (m *Migrator) IndexMigrator(index string) (*IndexMigrator, error) {
	return NewIndexMigrator(IndexMigratorOptions{
		Alias:            index,
		Gateway:          m.gateway,
		Serializer:       m.serializer,
		DocumentMigrator: m.documents,
		Mappings:         m.ActiveMappingsFor(index),
		Config:           m.config,
		Lease:            m.lease,
		Logger:           m.logger,
		Metrics:          m.metrics,
	})
}

// RunMigrations migrates every index, one after another. Only the first
// call does any work; later calls return its outcome.
func (m *Migrator) RunMigrations(ctx context.Context) ([]IndexResult, error) {
	m.once.Do(func() {
		m.results, m.err = m.runMigrations(ctx)
	})
	return m.results, m.err
}

func (m *Migrator) runMigrations(ctx context.Context) ([]IndexResult, error) {
	indices := m.Indices()
	results := make([]IndexResult, 0, len(indices))

	if m.config.Skip {
		m.logger.Warn("Skipping saved object migrations on startup. Note: Individual documents will still be migrated when read or written.")
		for _, index := range indices {
			results = append(results, IndexResult{Index: index, MigrationResult: MigrationResult{Status: StatusSkipped}})
		}
		return results, nil
	}

	for _, index := range indices {
		im, err := m.IndexMigrator(index)
		if err != nil {
			return results, err
		}
		result, err := im.Migrate(ctx)
		if err != nil {
			m.logger.Error("saved object migration failed", "index", index, "error", err)
			return results, err
		}
		results = append(results, IndexResult{Index: index, MigrationResult: result})
	}
	return results, nil
}

// FetchMigrationStatus reports the state of every index without changing
// anything.
func (m *Migrator) FetchMigrationStatus(ctx context.Context) (map[string]IndexStatus, error) {
	out := make(map[string]IndexStatus)
	for _, index := range m.Indices() {
		im, err := m.IndexMigrator(index)
		if err != nil {
			return nil, err
		}
		status, err := im.FetchMigrationStatus(ctx)
		if err != nil {
			return nil, err
		}
		out[index] = status
	}
	return out, nil
}

// MigrateDocument upgrades a single document, e.g. one being imported
// after startup.
func (m *Migrator) MigrateDocument(doc *SavedObject) (*SavedObject, error) {
	return m.documents.Migrate(doc)
}

func (m *Migrator) Serializer() *Serializer {
	return m.serializer
}

// MigrationVersion returns the latest version of every type with
// transforms.
func (m *Migrator) MigrationVersion() map[string]string {
	return m.documents.MigrationVersion()
}
