package savedobjects

import (
	"context"
	"time"
)

// IndexInfo describes a concrete index, or the index an alias resolves to.
type IndexInfo struct {
	// Name is the concrete index name. When FetchInfo was given an alias
	// it is the index the alias points at.
	Name     string
	Exists   bool
	Aliases  []string
	Mappings Mappings
}

// HasAlias reports whether alias points at this index.
func (i IndexInfo) HasAlias(alias string) bool {
	for _, a := range i.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// AliasActionType is one of the operations an alias update can carry.
type AliasActionType string

const (
	AliasAdd         AliasActionType = "add"
	AliasRemove      AliasActionType = "remove"
	AliasRemoveIndex AliasActionType = "remove_index"
)

// AliasAction is one step of an atomic alias update. A remove fails the
// whole update with ErrAliasMoved when the alias is not on Index, and a
// remove_index fails it when Index has meanwhile become an alias.
type AliasAction struct {
	Type  AliasActionType
	Index string
	Alias string
}

// ReaderOptions bound a document reader.
type ReaderOptions struct {
	BatchSize      int
	ScrollDuration time.Duration
}

// DocReader pages through every document of an index. Next returns an
// empty batch once the index is exhausted.
type DocReader interface {
	Next(ctx context.Context) ([]RawDoc, error)
	Close(ctx context.Context) error
}

// Gateway is the set of document store operations the migration engine
// needs. Errors are returned as is; the engine never retries them.
type Gateway interface {
	// FetchInfo describes an index or alias. A name that does not exist
	// yields Exists == false and empty strict mappings.
	FetchInfo(ctx context.Context, name string) (IndexInfo, error)

	// CreateIndex fails with ErrIndexExists when the name is taken.
	CreateIndex(ctx context.Context, index string, mappings Mappings) error

	// PutMappings adds fields to an index's mappings and replaces its _meta.
	PutMappings(ctx context.Context, index string, mappings Mappings) error

	Reader(ctx context.Context, index string, opts ReaderOptions) (DocReader, error)

	// Write stores docs in index. Any rejected document fails the call
	// with ErrBulkWrite.
	Write(ctx context.Context, index string, docs []RawDoc) error

	// ClaimAlias points alias at index and nothing else, applying extra
	// actions in the same atomic update. A failed precondition in extra
	// leaves the alias untouched and returns ErrAliasMoved.
	ClaimAlias(ctx context.Context, index, alias string, extra ...AliasAction) error

	// ConvertToAlias turns a concrete index that is named like the alias
	// into an alias over a copy of itself, named info.Name.
	ConvertToAlias(ctx context.Context, info IndexInfo, alias string, batchSize int) error

	// MigrationsUpToDate reports whether no document of a type in versions
	// is below that type's version.
	MigrationsUpToDate(ctx context.Context, index string, versions map[string]string) (bool, error)

	Count(ctx context.Context, index string) (int, error)
}

// InstrumentedGateway records the latency and outcome of every call on
// the wrapped gateway.
type InstrumentedGateway struct {
	gateway Gateway
	metrics Metrics
	name    string
}

// NewInstrumentedGateway wraps g. name tags every metric, e.g.
// "elasticsearch" or "filesystem".
func NewInstrumentedGateway(g Gateway, metrics Metrics, name string) *InstrumentedGateway {
	if metrics == nil {
		metrics = &NoOpMetrics{}
	}
	return &InstrumentedGateway{gateway: g, metrics: metrics, name: name}
}

func (g *InstrumentedGateway) observe(op string, start time.Time, err error) {
	g.metrics.Increment(MetricGatewayOps, "operation", op, "gateway", g.name)
	g.metrics.Timing(MetricGatewayLatency, time.Since(start), "operation", op, "gateway", g.name)
	if err != nil && !IsIndexExists(err) {
		g.metrics.Increment(MetricGatewayErrors, "operation", op, "gateway", g.name)
	}
}

func (g *InstrumentedGateway) FetchInfo(ctx context.Context, name string) (IndexInfo, error) {
	start := time.Now()
	info, err := g.gateway.FetchInfo(ctx, name)
	g.observe("fetch_info", start, err)
	return info, err
}

func (g *InstrumentedGateway) CreateIndex(ctx context.Context, index string, mappings Mappings) error {
	start := time.Now()
	err := g.gateway.CreateIndex(ctx, index, mappings)
	g.observe("create_index", start, err)
	return err
}

func (g *InstrumentedGateway) PutMappings(ctx context.Context, index string, mappings Mappings) error {
	start := time.Now()
	err := g.gateway.PutMappings(ctx, index, mappings)
	g.observe("put_mappings", start, err)
	return err
}

func (g *InstrumentedGateway) Reader(ctx context.Context, index string, opts ReaderOptions) (DocReader, error) {
	start := time.Now()
	r, err := g.gateway.Reader(ctx, index, opts)
	g.observe("open_reader", start, err)
	if err != nil {
		return nil, err
	}
	return &instrumentedReader{reader: r, gateway: g}, nil
}

func (g *InstrumentedGateway) Write(ctx context.Context, index string, docs []RawDoc) error {
	start := time.Now()
	err := g.gateway.Write(ctx, index, docs)
	g.observe("write", start, err)
	return err
}

func (g *InstrumentedGateway) ClaimAlias(ctx context.Context, index, alias string, extra ...AliasAction) error {
	start := time.Now()
	err := g.gateway.ClaimAlias(ctx, index, alias, extra...)
	g.observe("claim_alias", start, err)
	return err
}

func (g *InstrumentedGateway) ConvertToAlias(ctx context.Context, info IndexInfo, alias string, batchSize int) error {
	start := time.Now()
	err := g.gateway.ConvertToAlias(ctx, info, alias, batchSize)
	g.observe("convert_to_alias", start, err)
	return err
}

func (g *InstrumentedGateway) MigrationsUpToDate(ctx context.Context, index string, versions map[string]string) (bool, error) {
	start := time.Now()
	ok, err := g.gateway.MigrationsUpToDate(ctx, index, versions)
	g.observe("migrations_up_to_date", start, err)
	return ok, err
}

func (g *InstrumentedGateway) Count(ctx context.Context, index string) (int, error) {
	start := time.Now()
	n, err := g.gateway.Count(ctx, index)
	g.observe("count", start, err)
	return n, err
}

type instrumentedReader struct {
	reader  DocReader
	gateway *InstrumentedGateway
}

func (r *instrumentedReader) Next(ctx context.Context) ([]RawDoc, error) {
	start := time.Now()
	docs, err := r.reader.Next(ctx)
	r.gateway.observe("read_batch", start, err)
	return docs, err
}

func (r *instrumentedReader) Close(ctx context.Context) error {
	return r.reader.Close(ctx)
}
