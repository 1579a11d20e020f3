package savedobjects

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Object layout of a BackendGateway:
//
//	_aliases.json                     {"aliases": {"<alias>": "<index>"}}
//	indices/<index>/_index.json       {"name": "<index>", "mappings": {...}}
//	indices/<index>/docs/<id>.json    {"_id": "<id>", "_source": {...}}
//
// The marker object is created with PutIfAbsent, so index creation is
// exclusive. The alias table is only rewritten with compare-and-swap, so an
// alias swap is a single atomic write.
const (
	aliasTableKey = "_aliases.json"
	indicesPrefix = "indices/"
)

type aliasTable struct {
	Aliases map[string]string `json:"aliases"`
}

type indexMarker struct {
	Name     string   `json:"name"`
	Mappings Mappings `json:"mappings"`
	Created  string   `json:"created"`
}

// BackendGateway implements Gateway on top of any object store Backend.
type BackendGateway struct {
	backend     Backend
	logger      Logger
	metrics     Metrics
	retry       RetryConfig
	concurrency int
}

// NewBackendGateway creates a gateway with no-op logger and metrics.
func NewBackendGateway(backend Backend) *BackendGateway {
	return &BackendGateway{
		backend:     backend,
		logger:      &NoOpLogger{},
		metrics:     &NoOpMetrics{},
		retry:       DefaultRetryConfig(),
		concurrency: DefaultBulkConcurrency,
	}
}

// NewBackendGatewayWithObservability creates a gateway with logging and metrics.
func NewBackendGatewayWithObservability(backend Backend, logger Logger, metrics Metrics) *BackendGateway {
	g := NewBackendGateway(backend)
	g.SetLogger(logger)
	g.SetMetrics(metrics)
	return g
}

func (g *BackendGateway) SetLogger(logger Logger) {
	if logger != nil {
		g.logger = logger
	}
}

func (g *BackendGateway) SetMetrics(metrics Metrics) {
	if metrics != nil {
		g.metrics = metrics
	}
}

// WithRetryConfig sets the backoff used when the alias table or an index
// marker is modified concurrently.
func (g *BackendGateway) WithRetryConfig(cfg RetryConfig) *BackendGateway {
	g.retry = cfg
	return g
}

// WithConcurrency bounds the number of parallel object reads and writes.
func (g *BackendGateway) WithConcurrency(n int) *BackendGateway {
	if n > 0 {
		g.concurrency = n
	}
	return g
}

// Backend returns the underlying backend.
func (g *BackendGateway) Backend() Backend {
	return g.backend
}

func markerKey(index string) string {
	return indicesPrefix + index + "/_index.json"
}

func docsPrefix(index string) string {
	return indicesPrefix + index + "/docs/"
}

func docKey(index, id string) string {
	return docsPrefix(index) + url.PathEscape(id) + ".json"
}

func (g *BackendGateway) loadAliases(ctx context.Context) (aliasTable, string, error) {
	table := aliasTable{Aliases: map[string]string{}}
	data, etag, err := g.backend.GetWithETag(ctx, aliasTableKey)
	if IsNotFound(err) {
		return table, "", nil
	}
	if err != nil {
		return table, "", err
	}
	if err := json.Unmarshal(data, &table); err != nil {
		return table, "", WithContext(ErrInvalidData, map[string]interface{}{"key": aliasTableKey, "error": err.Error()})
	}
	if table.Aliases == nil {
		table.Aliases = map[string]string{}
	}
	return table, etag, nil
}

func (g *BackendGateway) loadMarker(ctx context.Context, index string) (indexMarker, string, error) {
	var marker indexMarker
	data, etag, err := g.backend.GetWithETag(ctx, markerKey(index))
	if err != nil {
		return marker, "", err
	}
	if err := json.Unmarshal(data, &marker); err != nil {
		return marker, "", WithContext(ErrInvalidData, map[string]interface{}{"key": markerKey(index), "error": err.Error()})
	}
	return marker, etag, nil
}

// resolve returns the concrete index behind name.
func (g *BackendGateway) resolve(ctx context.Context, name string) (string, aliasTable, error) {
	table, _, err := g.loadAliases(ctx)
	if err != nil {
		return "", table, err
	}
	if index, ok := table.Aliases[name]; ok {
		return index, table, nil
	}
	return name, table, nil
}

func (g *BackendGateway) FetchInfo(ctx context.Context, name string) (IndexInfo, error) {
	index, table, err := g.resolve(ctx, name)
	if err != nil {
		return IndexInfo{}, err
	}

	marker, _, err := g.loadMarker(ctx, index)
	if IsNotFound(err) {
		return IndexInfo{Name: name, Exists: false, Mappings: emptyMappings()}, nil
	}
	if err != nil {
		return IndexInfo{}, err
	}
	if marker.Mappings.Properties == nil {
		return IndexInfo{}, WithContext(ErrUnsupportedIndex, map[string]interface{}{
			"index":  index,
			"reason": "index has no mapping properties",
		})
	}

	info := IndexInfo{Name: index, Exists: true, Mappings: marker.Mappings}
	for alias, target := range table.Aliases {
		if target == index {
			info.Aliases = append(info.Aliases, alias)
		}
	}
	sort.Strings(info.Aliases)
	return info, nil
}

func (g *BackendGateway) CreateIndex(ctx context.Context, index string, mappings Mappings) error {
	table, _, err := g.loadAliases(ctx)
	if err != nil {
		return err
	}
	if _, isAlias := table.Aliases[index]; isAlias {
		return WithContext(ErrIndexExists, map[string]interface{}{"index": index, "reason": "name is an alias"})
	}

	data, err := json.Marshal(indexMarker{
		Name:     index,
		Mappings: mappings,
		Created:  time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	if _, err := g.backend.PutIfAbsent(ctx, markerKey(index), data); err != nil {
		if IsConflict(err) {
			return WithContext(ErrIndexExists, map[string]interface{}{"index": index})
		}
		return err
	}
	return nil
}

func (g *BackendGateway) PutMappings(ctx context.Context, index string, mappings Mappings) error {
	return g.casUpdate(ctx, markerKey(index), func(data []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"index": index})
		}
		var marker indexMarker
		if err := json.Unmarshal(data, &marker); err != nil {
			return nil, WithContext(ErrInvalidData, map[string]interface{}{"index": index, "error": err.Error()})
		}
		marker.Mappings = mergeMappings(marker.Mappings, mappings)
		return json.Marshal(marker)
	})
}

// casUpdate rewrites key with compare-and-swap, retrying with backoff
// when another writer got there first.
func (g *BackendGateway) casUpdate(ctx context.Context, key string, mutate func(data []byte, exists bool) ([]byte, error)) error {
	for attempt := 0; attempt <= g.retry.MaxRetries; attempt++ {
		data, etag, err := g.backend.GetWithETag(ctx, key)
		exists := true
		if IsNotFound(err) {
			exists, data = false, nil
		} else if err != nil {
			return err
		}

		updated, err := mutate(data, exists)
		if err != nil {
			return err
		}

		if exists {
			_, err = g.backend.PutIfMatch(ctx, key, updated, etag)
		} else {
			_, err = g.backend.PutIfAbsent(ctx, key, updated)
		}
		if err == nil {
			return nil
		}
		if !IsConflict(err) {
			return err
		}

		g.metrics.Increment(MetricCatalogConflicts)
		g.logger.Debug("concurrent update, retrying", "key", key, "attempt", attempt+1)
		if attempt == g.retry.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(g.retry.Backoff(attempt)):
		}
	}

	err := WithContext(ErrConflict, map[string]interface{}{
		"key":     key,
		"retries": g.retry.MaxRetries,
	})
	g.logger.Error("update failed after retries", "key", key, "retries", g.retry.MaxRetries, "error", err)
	return err
}

func (g *BackendGateway) Reader(ctx context.Context, index string, opts ReaderOptions) (DocReader, error) {
	if _, _, err := g.loadMarker(ctx, index); err != nil {
		if IsNotFound(err) {
			return nil, WithContext(ErrNotFound, map[string]interface{}{"index": index})
		}
		return nil, err
	}

	keys, err := g.backend.List(ctx, docsPrefix(index))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &backendReader{gateway: g, keys: keys, batchSize: batchSize}, nil
}

// backendReader pages through a snapshot of the index's keys taken when
// the reader was opened. Documents deleted since are skipped.
type backendReader struct {
	gateway   *BackendGateway
	keys      []string
	pos       int
	batchSize int
}

func (r *backendReader) Next(ctx context.Context) ([]RawDoc, error) {
	for r.pos < len(r.keys) {
		end := r.pos + r.batchSize
		if end > len(r.keys) {
			end = len(r.keys)
		}
		page := r.keys[r.pos:end]
		r.pos = end

		docs, err := r.gateway.fetchDocs(ctx, page)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return docs, nil
		}
	}
	return nil, nil
}

func (r *backendReader) Close(ctx context.Context) error {
	r.keys = nil
	return nil
}

// fetchDocs reads keys in parallel and returns the documents in key order.
func (g *BackendGateway) fetchDocs(ctx context.Context, keys []string) ([]RawDoc, error) {
	slots := make([]*RawDoc, len(keys))

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for i, key := range keys {
		i, key := i, key
		eg.Go(func() error {
			data, err := g.backend.Get(egCtx, key)
			if IsNotFound(err) {
				return nil
			}
			if err != nil {
				return err
			}
			var doc RawDoc
			if err := json.Unmarshal(data, &doc); err != nil {
				return WithContext(ErrInvalidData, map[string]interface{}{"key": key, "error": err.Error()})
			}
			slots[i] = &doc
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}

	docs := make([]RawDoc, 0, len(keys))
	for _, doc := range slots {
		if doc != nil {
			docs = append(docs, *doc)
		}
	}
	return docs, nil
}

func (g *BackendGateway) Write(ctx context.Context, index string, docs []RawDoc) error {
	if len(docs) == 0 {
		return nil
	}
	if _, _, err := g.loadMarker(ctx, index); err != nil {
		if IsNotFound(err) {
			return WithContext(ErrBulkWrite, map[string]interface{}{"index": index, "reason": "index does not exist"})
		}
		return err
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(g.concurrency)
	for _, doc := range docs {
		doc := doc
		eg.Go(func() error {
			if doc.ID == "" {
				return WithContext(ErrBulkWrite, map[string]interface{}{"index": index, "reason": "document has no id"})
			}
			data, err := json.Marshal(RawDoc{ID: doc.ID, Source: doc.Source})
			if err != nil {
				return WithContext(ErrBulkWrite, map[string]interface{}{"index": index, "id": doc.ID, "error": err.Error()})
			}
			if err := g.backend.Put(egCtx, docKey(index, doc.ID), data); err != nil {
				return WithContext(ErrBulkWrite, map[string]interface{}{"index": index, "id": doc.ID, "error": err.Error()})
			}
			return nil
		})
	}
	return eg.Wait()
}

func (g *BackendGateway) ClaimAlias(ctx context.Context, index, alias string, extra ...AliasAction) error {
	if _, _, err := g.loadMarker(ctx, index); err != nil {
		if IsNotFound(err) {
			return WithContext(ErrNotFound, map[string]interface{}{"index": index})
		}
		return err
	}

	var dropped []string
	err := g.casUpdate(ctx, aliasTableKey, func(data []byte, exists bool) ([]byte, error) {
		table := aliasTable{Aliases: map[string]string{}}
		if exists {
			if err := json.Unmarshal(data, &table); err != nil {
				return nil, WithContext(ErrInvalidData, map[string]interface{}{"key": aliasTableKey, "error": err.Error()})
			}
			if table.Aliases == nil {
				table.Aliases = map[string]string{}
			}
		}

		dropped = dropped[:0]
		for _, action := range extra {
			switch action.Type {
			case AliasAdd:
				table.Aliases[action.Alias] = action.Index
			case AliasRemove:
				if current := table.Aliases[action.Alias]; current != action.Index {
					return nil, WithContext(ErrAliasMoved, map[string]interface{}{
						"alias":    action.Alias,
						"expected": action.Index,
						"actual":   current,
					})
				}
				delete(table.Aliases, action.Alias)
			case AliasRemoveIndex:
				if target, isAlias := table.Aliases[action.Index]; isAlias {
					return nil, WithContext(ErrAliasMoved, map[string]interface{}{
						"alias":  action.Index,
						"actual": target,
					})
				}
				dropped = append(dropped, action.Index)
				for a, target := range table.Aliases {
					if target == action.Index {
						delete(table.Aliases, a)
					}
				}
			default:
				return nil, WithContext(ErrInvalidData, map[string]interface{}{"action": string(action.Type)})
			}
		}
		table.Aliases[alias] = index
		return json.Marshal(table)
	})
	if err != nil {
		return err
	}

	for _, name := range dropped {
		if err := g.deleteIndex(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// deleteIndex removes the marker first so the index disappears before its
// documents do.
func (g *BackendGateway) deleteIndex(ctx context.Context, index string) error {
	if err := g.backend.Delete(ctx, markerKey(index)); err != nil && !IsNotFound(err) {
		return err
	}
	return g.backend.ListPaginated(ctx, docsPrefix(index), func(keys []string) error {
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(g.concurrency)
		for _, key := range keys {
			key := key
			eg.Go(func() error {
				if err := g.backend.Delete(egCtx, key); err != nil && !IsNotFound(err) {
					return err
				}
				return nil
			})
		}
		return eg.Wait()
	})
}

// ConvertToAlias copies the concrete index named alias into info.Name and
// then, in one alias update, points alias at the copy and drops the
// original.
func (g *BackendGateway) ConvertToAlias(ctx context.Context, info IndexInfo, alias string, batchSize int) error {
	if err := g.CreateIndex(ctx, info.Name, info.Mappings); err != nil {
		return err
	}
	if err := g.copyIndex(ctx, alias, info.Name, batchSize); err != nil {
		return err
	}
	return g.ClaimAlias(ctx, info.Name, alias, AliasAction{Type: AliasRemoveIndex, Index: alias})
}

func (g *BackendGateway) copyIndex(ctx context.Context, from, to string, batchSize int) error {
	reader, err := g.Reader(ctx, from, ReaderOptions{BatchSize: batchSize})
	if err != nil {
		return err
	}
	defer reader.Close(ctx)

	for {
		docs, err := reader.Next(ctx)
		if err != nil {
			return err
		}
		if len(docs) == 0 {
			return nil
		}
		if err := g.Write(ctx, to, docs); err != nil {
			return err
		}
	}
}

func (g *BackendGateway) MigrationsUpToDate(ctx context.Context, index string, versions map[string]string) (bool, error) {
	info, err := g.FetchInfo(ctx, index)
	if err != nil {
		return false, err
	}
	if !info.Exists {
		return false, nil
	}
	if _, ok := info.Mappings.Properties[rootMigrationVersion]; !ok {
		return false, nil
	}
	if len(versions) == 0 {
		return true, nil
	}

	reader, err := g.Reader(ctx, info.Name, ReaderOptions{BatchSize: DefaultListPaginatedSize})
	if err != nil {
		return false, err
	}
	defer reader.Close(ctx)

	for {
		docs, err := reader.Next(ctx)
		if err != nil {
			return false, err
		}
		if len(docs) == 0 {
			return true, nil
		}
		for _, doc := range docs {
			if isOutdated(doc, versions) {
				return false, nil
			}
		}
	}
}

// isOutdated mirrors the outdated-documents query: a document of a
// versioned type whose recorded version is not the latest.
func isOutdated(doc RawDoc, versions map[string]string) bool {
	typ, _ := doc.Source[rootType].(string)
	latest, ok := versions[typ]
	if !ok {
		return false
	}
	if _, hasAttrs := doc.Source[typ]; !hasAttrs {
		return false
	}
	mv, _ := doc.Source[rootMigrationVersion].(map[string]interface{})
	recorded, _ := mv[typ].(string)
	return recorded != latest
}

func (g *BackendGateway) Count(ctx context.Context, index string) (int, error) {
	concrete, _, err := g.resolve(ctx, index)
	if err != nil {
		return 0, err
	}
	if _, _, err := g.loadMarker(ctx, concrete); err != nil {
		if IsNotFound(err) {
			return 0, WithContext(ErrNotFound, map[string]interface{}{"index": index})
		}
		return 0, err
	}
	keys, err := g.backend.List(ctx, docsPrefix(concrete))
	if err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Get returns a single document, resolving aliases.
func (g *BackendGateway) Get(ctx context.Context, index, id string) (RawDoc, error) {
	concrete, _, err := g.resolve(ctx, index)
	if err != nil {
		return RawDoc{}, err
	}
	data, err := g.backend.Get(ctx, docKey(concrete, id))
	if err != nil {
		return RawDoc{}, err
	}
	var doc RawDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return RawDoc{}, WithContext(ErrInvalidData, map[string]interface{}{"id": id, "error": err.Error()})
	}
	return doc, nil
}

// Indices lists every concrete index in the store.
func (g *BackendGateway) Indices(ctx context.Context) ([]string, error) {
	keys, err := g.backend.List(ctx, indicesPrefix)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, key := range keys {
		if rest, ok := strings.CutSuffix(strings.TrimPrefix(key, indicesPrefix), "/_index.json"); ok && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (g *BackendGateway) String() string {
	return fmt.Sprintf("BackendGateway(%T)", g.backend)
}
