package savedobjects

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
)

const (
	defaultTaskPollInterval = 250 * time.Millisecond
	unavailableRetries      = 10
)

var errTaskRunning = errors.New("reindex task still running")

// ElasticsearchGateway implements Gateway against an Elasticsearch 7 cluster.
type ElasticsearchGateway struct {
	transport        esapi.Transport
	logger           Logger
	taskPollInterval time.Duration
	retryInterval    time.Duration
}

// NewElasticsearchGateway wraps an existing client or any other esapi
// transport.
func NewElasticsearchGateway(transport esapi.Transport) *ElasticsearchGateway {
	return &ElasticsearchGateway{
		transport:        transport,
		logger:           &NoOpLogger{},
		taskPollInterval: defaultTaskPollInterval,
		retryInterval:    time.Second,
	}
}

// NewElasticsearchGatewayFromConfig builds the client as well.
func NewElasticsearchGatewayFromConfig(cfg elasticsearch.Config) (*ElasticsearchGateway, error) {
	client, err := elasticsearch.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create elasticsearch client: %w", err)
	}
	return NewElasticsearchGateway(client), nil
}

func (g *ElasticsearchGateway) SetLogger(logger Logger) {
	if logger != nil {
		g.logger = logger
	}
}

// WithPollIntervals sets how often reindex tasks are polled and how long to
// wait before retrying an unavailable cluster.
func (g *ElasticsearchGateway) WithPollIntervals(task, retry time.Duration) *ElasticsearchGateway {
	g.taskPollInterval = task
	g.retryInterval = retry
	return g
}

type esErrorBody struct {
	Error json.RawMessage `json:"error"`
}

type esErrorCause struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// responseError turns an error response into one of the package's
// sentinel errors, carrying the cluster's reason as context.
func responseError(res *esapi.Response, op string) error {
	if !res.IsError() {
		return nil
	}
	body, _ := io.ReadAll(res.Body)

	var cause esErrorCause
	var parsed esErrorBody
	if err := json.Unmarshal(body, &parsed); err == nil && len(parsed.Error) > 0 {
		if json.Unmarshal(parsed.Error, &cause) != nil {
			var reason string
			_ = json.Unmarshal(parsed.Error, &reason)
			cause.Reason = reason
		}
	}
	if cause.Reason == "" {
		cause.Reason = strings.TrimSpace(string(body))
	}

	ctx := map[string]interface{}{
		"operation": op,
		"status":    res.StatusCode,
		"type":      cause.Type,
		"reason":    cause.Reason,
	}
	switch {
	case cause.Type == "resource_already_exists_exception":
		return WithContext(ErrIndexExists, ctx)
	case res.StatusCode == http.StatusNotFound:
		return WithContext(ErrNotFound, ctx)
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return WithContext(ErrUnauthorized, ctx)
	case res.StatusCode == http.StatusConflict:
		return WithContext(ErrConflict, ctx)
	case res.StatusCode == http.StatusServiceUnavailable ||
		res.StatusCode == http.StatusTooManyRequests ||
		res.StatusCode == http.StatusBadGateway:
		return WithContext(ErrBackendUnavailable, ctx)
	default:
		return fmt.Errorf("%s: [%d] %s: %s", op, res.StatusCode, cause.Type, cause.Reason)
	}
}

func (g *ElasticsearchGateway) do(ctx context.Context, req esapi.Request, op string, out interface{}) error {
	res, err := req.Do(ctx, g.transport)
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{"operation": op, "error": err.Error()})
	}
	defer res.Body.Close()

	if err := responseError(res, op); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func jsonBody(v interface{}) (io.Reader, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return &buf, nil
}

type esIndexInfo struct {
	Aliases  map[string]json.RawMessage `json:"aliases"`
	Mappings Mappings                   `json:"mappings"`
}

func (g *ElasticsearchGateway) FetchInfo(ctx context.Context, name string) (IndexInfo, error) {
	var indices map[string]esIndexInfo
	err := g.do(ctx, esapi.IndicesGetRequest{Index: []string{name}}, "fetch_info", &indices)
	if IsNotFound(err) {
		return IndexInfo{Name: name, Exists: false, Mappings: emptyMappings()}, nil
	}
	if err != nil {
		return IndexInfo{}, err
	}
	if len(indices) != 1 {
		return IndexInfo{}, WithContext(ErrUnsupportedIndex, map[string]interface{}{
			"index":  name,
			"reason": fmt.Sprintf("name resolves to %d indices", len(indices)),
		})
	}

	for index, raw := range indices {
		if raw.Mappings.Properties == nil {
			return IndexInfo{}, WithContext(ErrUnsupportedIndex, map[string]interface{}{
				"index":  index,
				"reason": "index has no mapping properties",
			})
		}
		info := IndexInfo{Name: index, Exists: true, Mappings: raw.Mappings}
		for alias := range raw.Aliases {
			info.Aliases = append(info.Aliases, alias)
		}
		sort.Strings(info.Aliases)
		return info, nil
	}
	return IndexInfo{}, nil
}

func indexSettings() map[string]interface{} {
	return map[string]interface{}{
		"number_of_shards":     1,
		"auto_expand_replicas": "0-1",
	}
}

func (g *ElasticsearchGateway) CreateIndex(ctx context.Context, index string, mappings Mappings) error {
	body, err := jsonBody(map[string]interface{}{
		"settings": indexSettings(),
		"mappings": mappings,
	})
	if err != nil {
		return err
	}
	err = g.do(ctx, esapi.IndicesCreateRequest{Index: index, Body: body}, "create_index", nil)
	if IsIndexExists(err) {
		return WithContext(ErrIndexExists, map[string]interface{}{"index": index})
	}
	return err
}

func (g *ElasticsearchGateway) PutMappings(ctx context.Context, index string, mappings Mappings) error {
	body, err := jsonBody(mappings)
	if err != nil {
		return err
	}
	return g.do(ctx, esapi.IndicesPutMappingRequest{Index: []string{index}, Body: body}, "put_mappings", nil)
}

type esHit struct {
	ID          string                 `json:"_id"`
	Source      map[string]interface{} `json:"_source"`
	SeqNo       *int64                 `json:"_seq_no"`
	PrimaryTerm *int64                 `json:"_primary_term"`
}

type esSearchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []esHit `json:"hits"`
	} `json:"hits"`
}

func (g *ElasticsearchGateway) Reader(ctx context.Context, index string, opts ReaderOptions) (DocReader, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ScrollDuration <= 0 {
		opts.ScrollDuration = DefaultScrollDuration
	}
	return &esScrollReader{gateway: g, index: index, opts: opts}, nil
}

// esScrollReader reads an index with a scroll sorted by _doc, the cheapest
// order Elasticsearch can return.
type esScrollReader struct {
	gateway  *ElasticsearchGateway
	index    string
	opts     ReaderOptions
	scrollID string
	done     bool
}

func (r *esScrollReader) Next(ctx context.Context) ([]RawDoc, error) {
	if r.done {
		return nil, nil
	}

	var res esSearchResponse
	if r.scrollID == "" {
		size := r.opts.BatchSize
		seqNo := true
		req := esapi.SearchRequest{
			Index:            []string{r.index},
			Scroll:           r.opts.ScrollDuration,
			Size:             &size,
			Sort:             []string{"_doc"},
			SeqNoPrimaryTerm: &seqNo,
		}
		if err := r.gateway.do(ctx, req, "search", &res); err != nil {
			return nil, err
		}
	} else {
		body, err := jsonBody(map[string]interface{}{
			"scroll":    fmt.Sprintf("%dms", r.opts.ScrollDuration.Milliseconds()),
			"scroll_id": r.scrollID,
		})
		if err != nil {
			return nil, err
		}
		if err := r.gateway.do(ctx, esapi.ScrollRequest{Body: body}, "scroll", &res); err != nil {
			return nil, err
		}
	}
	if res.ScrollID != "" {
		r.scrollID = res.ScrollID
	}

	if len(res.Hits.Hits) == 0 {
		r.done = true
		return nil, nil
	}
	docs := make([]RawDoc, len(res.Hits.Hits))
	for i, hit := range res.Hits.Hits {
		docs[i] = RawDoc{ID: hit.ID, Source: hit.Source, SeqNo: hit.SeqNo, PrimaryTerm: hit.PrimaryTerm}
	}
	return docs, nil
}

func (r *esScrollReader) Close(ctx context.Context) error {
	if r.scrollID == "" {
		return nil
	}
	body, err := jsonBody(map[string]interface{}{"scroll_id": []string{r.scrollID}})
	if err != nil {
		return err
	}
	err = r.gateway.do(ctx, esapi.ClearScrollRequest{Body: body}, "clear_scroll", nil)
	r.scrollID = ""
	if IsNotFound(err) {
		return nil
	}
	return err
}

type bulkResponse struct {
	Errors bool                              `json:"errors"`
	Items  []map[string]bulkResponseItemBody `json:"items"`
}

type bulkResponseItemBody struct {
	ID     string        `json:"_id"`
	Status int           `json:"status"`
	Error  *esErrorCause `json:"error"`
}

func (g *ElasticsearchGateway) Write(ctx context.Context, index string, docs []RawDoc) error {
	if len(docs) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, doc := range docs {
		action := map[string]interface{}{"index": map[string]interface{}{"_index": index, "_id": doc.ID}}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("write: encode: %w", err)
		}
		if err := enc.Encode(doc.Source); err != nil {
			return fmt.Errorf("write: encode: %w", err)
		}
	}

	var parsed bulkResponse
	if err := g.do(ctx, esapi.BulkRequest{Index: index, Body: &buf}, "bulk", &parsed); err != nil {
		return err
	}
	return errorsInBulkResponse(index, parsed)
}

func errorsInBulkResponse(index string, parsed bulkResponse) error {
	if !parsed.Errors {
		return nil
	}
	var failures []string
	for _, item := range parsed.Items {
		for _, body := range item {
			if body.Error != nil {
				failures = append(failures, fmt.Sprintf("%s: %s: %s", body.ID, body.Error.Type, body.Error.Reason))
			}
		}
	}
	return WithContext(ErrBulkWrite, map[string]interface{}{
		"index":    index,
		"failures": strings.Join(failures, ", "),
	})
}

func (g *ElasticsearchGateway) ClaimAlias(ctx context.Context, index, alias string, extra ...AliasAction) error {
	var bound map[string]json.RawMessage
	err := g.do(ctx, esapi.IndicesGetAliasRequest{Name: []string{alias}}, "get_alias", &bound)
	if err != nil && !IsNotFound(err) {
		return err
	}

	actions := make([]map[string]interface{}, 0, len(extra)+len(bound)+1)
	removed := map[string]bool{}
	conditional := false
	for _, a := range extra {
		switch {
		case a.Type == AliasRemove && a.Alias == alias:
			if _, ok := bound[a.Index]; !ok {
				return aliasMoved(alias, a.Index, bound)
			}
			removed[a.Index] = true
		case a.Type == AliasRemoveIndex && a.Index == alias && len(bound) > 0:
			return aliasMoved(alias, a.Index, bound)
		}
		conditional = conditional || a.Type != AliasAdd
		actions = append(actions, aliasActionBody(a))
	}
	for boundIndex := range bound {
		if removed[boundIndex] {
			continue
		}
		actions = append(actions, aliasActionBody(AliasAction{Type: AliasRemove, Index: boundIndex, Alias: alias}))
	}
	actions = append(actions, aliasActionBody(AliasAction{Type: AliasAdd, Index: index, Alias: alias}))

	body, err := jsonBody(map[string]interface{}{"actions": actions})
	if err != nil {
		return err
	}
	// The cluster applies the actions atomically: a remove that no longer
	// matches fails the request with 404.
	if err := g.do(ctx, esapi.IndicesUpdateAliasesRequest{Body: body}, "update_aliases", nil); err != nil {
		if conditional && IsNotFound(err) {
			return WithContext(ErrAliasMoved, map[string]interface{}{"alias": alias, "error": err.Error()})
		}
		return err
	}
	return g.do(ctx, esapi.IndicesRefreshRequest{Index: []string{index}}, "refresh", nil)
}

func aliasMoved(alias, expected string, bound map[string]json.RawMessage) error {
	actual := make([]string, 0, len(bound))
	for index := range bound {
		actual = append(actual, index)
	}
	sort.Strings(actual)
	return WithContext(ErrAliasMoved, map[string]interface{}{
		"alias":    alias,
		"expected": expected,
		"actual":   strings.Join(actual, ","),
	})
}

func aliasActionBody(a AliasAction) map[string]interface{} {
	params := map[string]interface{}{"index": a.Index}
	if a.Type != AliasRemoveIndex {
		params["alias"] = a.Alias
	}
	return map[string]interface{}{string(a.Type): params}
}

// ConvertToAlias reindexes the concrete index named alias into info.Name
// server side, then swaps the alias in and deletes the original in one
// alias update.
func (g *ElasticsearchGateway) ConvertToAlias(ctx context.Context, info IndexInfo, alias string, batchSize int) error {
	if err := g.CreateIndex(ctx, info.Name, info.Mappings); err != nil {
		return err
	}
	if err := g.reindex(ctx, alias, info.Name, batchSize); err != nil {
		return err
	}
	return g.ClaimAlias(ctx, info.Name, alias, AliasAction{Type: AliasRemoveIndex, Index: alias})
}

type esTaskResponse struct {
	Completed bool            `json:"completed"`
	Error     *esErrorCause   `json:"error"`
	Response  *esTaskProgress `json:"response"`
}

type esTaskProgress struct {
	Failures []json.RawMessage `json:"failures"`
}

func (g *ElasticsearchGateway) reindex(ctx context.Context, source, dest string, batchSize int) error {
	body, err := jsonBody(map[string]interface{}{
		"source": map[string]interface{}{"index": source, "size": batchSize},
		"dest":   map[string]interface{}{"index": dest},
	})
	if err != nil {
		return err
	}

	waitForCompletion, refresh := false, true
	var started struct {
		Task string `json:"task"`
	}
	req := esapi.ReindexRequest{Body: body, WaitForCompletion: &waitForCompletion, Refresh: &refresh}
	if err := g.do(ctx, req, "reindex", &started); err != nil {
		return err
	}

	poll := backoff.WithContext(backoff.NewConstantBackOff(g.taskPollInterval), ctx)
	return backoff.Retry(func() error {
		var task esTaskResponse
		if err := g.do(ctx, esapi.TasksGetRequest{TaskID: started.Task}, "get_task", &task); err != nil {
			return backoff.Permanent(err)
		}
		if !task.Completed {
			return errTaskRunning
		}
		if task.Error != nil {
			return backoff.Permanent(fmt.Errorf("reindex %s to %s: %s: %s", source, dest, task.Error.Type, task.Error.Reason))
		}
		if task.Response != nil && len(task.Response.Failures) > 0 {
			return backoff.Permanent(fmt.Errorf("reindex %s to %s: %d documents failed: %s",
				source, dest, len(task.Response.Failures), task.Response.Failures[0]))
		}
		return nil
	}, poll)
}

// MigrationsUpToDate counts documents of a versioned type whose recorded
// version is not the latest. A cluster that is still starting answers
// 503, which is retried a few times.
func (g *ElasticsearchGateway) MigrationsUpToDate(ctx context.Context, index string, versions map[string]string) (bool, error) {
	var upToDate bool
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(g.retryInterval), unavailableRetries), ctx)
	err := backoff.Retry(func() error {
		ok, err := g.migrationsUpToDate(ctx, index, versions)
		if err != nil {
			if errors.Is(err, ErrBackendUnavailable) {
				g.logger.Debug("cluster unavailable, retrying", "index", index, "error", err)
				return err
			}
			return backoff.Permanent(err)
		}
		upToDate = ok
		return nil
	}, policy)
	return upToDate, err
}

func (g *ElasticsearchGateway) migrationsUpToDate(ctx context.Context, index string, versions map[string]string) (bool, error) {
	info, err := g.FetchInfo(ctx, index)
	if err != nil {
		return false, err
	}
	if _, ok := info.Mappings.Properties[rootMigrationVersion]; !ok {
		return false, nil
	}
	if len(versions) == 0 {
		return true, nil
	}

	should := make([]interface{}, 0, len(versions))
	for _, typ := range sortedStringKeys(versions) {
		should = append(should, map[string]interface{}{
			"bool": map[string]interface{}{
				"must": map[string]interface{}{"exists": map[string]interface{}{"field": typ}},
				"must_not": map[string]interface{}{
					"term": map[string]interface{}{rootMigrationVersion + "." + typ: versions[typ]},
				},
			},
		})
	}
	body, err := jsonBody(map[string]interface{}{
		"query": map[string]interface{}{"bool": map[string]interface{}{"should": should}},
	})
	if err != nil {
		return false, err
	}

	var res struct {
		Count int `json:"count"`
	}
	if err := g.do(ctx, esapi.CountRequest{Index: []string{index}, Body: body}, "count_outdated", &res); err != nil {
		return false, err
	}
	return res.Count == 0, nil
}

func (g *ElasticsearchGateway) Count(ctx context.Context, index string) (int, error) {
	var res struct {
		Count int `json:"count"`
	}
	if err := g.do(ctx, esapi.CountRequest{Index: []string{index}}, "count", &res); err != nil {
		return 0, err
	}
	return res.Count, nil
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
