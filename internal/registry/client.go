package registry

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultRequestTimeout = 20 * time.Second

// Client is a thread-safe handle to a search endpoint. A single client is
// shared across sweepers; the underlying http.Client pools connections.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	auth       Authenticator
	retry      *RetryPolicy
	timeout    time.Duration
	log        *slog.Logger
}

// ClientOptions configures a Client. Endpoint and Auth are required.
type ClientOptions struct {
	Endpoint  string
	Auth      Authenticator
	VerifyTLS bool
	// Timeout bounds each individual request. Defaults to 20s.
	Timeout time.Duration
	Retry   *RetryPolicy
	Logger  *slog.Logger
}

// NewClient validates opts and returns a connected client. No network
// traffic occurs until the first request; use Ping to verify reachability.
func NewClient(opts ClientOptions) (*Client, error) {
	base, err := url.Parse(opts.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parsing endpoint %q: %w", opts.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("endpoint %q must be of form <scheme>://<host>[:<port>]", opts.Endpoint)
	}
	if opts.Auth == nil {
		return nil, errors.New("an authenticator is required (use NoAuth for unauthenticated clusters)")
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	if !opts.VerifyTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	retry := opts.Retry
	if retry == nil {
		retry = DefaultRetryPolicy()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    base,
		httpClient: &http.Client{Transport: transport},
		auth:       opts.Auth,
		retry:      retry,
		timeout:    timeout,
		log:        logger,
	}, nil
}

// Logger returns the client's logger for use by the scan and bulk engines.
func (c *Client) Logger() *slog.Logger { return c.log }

// Retry returns the client's retry policy.
func (c *Client) Retry() *RetryPolicy { return c.retry }

// do issues one HTTP request and decodes the JSON response into out (when
// non-nil). Errors are classified for the retry policy: 5xx, 429 and network
// failures as TransportError, 401/403 as AuthError, other 4xx as QueryError.
func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, contentType string, body []byte, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(path, "/")
	if query != nil {
		u.RawQuery = query.Encode()
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u.String(), reader)
	if err != nil {
		return fmt.Errorf("%s: building request: %w", op, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if err := c.auth.Apply(req, body); err != nil {
		return fmt.Errorf("%s: applying authentication: %w", op, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			// The caller's context ended; not a transport flake.
			return ctx.Err()
		}
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthError{Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransportError{Op: op, StatusCode: resp.StatusCode}
	case resp.StatusCode >= 400:
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &QueryError{Op: op, StatusCode: resp.StatusCode, Body: string(detail)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", op, err)
	}
	return nil
}

// doJSON marshals payload and issues the request with retries per the
// client policy.
func (c *Client) doJSON(ctx context.Context, op, method, path string, query url.Values, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%s: encoding request: %w", op, err)
		}
	}
	return c.retry.Execute(ctx, c.log, func() error {
		return c.do(ctx, op, method, path, query, "application/json", body, out)
	})
}

// doExists issues a HEAD-style existence check. A 404 is a negative result,
// not an error.
func (c *Client) doExists(ctx context.Context, op, path string) (bool, error) {
	exists := false
	err := c.retry.Execute(ctx, c.log, func() error {
		err := c.do(ctx, op, http.MethodHead, path, nil, "", nil, nil)
		var queryErr *QueryError
		if errors.As(err, &queryErr) && queryErr.StatusCode == http.StatusNotFound {
			exists = false
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// Ping verifies the endpoint is reachable and credentials are accepted.
func (c *Client) Ping(ctx context.Context) error {
	return c.doJSON(ctx, "ping", http.MethodGet, "/", nil, nil, nil)
}

// Hit is a single search result.
type Hit struct {
	ID     string          `json:"_id"`
	Source json.RawMessage `json:"_source"`
	Sort   []any           `json:"sort,omitempty"`
}

// SearchResponse is the decoded body of a _search request.
type SearchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Total struct {
			Value int `json:"value"`
		} `json:"total"`
		Hits []Hit `json:"hits"`
	} `json:"hits"`
	Aggregations map[string]json.RawMessage `json:"aggregations,omitempty"`
}

// SearchBody is the request body of a _search request. Size is always
// emitted: aggregation-only searches legitimately request zero hits.
type SearchBody struct {
	Query       map[string]any   `json:"query,omitempty"`
	Source      *SourceFilter    `json:"_source,omitempty"`
	Size        int              `json:"size"`
	Sort        []map[string]any `json:"sort,omitempty"`
	SearchAfter []any            `json:"search_after,omitempty"`
	Aggs        map[string]any   `json:"aggs,omitempty"`
}

// TermsBuckets decodes a terms aggregation from a search response.
type TermsBuckets struct {
	Buckets []struct {
		Key      string `json:"key"`
		DocCount int    `json:"doc_count"`
	} `json:"buckets"`
}

// SourceFilter restricts which document fields a search returns.
type SourceFilter struct {
	Includes []string `json:"includes,omitempty"`
}

// Search issues a plain (non-scrolling) search against index.
func (c *Client) Search(ctx context.Context, index string, body SearchBody) (*SearchResponse, error) {
	var out SearchResponse
	if err := c.doJSON(ctx, "search "+index, http.MethodPost, index+"/_search", nil, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchScrollBegin opens a scroll over index with the given TTL and
// returns the first page.
func (c *Client) SearchScrollBegin(ctx context.Context, index string, body SearchBody, ttl time.Duration) (*SearchResponse, error) {
	query := url.Values{"scroll": []string{formatScrollTTL(ttl)}}
	var out SearchResponse
	if err := c.doJSON(ctx, "scroll-begin "+index, http.MethodPost, index+"/_search", query, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SearchScrollContinue fetches the next page of an open scroll, renewing
// its TTL.
func (c *Client) SearchScrollContinue(ctx context.Context, scrollID string, ttl time.Duration) (*SearchResponse, error) {
	payload := map[string]string{
		"scroll":    formatScrollTTL(ttl),
		"scroll_id": scrollID,
	}
	var out SearchResponse
	if err := c.doJSON(ctx, "scroll-continue", http.MethodPost, "_search/scroll", nil, payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ScrollClear releases a server-side scroll cursor. Stale scrolls hold
// index resources until their TTL lapses, so every opened scroll must be
// cleared on all exit paths.
func (c *Client) ScrollClear(ctx context.Context, scrollID string) error {
	return c.doJSON(ctx, "scroll-clear", http.MethodDelete, "_search/scroll/"+url.PathEscape(scrollID), nil, nil, nil)
}

// Count returns the number of documents in index matching query.
func (c *Client) Count(ctx context.Context, index string, query map[string]any) (int, error) {
	payload := map[string]any{}
	if query != nil {
		payload["query"] = query
	}
	var out struct {
		Count int `json:"count"`
	}
	if err := c.doJSON(ctx, "count "+index, http.MethodPost, index+"/_count", nil, payload, &out); err != nil {
		return 0, err
	}
	return out.Count, nil
}

// BulkResponse is the decoded body of a _bulk request.
type BulkResponse struct {
	Errors bool             `json:"errors"`
	Items  []map[string]any `json:"items"`
}

// Bulk submits a raw NDJSON payload of alternating action and body lines.
// The request is retried as a whole on transport failure; per-item errors
// are reported in the response and never retried.
func (c *Client) Bulk(ctx context.Context, index string, ndjson []byte) (*BulkResponse, error) {
	var out BulkResponse
	err := c.retry.Execute(ctx, c.log, func() error {
		return c.do(ctx, "bulk "+index, http.MethodPut, index+"/_bulk", nil, "application/x-ndjson", ndjson, &out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetMapping returns the field→type mapping of index. When index is an
// alias, the mapping of the backing index is returned.
func (c *Client) GetMapping(ctx context.Context, index string) (map[string]string, error) {
	var out map[string]struct {
		Mappings struct {
			Properties map[string]struct {
				Type string `json:"type"`
			} `json:"properties"`
		} `json:"mappings"`
	}
	if err := c.doJSON(ctx, "get-mapping "+index, http.MethodGet, index+"/_mapping", nil, nil, &out); err != nil {
		return nil, err
	}
	types := make(map[string]string)
	for _, indexMapping := range out {
		for field, property := range indexMapping.Mappings.Properties {
			types[field] = property.Type
		}
	}
	return types, nil
}

// PutMapping adds field mappings to index. Only additive changes are
// accepted by the server; changing an existing field's type fails.
func (c *Client) PutMapping(ctx context.Context, index string, properties map[string]string) error {
	fieldTypes := make(map[string]map[string]string, len(properties))
	for field, fieldType := range properties {
		fieldTypes[field] = map[string]string{"type": fieldType}
	}
	payload := map[string]any{"properties": fieldTypes}
	return c.doJSON(ctx, "put-mapping "+index, http.MethodPut, index+"/_mapping", nil, payload, nil)
}

// ExistsIndex reports whether name resolves to a concrete index. It is
// false for aliases: the server's existence check confusingly accepts
// aliases, so the alias check is applied as an exclusion.
func (c *Client) ExistsIndex(ctx context.Context, name string) (bool, error) {
	exists, err := c.doExists(ctx, "exists-index "+name, name)
	if err != nil || !exists {
		return false, err
	}
	isAlias, err := c.ExistsAlias(ctx, name)
	if err != nil {
		return false, err
	}
	return !isAlias, nil
}

// ExistsAlias reports whether name is an alias.
func (c *Client) ExistsAlias(ctx context.Context, name string) (bool, error) {
	return c.doExists(ctx, "exists-alias "+name, "_alias/"+name)
}

// ResolveAlias returns the name of the concrete index behind alias.
func (c *Client) ResolveAlias(ctx context.Context, alias string) (string, error) {
	var out map[string]json.RawMessage
	if err := c.doJSON(ctx, "resolve-alias "+alias, http.MethodGet, "_alias/"+alias, nil, nil, &out); err != nil {
		return "", err
	}
	for index := range out {
		return index, nil
	}
	return "", fmt.Errorf("alias %q resolves to no index", alias)
}

func formatScrollTTL(ttl time.Duration) string {
	minutes := int(ttl.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return fmt.Sprintf("%dm", minutes)
}
