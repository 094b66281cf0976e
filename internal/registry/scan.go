package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const (
	defaultPageSize  = 10000
	defaultScrollTTL = 10 * time.Minute
)

// ScanOptions configures a paged scan over an index.
type ScanOptions struct {
	Index    string
	Query    map[string]any
	Source   []string
	PageSize int
	// ScrollTTL applies to scroll-mode scans only.
	ScrollTTL time.Duration
	// SortFields applies to search-after scans only. Fields must be mapped
	// as sortable. A unique _id tiebreak is appended automatically so that
	// paging makes stable progress.
	SortFields []string
	// Limit caps the number of hits served by a search-after scan. Zero
	// means unlimited.
	Limit int
	// CrossClusterRemotes lists remote cluster aliases whose copy of the
	// index is included in the scan.
	CrossClusterRemotes []string
}

func (o *ScanOptions) path() string {
	indices := []string{o.Index}
	for _, remote := range o.CrossClusterRemotes {
		indices = append(indices, remote+":"+o.Index)
	}
	return strings.Join(indices, ",")
}

func (o *ScanOptions) pageSize() int {
	if o.PageSize <= 0 {
		return defaultPageSize
	}
	return o.PageSize
}

// HitIterator is a finite, non-restartable lazy sequence of search hits.
// Callers must Close it on every exit path so server-side cursors are
// released promptly.
type HitIterator struct {
	fetch   func(ctx context.Context) ([]Hit, error)
	cleanup func(ctx context.Context) error

	pending  []Hit
	served   int
	total    int
	done     bool
	err      error
	closed   bool
	progress *progressLogger
}

// Next returns the next hit. ok is false when the scan is exhausted,
// failed, or closed; check Err afterwards. The server-side cursor is
// released as soon as the scan ends.
func (it *HitIterator) Next(ctx context.Context) (Hit, bool) {
	if it.closed {
		return Hit{}, false
	}
	for len(it.pending) == 0 {
		if it.done || it.err != nil {
			_ = it.Close(ctx)
			return Hit{}, false
		}
		hits, err := it.fetch(ctx)
		if err != nil {
			it.err = err
			it.done = true
			continue
		}
		if len(hits) == 0 {
			it.done = true
			continue
		}
		it.pending = hits
	}
	hit := it.pending[0]
	it.pending = it.pending[1:]
	it.served++
	it.progress.logProgress(it.served, it.total)
	return hit, true
}

// Err returns the first failure encountered by the scan, if any.
func (it *HitIterator) Err() error { return it.err }

// Served returns the number of hits yielded so far.
func (it *HitIterator) Served() int { return it.served }

// Total returns the total hit count reported by the first page.
func (it *HitIterator) Total() int { return it.total }

// Close releases any server-side cursor. It is idempotent.
func (it *HitIterator) Close(ctx context.Context) error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.done = true
	if it.cleanup == nil {
		return nil
	}
	return it.cleanup(ctx)
}

// ScrollSearch scans index with a server-side scroll cursor. Hits arrive in
// per-page order with no global ordering guarantee; use SearchAfterSearch
// for ordered scans. The scroll is renewed on each page and cleared when
// the iterator is exhausted or closed.
func ScrollSearch(client *Client, opts ScanOptions) *HitIterator {
	ttl := opts.ScrollTTL
	if ttl == 0 {
		ttl = defaultScrollTTL
	}
	path := opts.path()
	log := client.Logger()
	log.Info("initiating scroll scan", "index", path, "page_size", opts.pageSize())

	var scrollID string
	it := &HitIterator{progress: newProgressLogger(log)}

	it.fetch = func(ctx context.Context) ([]Hit, error) {
		var resp *SearchResponse
		var err error
		if scrollID == "" {
			body := SearchBody{Query: opts.Query, Size: opts.pageSize()}
			if len(opts.Source) > 0 {
				body.Source = &SourceFilter{Includes: opts.Source}
			}
			resp, err = client.SearchScrollBegin(ctx, path, body, ttl)
			if err != nil {
				return nil, err
			}
			it.total = resp.Hits.Total.Value
		} else {
			resp, err = client.SearchScrollContinue(ctx, scrollID, ttl)
			if err != nil {
				return nil, err
			}
		}
		scrollID = resp.ScrollID
		if it.served+len(resp.Hits.Hits) >= it.total {
			it.done = true
		}
		return resp.Hits.Hits, nil
	}

	it.cleanup = func(ctx context.Context) error {
		if scrollID == "" {
			return nil
		}
		id := scrollID
		scrollID = ""
		if err := client.ScrollClear(ctx, id); err != nil {
			log.Warn("failed to clear scroll", "error", err)
			return err
		}
		return nil
	}

	return it
}

// SearchAfterSearch scans index with cursor-less search-after paging,
// yielding a stream globally ordered by the sort fields. The scan
// terminates when a page returns fewer hits than the page size.
func SearchAfterSearch(client *Client, opts ScanOptions) *HitIterator {
	path := opts.path()
	log := client.Logger()
	log.Info("initiating search-after scan", "index", path, "sort", opts.SortFields, "page_size", opts.pageSize())

	sort := make([]map[string]any, 0, len(opts.SortFields)+1)
	hasIDTiebreak := false
	for _, field := range opts.SortFields {
		sort = append(sort, map[string]any{field: "asc"})
		if field == "_id" {
			hasIDTiebreak = true
		}
	}
	if !hasIDTiebreak {
		sort = append(sort, map[string]any{"_id": "asc"})
	}

	var cursor []any
	firstPage := true
	it := &HitIterator{progress: newProgressLogger(log)}

	it.fetch = func(ctx context.Context) ([]Hit, error) {
		pageSize := opts.pageSize()
		if opts.Limit > 0 && opts.Limit-it.served < pageSize {
			pageSize = opts.Limit - it.served
			if pageSize <= 0 {
				it.done = true
				return nil, nil
			}
		}
		body := SearchBody{
			Query:       opts.Query,
			Size:        pageSize,
			Sort:        sort,
			SearchAfter: cursor,
		}
		if len(opts.Source) > 0 {
			body.Source = &SourceFilter{Includes: opts.Source}
		}
		resp, err := client.Search(ctx, path, body)
		if err != nil {
			return nil, err
		}
		if firstPage {
			firstPage = false
			it.total = resp.Hits.Total.Value
			if opts.Limit > 0 && opts.Limit < it.total {
				it.total = opts.Limit
			}
		}
		hits := resp.Hits.Hits
		if len(hits) < pageSize {
			it.done = true
		}
		if len(hits) > 0 {
			last := hits[len(hits)-1]
			if len(last.Sort) == 0 {
				return nil, fmt.Errorf("search-after scan of %s: hit %s carries no sort values (are the sort fields mapped?)", path, last.ID)
			}
			cursor = last.Sort
		}
		if opts.Limit > 0 && it.served+len(hits) >= opts.Limit {
			it.done = true
		}
		return hits, nil
	}

	return it
}

// progressLogger emits scan progress at 5% increments to avoid flooding
// logs on large indices.
type progressLogger struct {
	log        *slog.Logger
	lastLogged int
}

func newProgressLogger(log *slog.Logger) *progressLogger {
	return &progressLogger{log: log, lastLogged: -1}
}

func (p *progressLogger) logProgress(served, total int) {
	if total <= 0 {
		return
	}
	percentage := served * 100 / total
	if percentage >= p.lastLogged+5 {
		p.lastLogged = percentage
		p.log.Info(fmt.Sprintf("scan progress: %d%%", percentage), "served", served, "total", total)
	}
}
