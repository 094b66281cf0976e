package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 4, InitialInterval: time.Millisecond, Multiplier: 1}
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := NewClient(ClientOptions{
		Endpoint:  server.URL,
		Auth:      NoAuth{},
		VerifyTLS: true,
		Retry:     testRetryPolicy(),
		Logger:    slog.New(slog.NewTextHandler(testWriter{t}, nil)),
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return client, server
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(p), "\n"))
	return len(p), nil
}

func searchPage(scrollID string, total int, ids ...string) string {
	hits := make([]map[string]any, len(ids))
	for i, id := range ids {
		hits[i] = map[string]any{"_id": id, "_source": map[string]any{"lidvid": id}}
	}
	page := map[string]any{
		"_scroll_id": scrollID,
		"hits": map[string]any{
			"total": map[string]any{"value": total},
			"hits":  hits,
		},
	}
	encoded, _ := json.Marshal(page)
	return string(encoded)
}

func TestScrollSearchPagesAndClearsScroll(t *testing.T) {
	var cleared atomic.Bool
	var continues atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("POST /registry/_search", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("scroll") == "" {
			t.Error("scroll TTL missing from begin request")
		}
		fmt.Fprint(w, searchPage("scroll-1", 3, "a", "b"))
	})
	mux.HandleFunc("POST /_search/scroll", func(w http.ResponseWriter, r *http.Request) {
		continues.Add(1)
		var body map[string]string
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad scroll-continue body: %v", err)
		}
		if body["scroll_id"] != "scroll-1" {
			t.Errorf("scroll_id = %q, want scroll-1", body["scroll_id"])
		}
		fmt.Fprint(w, searchPage("scroll-1", 3, "c"))
	})
	mux.HandleFunc("DELETE /_search/scroll/{id}", func(w http.ResponseWriter, r *http.Request) {
		cleared.Store(true)
		fmt.Fprint(w, `{}`)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	it := ScrollSearch(client, ScanOptions{Index: "registry", PageSize: 2})
	var got []string
	for {
		hit, ok := it.Next(ctx)
		if !ok {
			break
		}
		got = append(got, hit.ID)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if err := it.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if strings.Join(got, ",") != "a,b,c" {
		t.Errorf("hits = %v, want [a b c]", got)
	}
	if it.Total() != 3 || it.Served() != 3 {
		t.Errorf("Total/Served = %d/%d, want 3/3", it.Total(), it.Served())
	}
	if continues.Load() != 1 {
		t.Errorf("scroll continued %d times, want 1", continues.Load())
	}
	if !cleared.Load() {
		t.Error("scroll was not cleared")
	}
}

func TestScrollSearchClearsScrollWhenAbandoned(t *testing.T) {
	var cleared atomic.Bool
	mux := http.NewServeMux()
	mux.HandleFunc("POST /registry/_search", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, searchPage("scroll-9", 100, "a", "b"))
	})
	mux.HandleFunc("DELETE /_search/scroll/{id}", func(w http.ResponseWriter, r *http.Request) {
		cleared.Store(true)
		fmt.Fprint(w, `{}`)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	it := ScrollSearch(client, ScanOptions{Index: "registry", PageSize: 2})
	if _, ok := it.Next(ctx); !ok {
		t.Fatalf("expected a hit: %v", it.Err())
	}
	if err := it.Close(ctx); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !cleared.Load() {
		t.Error("abandoning the iterator must clear the scroll")
	}

	// Close is idempotent and the iterator stays exhausted.
	if err := it.Close(ctx); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if _, ok := it.Next(ctx); ok {
		t.Error("closed iterator yielded a hit")
	}
}

func TestScrollSearchRetriesTransportFailures(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /registry/_search", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, searchPage("s", 1, "a"))
	})
	mux.HandleFunc("DELETE /_search/scroll/{id}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	it := ScrollSearch(client, ScanOptions{Index: "registry"})
	defer it.Close(ctx)
	if _, ok := it.Next(ctx); !ok {
		t.Fatalf("scan failed after retries: %v", it.Err())
	}
	if attempts.Load() != 3 {
		t.Errorf("attempts = %d, want 3", attempts.Load())
	}
}

func TestScrollSearchExhaustsRetryBudget(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /registry/_search", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	it := ScrollSearch(client, ScanOptions{Index: "registry"})
	defer it.Close(ctx)
	if _, ok := it.Next(ctx); ok {
		t.Fatal("expected scan failure")
	}
	var transportErr *TransportError
	if !errors.As(it.Err(), &transportErr) {
		t.Fatalf("Err() = %v, want TransportError", it.Err())
	}
	if attempts.Load() != 4 {
		t.Errorf("attempts = %d, want 4", attempts.Load())
	}
}

func TestSearchAfterSearchPaginatesInOrder(t *testing.T) {
	pages := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	var requests []SearchBody

	mux := http.NewServeMux()
	mux.HandleFunc("POST /registry/_search", func(w http.ResponseWriter, r *http.Request) {
		var body SearchBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("bad search body: %v", err)
		}
		requests = append(requests, body)

		pageIndex := len(requests) - 1
		ids := pages[pageIndex]
		hits := make([]map[string]any, len(ids))
		for i, id := range ids {
			hits[i] = map[string]any{
				"_id":     id,
				"_source": map[string]any{"lidvid": id},
				"sort":    []any{id, id},
			}
		}
		resp := map[string]any{"hits": map[string]any{"total": map[string]any{"value": 5}, "hits": hits}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	it := SearchAfterSearch(client, ScanOptions{
		Index:      "registry",
		PageSize:   2,
		SortFields: []string{"lidvid"},
	})
	var got []string
	for {
		hit, ok := it.Next(ctx)
		if !ok {
			break
		}
		got = append(got, hit.ID)
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if strings.Join(got, ",") != "a,b,c,d,e" {
		t.Errorf("hits = %v, want a..e", got)
	}

	if len(requests) != 3 {
		t.Fatalf("requests = %d, want 3", len(requests))
	}
	// The engine must append a unique _id tiebreak to the caller's sort.
	first := requests[0]
	if len(first.Sort) != 2 {
		t.Fatalf("sort clauses = %d, want 2 (field + _id tiebreak)", len(first.Sort))
	}
	if _, ok := first.Sort[1]["_id"]; !ok {
		t.Error("missing _id tiebreak in sort")
	}
	if first.SearchAfter != nil {
		t.Error("first page must not carry a cursor")
	}
	if requests[1].SearchAfter == nil || requests[2].SearchAfter == nil {
		t.Error("subsequent pages must carry the previous page's sort values")
	}
	if fmt.Sprint(requests[1].SearchAfter) != fmt.Sprint([]any{"b", "b"}) {
		t.Errorf("cursor = %v, want [b b]", requests[1].SearchAfter)
	}
}

func TestSearchAfterSearchHonorsLimit(t *testing.T) {
	var requests int
	mux := http.NewServeMux()
	mux.HandleFunc("POST /registry/_search", func(w http.ResponseWriter, r *http.Request) {
		var body SearchBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		requests++
		hits := make([]map[string]any, body.Size)
		for i := range hits {
			id := fmt.Sprintf("doc-%d-%d", requests, i)
			hits[i] = map[string]any{"_id": id, "_source": map[string]any{}, "sort": []any{id}}
		}
		resp := map[string]any{"hits": map[string]any{"total": map[string]any{"value": 1000}, "hits": hits}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	client, _ := newTestClient(t, mux)
	ctx := context.Background()

	it := SearchAfterSearch(client, ScanOptions{
		Index:      "registry",
		PageSize:   4,
		Limit:      6,
		SortFields: []string{"lidvid"},
	})
	count := 0
	for {
		if _, ok := it.Next(ctx); !ok {
			break
		}
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if count != 6 {
		t.Errorf("served %d hits, want 6", count)
	}
	if it.Total() != 6 {
		t.Errorf("Total() = %d, want limit-capped 6", it.Total())
	}
}
