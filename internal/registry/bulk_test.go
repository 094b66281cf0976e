package registry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
)

func sliceUpdates(updates ...Update) func(func(Update) bool) {
	return func(yield func(Update) bool) {
		for _, update := range updates {
			if !yield(update) {
				return
			}
		}
	}
}

func decodeNDJSON(t *testing.T, body io.Reader) []map[string]any {
	t.Helper()
	var lines []map[string]any
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var decoded map[string]any
		if err := json.Unmarshal([]byte(line), &decoded); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		lines = append(lines, decoded)
	}
	return lines
}

func bulkOKResponse(n int) string {
	items := make([]map[string]any, n)
	for i := range items {
		items[i] = map[string]any{"update": map[string]any{"_id": fmt.Sprint(i), "status": 200}}
	}
	encoded, _ := json.Marshal(map[string]any{"errors": false, "items": items})
	return string(encoded)
}

func TestWriteUpdatedDocsChunks(t *testing.T) {
	var chunks [][]map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /registry/_bulk", func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/x-ndjson" {
			t.Errorf("Content-Type = %q, want application/x-ndjson", ct)
		}
		lines := decodeNDJSON(t, r.Body)
		chunks = append(chunks, lines)
		fmt.Fprint(w, bulkOKResponse(len(lines)/2))
	})

	client, _ := newTestClient(t, mux)

	var updates []Update
	for i := 0; i < 5; i++ {
		updates = append(updates, Update{
			ID:      fmt.Sprintf("doc-%d", i),
			Content: map[string]any{"field": i},
		})
	}

	stats, err := WriteUpdatedDocsChunked(context.Background(), client, "registry", sliceUpdates(updates...), 2)
	if err != nil {
		t.Fatalf("WriteUpdatedDocsChunked failed: %v", err)
	}
	if stats.Submitted != 5 || stats.Chunks != 3 {
		t.Errorf("stats = %+v, want 5 submitted in 3 chunks", stats)
	}
	if len(chunks) != 3 {
		t.Fatalf("bulk requests = %d, want 3", len(chunks))
	}
	// Two chunks of two updates (4 lines) and a final chunk of one (2 lines).
	if len(chunks[0]) != 4 || len(chunks[1]) != 4 || len(chunks[2]) != 2 {
		t.Errorf("chunk line counts = %d/%d/%d, want 4/4/2",
			len(chunks[0]), len(chunks[1]), len(chunks[2]))
	}

	action := chunks[0][0]["update"].(map[string]any)
	if action["_id"] != "doc-0" {
		t.Errorf("first action _id = %v, want doc-0", action["_id"])
	}
	doc := chunks[0][1]["doc"].(map[string]any)
	if doc["field"] != float64(0) {
		t.Errorf("first doc body = %v", chunks[0][1])
	}
}

func TestWriteUpdatedDocsScriptedUpdate(t *testing.T) {
	var lines []map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /registry/_bulk", func(w http.ResponseWriter, r *http.Request) {
		lines = decodeNDJSON(t, r.Body)
		fmt.Fprint(w, bulkOKResponse(1))
	})

	client, _ := newTestClient(t, mux)

	update := Update{
		ID:             "urn:nasa:pds:b:c:p::1.0",
		Script:         "ctx._source.x = params.new_items",
		ScriptParams:   map[string]any{"new_items": []string{"a", "b"}},
		ScriptedUpsert: true,
	}
	if _, err := WriteUpdatedDocs(context.Background(), client, "registry", sliceUpdates(update)); err != nil {
		t.Fatalf("WriteUpdatedDocs failed: %v", err)
	}

	if len(lines) != 2 {
		t.Fatalf("lines = %d, want 2", len(lines))
	}
	body := lines[1]
	script, ok := body["script"].(map[string]any)
	if !ok {
		t.Fatalf("scripted update body missing script: %v", body)
	}
	if script["lang"] != "painless" {
		t.Errorf("script lang = %v, want painless", script["lang"])
	}
	if script["source"] != "ctx._source.x = params.new_items" {
		t.Errorf("script source = %v", script["source"])
	}
	if body["scripted_upsert"] != true {
		t.Error("scripted_upsert not set")
	}
	if upsert, ok := body["upsert"].(map[string]any); !ok || len(upsert) != 0 {
		t.Errorf("upsert = %v, want empty object", body["upsert"])
	}
	if _, hasDoc := body["doc"]; hasDoc {
		t.Error("scripted update must not carry a doc body")
	}
}

func TestWriteUpdatedDocsClassifiesItemErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /registry/_bulk", func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"errors": true,
			"items": []map[string]any{
				{"update": map[string]any{"_id": "gone", "status": 404, "error": map[string]any{
					"type": "document_missing_exception", "reason": "[gone]: document missing",
				}}},
				{"update": map[string]any{"_id": "bad", "status": 400, "error": map[string]any{
					"type": "mapper_parsing_exception", "reason": "failed to parse",
				}}},
				{"update": map[string]any{"_id": "ok", "status": 200}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	client, _ := newTestClient(t, mux)

	updates := sliceUpdates(
		Update{ID: "gone", Content: map[string]any{"a": 1}},
		Update{ID: "bad", Content: map[string]any{"a": 2}},
		Update{ID: "ok", Content: map[string]any{"a": 3}},
	)
	stats, err := WriteUpdatedDocs(context.Background(), client, "registry", updates)
	if err != nil {
		t.Fatalf("WriteUpdatedDocs failed: %v", err)
	}
	if stats.Warnings != 1 {
		t.Errorf("Warnings = %d, want 1 (document_missing_exception)", stats.Warnings)
	}
	if stats.Errors != 1 {
		t.Errorf("Errors = %d, want 1", stats.Errors)
	}
}

func TestWriteUpdatedDocsRetriesChunk(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /registry/_bulk", func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, bulkOKResponse(1))
	})

	client, _ := newTestClient(t, mux)

	_, err := WriteUpdatedDocs(context.Background(), client, "registry",
		sliceUpdates(Update{ID: "doc", Content: map[string]any{"a": 1}}))
	if err != nil {
		t.Fatalf("WriteUpdatedDocs failed: %v", err)
	}
	if attempts.Load() != 2 {
		t.Errorf("attempts = %d, want 2", attempts.Load())
	}
}

func TestWriteUpdatedDocsAuthErrorAborts(t *testing.T) {
	var attempts atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /registry/_bulk", func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		http.Error(w, "forbidden", http.StatusForbidden)
	})

	client, _ := newTestClient(t, mux)

	_, err := WriteUpdatedDocs(context.Background(), client, "registry",
		sliceUpdates(Update{ID: "doc", Content: map[string]any{"a": 1}}))
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("err = %v, want AuthError", err)
	}
	if attempts.Load() != 1 {
		t.Errorf("auth failures must not be retried (attempts = %d)", attempts.Load())
	}
}

func TestEmptyUpdateStreamWritesNothing(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("PUT /registry/_bulk", func(w http.ResponseWriter, r *http.Request) {
		t.Error("no bulk request expected for an empty stream")
	})

	client, _ := newTestClient(t, mux)

	stats, err := WriteUpdatedDocs(context.Background(), client, "registry", sliceUpdates())
	if err != nil {
		t.Fatalf("WriteUpdatedDocs failed: %v", err)
	}
	if stats.Submitted != 0 || stats.Chunks != 0 {
		t.Errorf("stats = %+v, want zeroes", stats)
	}
}
