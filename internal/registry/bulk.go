package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
)

// Updates are idempotent by construction: their content is derived
// deterministically from index state, so re-running a sweeper re-submits
// identical updates and at-most-once delivery is not required.

// defaultBulkChunkSize is the number of updates buffered before a chunk is
// flushed as a single bulk request.
const defaultBulkChunkSize = 5000

// Update describes one document update: either a partial-document merge
// (Content) or a server-side scripted update (Script + ScriptParams).
type Update struct {
	ID      string
	Content map[string]any
	// Script is an inline painless source. When set, Content is ignored and
	// the update is applied server-side with ScriptParams.
	Script       string
	ScriptParams map[string]any
	// ScriptedUpsert creates the document from an empty upsert body when it
	// does not exist yet.
	ScriptedUpsert bool
}

// BulkStats summarizes a bulk write stream.
type BulkStats struct {
	Submitted int
	Chunks    int
	// Warnings counts per-item failures caused by bad data rather than
	// sweeper bugs (e.g. document_missing_exception).
	Warnings int
	// Errors counts unexpected per-item failures. These are logged at error
	// level but do not abort the stream.
	Errors int
}

// bulkWarnTypes are per-item error types which represent bad data rather
// than incorrect sweeper behavior.
var bulkWarnTypes = map[string]bool{
	"document_missing_exception": true,
}

// WriteUpdatedDocs streams updates into index in chunks. Each chunk is one
// bulk request, retried as a whole on transport failure. Per-item errors
// are classified and counted, never retried.
func WriteUpdatedDocs(ctx context.Context, client *Client, index string, updates iter.Seq[Update]) (BulkStats, error) {
	return WriteUpdatedDocsChunked(ctx, client, index, updates, defaultBulkChunkSize)
}

// WriteUpdatedDocsChunked is WriteUpdatedDocs with an explicit chunk
// threshold, measured in updates.
func WriteUpdatedDocsChunked(ctx context.Context, client *Client, index string, updates iter.Seq[Update], chunkSize int) (BulkStats, error) {
	if chunkSize <= 0 {
		chunkSize = defaultBulkChunkSize
	}
	log := client.Logger()

	var stats BulkStats
	var buf bytes.Buffer
	buffered := 0

	flush := func() error {
		if buffered == 0 {
			return nil
		}
		log.Info("writing bulk updates chunk", "index", index, "updates", buffered)
		resp, err := client.Bulk(ctx, index, buf.Bytes())
		if err != nil {
			return err
		}
		warnings, errors := classifyBulkItems(client, resp)
		stats.Warnings += warnings
		stats.Errors += errors
		stats.Submitted += buffered
		stats.Chunks++
		buf.Reset()
		buffered = 0
		return nil
	}

	for update := range updates {
		action, body, err := encodeUpdate(update)
		if err != nil {
			return stats, err
		}
		buf.Write(action)
		buf.WriteByte('\n')
		buf.Write(body)
		buf.WriteByte('\n')
		buffered++
		if buffered >= chunkSize {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	log.Info("bulk update stream complete", "index", index,
		"updates", stats.Submitted, "chunks", stats.Chunks,
		"item_warnings", stats.Warnings, "item_errors", stats.Errors)
	return stats, nil
}

func encodeUpdate(update Update) (action, body []byte, err error) {
	if update.ID == "" {
		return nil, nil, fmt.Errorf("update has no document id")
	}
	action, err = json.Marshal(map[string]any{"update": map[string]any{"_id": update.ID}})
	if err != nil {
		return nil, nil, err
	}

	var payload map[string]any
	if update.Script != "" {
		payload = map[string]any{
			"script": map[string]any{
				"source": update.Script,
				"lang":   "painless",
				"params": update.ScriptParams,
			},
		}
		if update.ScriptedUpsert {
			payload["scripted_upsert"] = true
			payload["upsert"] = map[string]any{}
		}
	} else {
		payload = map[string]any{"doc": update.Content}
	}
	body, err = json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	return action, body, nil
}

// classifyBulkItems partitions per-item failures into warnings (bad data)
// and errors (unexpected), logging each.
func classifyBulkItems(client *Client, resp *BulkResponse) (warnings, errors int) {
	if !resp.Errors {
		return 0, 0
	}
	log := client.Logger()
	for _, item := range resp.Items {
		update, ok := item["update"].(map[string]any)
		if !ok {
			continue
		}
		itemErr, ok := update["error"].(map[string]any)
		if !ok {
			continue
		}
		id, _ := update["_id"].(string)
		errType, _ := itemErr["type"].(string)
		if bulkWarnTypes[errType] {
			warnings++
			log.Warn("document update failed (bad data)", "id", id, "type", errType)
		} else {
			errors++
			log.Error("document update unexpectedly failed", "id", id, "type", errType, "error", itemErr["reason"])
		}
	}
	return warnings, errors
}
