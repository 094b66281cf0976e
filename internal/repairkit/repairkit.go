// Package repairkit implements the repairkit sweeper: it fixes common
// shape defects in harvested documents. Repairs are registered per field
// pattern; new repairs are added by extending the repairers table.
package repairkit

import (
	"context"
	"encoding/json"
	"regexp"

	"github.com/nasa-pds/registry-sweepers/internal/registry"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

// repairFunc inspects one field and returns replacement values for any
// fields it repairs, or nothing when the document is already well formed.
type repairFunc func(source map[string]json.RawMessage, field string) map[string]any

// repairers maps field-name patterns to the repairs applied to matching
// fields. Patterns are prefix matches, not full matches.
var repairers = []struct {
	pattern *regexp.Regexp
	repairs []repairFunc
}{
	{regexp.MustCompile(`^ops:Data_File_Info/`), []repairFunc{repairAllArrays}},
	{regexp.MustCompile(`^ops:Label_File_Info/`), []repairFunc{repairAllArrays}},
}

// Sweeper applies registered repairs to unprocessed documents.
type Sweeper struct {
	Scan  sweepers.ScanFunc
	Write sweepers.WriteFunc
	// EnsureMapping guarantees a field mapping; defaults to the registry
	// client implementation.
	EnsureMapping func(ctx context.Context, index, field, fieldType string) error
}

// New returns a production sweeper bound to client.
func New(client *registry.Client) *Sweeper {
	return &Sweeper{
		Scan:  sweepers.ScrollScan(client),
		Write: sweepers.BulkWrite(client),
		EnsureMapping: func(ctx context.Context, index, field, fieldType string) error {
			return registry.EnsureIndexMapping(ctx, client, index, field, fieldType)
		},
	}
}

func (s *Sweeper) Name() string { return "repairkit" }

// Run scans every document lacking the current repairkit stamp, applies
// the registered repairs, and writes the repaired fields plus the stamp.
func (s *Sweeper) Run(ctx context.Context, env *sweepers.Env) error {
	log := env.Log.With("sweeper", s.Name())
	versionKey := sweepers.VersionMetadataKey(s.Name())

	index, err := env.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	if err := s.EnsureMapping(ctx, index, versionKey, "integer"); err != nil {
		return err
	}

	query := map[string]any{
		"bool": map[string]any{
			"must_not": []any{
				map[string]any{"range": map[string]any{versionKey: map[string]any{"gte": sweepers.RepairkitVersion}}},
			},
		},
	}

	var scanErr error
	updates := func(yield func(registry.Update) bool) {
		scanErr = s.Scan(ctx, registry.ScanOptions{Index: index, Query: query}, func(hit registry.Hit) error {
			var source map[string]json.RawMessage
			if err := json.Unmarshal(hit.Source, &source); err != nil {
				log.Warn("skipping undecodable document", "id", hit.ID, "error", err)
				return nil
			}
			repairs := map[string]any{versionKey: sweepers.RepairkitVersion}
			for field := range source {
				for _, repairer := range repairers {
					if !repairer.pattern.MatchString(field) {
						continue
					}
					for _, repair := range repairer.repairs {
						for repairedField, value := range repair(source, field) {
							repairs[repairedField] = value
						}
					}
				}
			}
			if !yield(registry.Update{ID: hit.ID, Content: repairs}) {
				return context.Canceled
			}
			return nil
		})
	}

	stats, err := s.Write(ctx, index, updates)
	if err != nil {
		return err
	}
	if scanErr != nil && scanErr != context.Canceled {
		return scanErr
	}
	log.Info("repairkit sweep complete", "updates", stats.Submitted,
		"item_warnings", stats.Warnings, "item_errors", stats.Errors)
	return nil
}
