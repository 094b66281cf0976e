// Package reindexer implements the reindexer sweeper: it verifies that
// every document property is present in the index mapping (and therefore
// searchable), adding missing mappings from the data dictionary, then
// stamps processed documents so a rewrite triggers a full re-index.
package reindexer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/nasa-pds/registry-sweepers/internal/registry"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

// FlagKey marks a document as tested by this sweeper. Its value is the
// sweeper run's start timestamp; writing it triggers a re-index of the
// whole document, making every property searchable.
const FlagKey = "ops:Reindexer/reindexer_flag"

const harvestTimeKey = "ops:Harvest_Info/ops:harvest_date_time"

// defaultType is applied to properties with no data-dictionary entry.
// Keyword is deliberately conservative: it is valid for any scalar value,
// at the cost of range queries on what might have been numerics.
const defaultType = "keyword"

// batchSizeLimit caps the number of products examined per pass. The
// backing store can be overloaded by unbounded iteration; bounded batches
// make incremental progress and limit discarded work on failure.
const batchSizeLimit = 100000

// Sweeper verifies and completes index mappings.
type Sweeper struct {
	Scan  sweepers.ScanFunc
	Write sweepers.WriteFunc
	// FieldTypes supplies the data-dictionary key→type map. The default
	// implementation reads the registry-dd index.
	FieldTypes func(ctx context.Context, env *sweepers.Env) (map[string]string, error)
	// CountDocs, GetMapping, and EnsureMapping default to the registry
	// client implementations.
	CountDocs     func(ctx context.Context, index string, query map[string]any) (int, error)
	GetMapping    func(ctx context.Context, index string) (map[string]string, error)
	EnsureMapping func(ctx context.Context, index, field, fieldType string) error
	// Now is the run timestamp source, fixed at start so the harvest-time
	// filter excludes products harvested mid-run.
	Now func() time.Time
}

// New returns a production sweeper bound to client.
func New(client *registry.Client) *Sweeper {
	s := &Sweeper{
		Scan:       sweepers.SearchAfterScan(client),
		Write:      sweepers.BulkWrite(client),
		CountDocs:  client.Count,
		GetMapping: client.GetMapping,
		EnsureMapping: func(ctx context.Context, index, field, fieldType string) error {
			return registry.EnsureIndexMapping(ctx, client, index, field, fieldType)
		},
		Now: time.Now,
	}
	s.FieldTypes = s.fetchDDFieldTypes
	return s
}

func (s *Sweeper) Name() string { return "reindexer" }

// docsQuery selects documents not yet flagged which were harvested before
// the sweeper started. The harvest-time bound keeps the accumulation and
// update passes consistent with each other.
func docsQuery(before time.Time) map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"must_not": []any{
				map[string]any{"exists": map[string]any{"field": FlagKey}},
			},
			"must": map[string]any{
				"range": map[string]any{
					harvestTimeKey: map[string]any{"lt": before.UTC().Format(time.RFC3339)},
				},
			},
		},
	}
}

// fetchDDFieldTypes reads the data dictionary's property→type map from
// the registry-dd index.
func (s *Sweeper) fetchDDFieldTypes(ctx context.Context, env *sweepers.Env) (map[string]string, error) {
	index, err := env.IndexName(registry.IndexRegistryDD)
	if err != nil {
		return nil, err
	}
	const nameKey = "es_field_name"
	const typeKey = "es_data_type"

	types := make(map[string]string)
	err = s.Scan(ctx, registry.ScanOptions{
		Index:      index,
		Query:      map[string]any{"match_all": map[string]any{}},
		Source:     []string{nameKey, typeKey},
		SortFields: []string{nameKey},
	}, func(hit registry.Hit) error {
		var source map[string]json.RawMessage
		if err := json.Unmarshal(hit.Source, &source); err != nil {
			return nil
		}
		var name, fieldType string
		if raw, ok := source[nameKey]; !ok || json.Unmarshal(raw, &name) != nil {
			return nil
		}
		if raw, ok := source[typeKey]; !ok || json.Unmarshal(raw, &fieldType) != nil {
			return nil
		}
		types[name] = fieldType
		return nil
	})
	if err != nil {
		return nil, err
	}
	return types, nil
}

// Run loops over unflagged documents in bounded batches: accumulate the
// mappings missing from the index, add them, then flag the documents whose
// properties are all mapped.
func (s *Sweeper) Run(ctx context.Context, env *sweepers.Env) error {
	log := env.Log.With("sweeper", s.Name())
	started := s.Now()

	index, err := env.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	if err := s.EnsureMapping(ctx, index, FlagKey, "date"); err != nil {
		return err
	}

	ddTypes, err := s.FieldTypes(ctx, env)
	if err != nil {
		return err
	}
	log.Info("loaded data-dictionary field types", "fields", len(ddTypes))

	query := docsQuery(started)
	for {
		remaining, err := s.CountDocs(ctx, index, query)
		if err != nil {
			return err
		}
		if remaining == 0 {
			break
		}
		log.Info("reindexer pass starting", "remaining", remaining)

		mapped, err := s.GetMapping(ctx, index)
		if err != nil {
			return err
		}

		missing, err := s.accumulateMissingMappings(ctx, index, query, ddTypes, mapped, log)
		if err != nil {
			return err
		}
		for field, fieldType := range missing {
			log.Info("adding missing mapping", "field", field, "type", fieldType)
			if err := s.EnsureMapping(ctx, index, field, fieldType); err != nil {
				return err
			}
		}

		updatedMapping, err := s.GetMapping(ctx, index)
		if err != nil {
			return err
		}
		if err := s.flagMappedDocs(ctx, index, query, started, updatedMapping, log); err != nil {
			return err
		}
	}

	log.Info("reindexer sweep complete")
	return nil
}

// accumulateMissingMappings inspects one batch of documents and returns
// the properties absent from the index mapping, typed from the data
// dictionary or defaulted.
func (s *Sweeper) accumulateMissingMappings(ctx context.Context, index string, query map[string]any, ddTypes, mapped map[string]string, log *slog.Logger) (map[string]string, error) {
	missing := make(map[string]string)
	warnedNoDD := make(map[string]struct{})
	badMappings := make(map[string]struct{})
	problemDocs, totalDocs := 0, 0

	err := s.Scan(ctx, registry.ScanOptions{
		Index:      index,
		Query:      query,
		Limit:      batchSizeLimit,
		SortFields: []string{harvestTimeKey},
	}, func(hit registry.Hit) error {
		totalDocs++
		var source map[string]json.RawMessage
		if err := json.Unmarshal(hit.Source, &source); err != nil {
			return nil
		}
		problemDetected := false
		for property := range source {
			canonicalType, inDD := ddTypes[property]
			currentType, isMapped := mapped[property]

			if !inDD {
				if _, warned := warnedNoDD[property]; !warned {
					warnedNoDD[property] = struct{}{}
					log.Warn("property has no data-dictionary entry", "property", property)
				}
			}
			if inDD && isMapped && canonicalType != currentType {
				if _, seen := badMappings[property]; !seen {
					badMappings[property] = struct{}{}
					log.Warn("index mapping conflicts with data dictionary",
						"property", property, "mapped", currentType, "canonical", canonicalType)
				}
				problemDetected = true
			}
			if isMapped {
				continue
			}
			problemDetected = true
			if _, already := missing[property]; already {
				continue
			}
			if inDD {
				missing[property] = canonicalType
			} else {
				log.Warn("property missing from mapping and data dictionary, defaulting",
					"property", property, "type", defaultType)
				missing[property] = defaultType
			}
		}
		if problemDetected {
			problemDocs++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("missing-mapping accumulation complete",
		"docs", totalDocs, "problem_docs", problemDocs,
		"missing_mappings", len(missing), "conflicting_mappings", len(badMappings))
	if len(badMappings) > 0 {
		log.Error("conflicting mappings cannot be fixed in place; manual reindex required",
			"properties", len(badMappings))
	}
	return missing, nil
}

// flagMappedDocs stamps every document of the batch whose properties are
// all present in the (freshly updated) mapping.
func (s *Sweeper) flagMappedDocs(ctx context.Context, index string, query map[string]any, started time.Time, mapped map[string]string, log *slog.Logger) error {
	var scanErr error
	updates := func(yield func(registry.Update) bool) {
		scanErr = s.Scan(ctx, registry.ScanOptions{
			Index:      index,
			Query:      query,
			Limit:      batchSizeLimit,
			SortFields: []string{harvestTimeKey},
		}, func(hit registry.Hit) error {
			var source map[string]json.RawMessage
			if err := json.Unmarshal(hit.Source, &source); err != nil {
				return nil
			}
			for property := range source {
				if _, ok := mapped[property]; !ok {
					// A property slipped in after accumulation; it will be
					// picked up on the next pass.
					log.Debug("skipping document with still-unmapped property",
						"id", hit.ID, "property", property)
					return nil
				}
			}
			update := registry.Update{
				ID:      hit.ID,
				Content: map[string]any{FlagKey: started.UTC().Format(time.RFC3339)},
			}
			if !yield(update) {
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
	log.Info("flagged documents with complete mappings", "updates", stats.Submitted)
	return nil
}
