// Package provenance implements the provenance sweeper: for every
// published LID it orders the LIDVID version history and stamps each
// document with its immediate successor.
package provenance

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"sort"

	"github.com/nasa-pds/registry-sweepers/internal/pds"
	"github.com/nasa-pds/registry-sweepers/internal/registry"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

// SupersededByKey is the metadata field naming a document's successor
// LIDVID, or explicit null for the version chain tip.
const SupersededByKey = "ops:Provenance/ops:superseded_by"

// legacyVersionKey is a retired stamp location written by earlier sweeper
// builds. It is nulled on every update so stale stamps cannot shadow the
// canonical key.
const legacyVersionKey = "ops:Provenance/ops:provenance_version"

const lidAggregationPageSize = 5000

// Sweeper computes version-chain successors.
type Sweeper struct {
	Scan  sweepers.ScanFunc
	Write sweepers.WriteFunc
	// Search issues aggregation queries; defaults to the registry client.
	Search func(ctx context.Context, index string, body registry.SearchBody) (*registry.SearchResponse, error)
	// EnsureMapping guarantees a field mapping; defaults to the registry
	// client implementation.
	EnsureMapping func(ctx context.Context, index, field, fieldType string) error
}

// New returns a production sweeper bound to client.
func New(client *registry.Client) *Sweeper {
	return &Sweeper{
		Scan:   sweepers.ScrollScan(client),
		Write:  sweepers.BulkWrite(client),
		Search: client.Search,
		EnsureMapping: func(ctx context.Context, index, field, fieldType string) error {
			return registry.EnsureIndexMapping(ctx, client, index, field, fieldType)
		},
	}
}

func (s *Sweeper) Name() string { return "provenance" }

// Env aliases the shared sweeper environment.
type Env = sweepers.Env

// Run executes the sweep: aggregate the LIDs needing work, build each
// LID's chain, and write successor stamps, skipping documents whose
// stored state already matches.
func (s *Sweeper) Run(ctx context.Context, env *Env) error {
	log := env.Log.With("sweeper", s.Name())
	versionKey := sweepers.VersionMetadataKey(s.Name())

	index, err := env.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}

	if err := s.EnsureMapping(ctx, index, versionKey, "integer"); err != nil {
		return err
	}

	lids, err := s.aggregateLidsNeedingWork(ctx, index, versionKey)
	if err != nil {
		return err
	}
	if len(lids) == 0 {
		log.Info("all products up to date")
		return nil
	}
	log.Info("aggregated LIDs needing provenance work", "lids", len(lids))

	records, err := s.collectRecords(ctx, env, index, versionKey, lids, log)
	if err != nil {
		return err
	}

	chains := GroupAndLinkRecords(records)

	skipped := 0
	updates := func(yield func(registry.Update) bool) {
		for _, chain := range chains {
			for _, record := range chain {
				if record.SkipWrite() {
					skipped++
					continue
				}
				if !yield(record.ToUpdate()) {
					return
				}
			}
		}
	}

	stats, err := s.Write(ctx, index, updates)
	if err != nil {
		return err
	}
	if stats.Submitted == 0 {
		log.Info("all products up to date")
	} else {
		log.Info("provenance updates written", "updated", stats.Submitted, "skipped", skipped)
	}
	return nil
}

// aggregateLidsNeedingWork pages a terms aggregation over the LIDs of
// published documents that lack the current version stamp or a successor
// value, excluding LIDs already emitted by previous pages.
func (s *Sweeper) aggregateLidsNeedingWork(ctx context.Context, index, versionKey string) ([]string, error) {
	var lids []string
	emitted := make([]string, 0)
	for {
		body := registry.SearchBody{
			Query: needsWorkQuery(versionKey),
			Size:  0,
			Aggs: map[string]any{
				"lids": map[string]any{
					"terms": map[string]any{
						"field":   "lid",
						"size":    lidAggregationPageSize,
						"exclude": emitted,
					},
				},
			},
		}
		resp, err := s.Search(ctx, index, body)
		if err != nil {
			return nil, err
		}
		raw, ok := resp.Aggregations["lids"]
		if !ok {
			return nil, fmt.Errorf("lid aggregation missing from response")
		}
		var buckets registry.TermsBuckets
		if err := json.Unmarshal(raw, &buckets); err != nil {
			return nil, fmt.Errorf("decoding lid aggregation: %w", err)
		}
		if len(buckets.Buckets) == 0 {
			return lids, nil
		}
		for _, bucket := range buckets.Buckets {
			lids = append(lids, bucket.Key)
			emitted = append(emitted, bucket.Key)
		}
		if len(buckets.Buckets) < lidAggregationPageSize {
			return lids, nil
		}
	}
}

// needsWorkQuery selects published documents lacking either the current
// sweeper-version stamp or a stored successor value.
func needsWorkQuery(versionKey string) map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"must": []any{
				map[string]any{"terms": map[string]any{sweepers.ArchiveStatusKey: sweepers.PublishedStatuses}},
			},
			"should": []any{
				map[string]any{"bool": map[string]any{
					"must_not": []any{map[string]any{"range": map[string]any{versionKey: map[string]any{"gte": sweepers.ProvenanceVersion}}}},
				}},
				map[string]any{"bool": map[string]any{
					"must_not": []any{map[string]any{"exists": map[string]any{"field": SupersededByKey}}},
				}},
			},
			"minimum_should_match": 1,
		},
	}
}

// collectRecords scans all published documents of the given LIDs.
func (s *Sweeper) collectRecords(ctx context.Context, env *Env, index, versionKey string, lids []string, log *slog.Logger) ([]*Record, error) {
	const lidBatchSize = 1024
	var records []*Record
	for start := 0; start < len(lids); start += lidBatchSize {
		end := min(start+lidBatchSize, len(lids))
		query := map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"terms": map[string]any{sweepers.ArchiveStatusKey: sweepers.PublishedStatuses}},
					map[string]any{"terms": map[string]any{"lid": lids[start:end]}},
				},
			},
		}
		err := s.Scan(ctx, registry.ScanOptions{
			Index:               index,
			Query:               query,
			Source:              []string{"lidvid", SupersededByKey, versionKey},
			CrossClusterRemotes: env.Remotes,
		}, func(hit registry.Hit) error {
			record, err := RecordFromSource(hit.Source)
			if err != nil {
				log.Warn("skipping unparseable document", "id", hit.ID, "error", err)
				return nil
			}
			records = append(records, record)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return records, nil
}

// Record is the provenance state of one document: its identity, its
// computed successor, and enough stored state to decide skippability.
type Record struct {
	LidVid    pds.LidVid
	Successor *pds.LidVid

	storedSuccessor    *string
	hasStoredSuccessor bool
	storedVersion      int
}

// RecordFromSource parses a document _source into a Record.
func RecordFromSource(source json.RawMessage) (*Record, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedDocument, err)
	}
	rawLidvid, ok := fields["lidvid"]
	if !ok {
		return nil, fmt.Errorf("%w: missing lidvid", registry.ErrMalformedDocument)
	}
	var lidvidStr string
	if err := json.Unmarshal(rawLidvid, &lidvidStr); err != nil {
		return nil, fmt.Errorf("%w: lidvid is not a string", registry.ErrMalformedDocument)
	}
	lidvid, err := pds.ParseLidVid(lidvidStr)
	if err != nil {
		return nil, err
	}

	record := &Record{LidVid: lidvid}
	if raw, ok := fields[SupersededByKey]; ok {
		record.hasStoredSuccessor = true
		var stored *string
		if err := json.Unmarshal(raw, &stored); err == nil {
			record.storedSuccessor = stored
		}
	}
	if raw, ok := fields[sweepers.VersionMetadataKey("provenance")]; ok {
		var version int
		if err := json.Unmarshal(raw, &version); err == nil {
			record.storedVersion = version
		}
	}
	return record, nil
}

// SkipWrite reports whether the stored document already matches the
// computed successor at the current sweeper version. Skippable records are
// counted but not written.
func (r *Record) SkipWrite() bool {
	if r.storedVersion < sweepers.ProvenanceVersion {
		return false
	}
	if !r.hasStoredSuccessor {
		return false
	}
	if r.Successor == nil {
		return r.storedSuccessor == nil
	}
	return r.storedSuccessor != nil && *r.storedSuccessor == r.Successor.String()
}

// ToUpdate renders the record as a bulk update. The successor is always
// written, either a valid LIDVID or an explicit null; the field is never
// deleted.
func (r *Record) ToUpdate() registry.Update {
	var successor any
	if r.Successor != nil {
		successor = r.Successor.String()
	}
	return registry.Update{
		ID: r.LidVid.String(),
		Content: map[string]any{
			SupersededByKey: successor,
			sweepers.VersionMetadataKey("provenance"): sweepers.ProvenanceVersion,
			legacyVersionKey:                          nil,
		},
	}
}

// GroupAndLinkRecords partitions records by LID and links each group into
// an ascending version chain: every record's successor is the next LIDVID
// in sort order, and the tip's successor stays nil.
func GroupAndLinkRecords(records []*Record) [][]*Record {
	byLid := make(map[pds.Lid][]*Record)
	var lidOrder []pds.Lid
	for _, record := range records {
		lid := record.LidVid.Lid()
		if _, ok := byLid[lid]; !ok {
			lidOrder = append(lidOrder, lid)
		}
		byLid[lid] = append(byLid[lid], record)
	}
	sort.Slice(lidOrder, func(i, j int) bool { return lidOrder[i].Compare(lidOrder[j]) < 0 })

	chains := make([][]*Record, 0, len(lidOrder))
	for _, lid := range lidOrder {
		chain := byLid[lid]
		sort.Slice(chain, func(i, j int) bool { return chain[i].LidVid.Compare(chain[j].LidVid) < 0 })
		for i := 0; i < len(chain)-1; i++ {
			successor := chain[i+1].LidVid
			chain[i].Successor = &successor
		}
		chains = append(chains, chain)
	}
	return chains
}

// Updates renders non-skippable records from the given chains lazily.
func Updates(chains [][]*Record) iter.Seq[registry.Update] {
	return func(yield func(registry.Update) bool) {
		for _, chain := range chains {
			for _, record := range chain {
				if record.SkipWrite() {
					continue
				}
				if !yield(record.ToUpdate()) {
					return
				}
			}
		}
	}
}
