package ancestry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"

	"github.com/google/uuid"

	"github.com/nasa-pds/registry-sweepers/internal/pds"
	"github.com/nasa-pds/registry-sweepers/internal/registry"
	"github.com/nasa-pds/registry-sweepers/internal/spillmap"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

// defaultSpillThreshold bounds the in-memory share of accumulated
// basic-product parentage before entries overflow to disk.
const defaultSpillThreshold = 100000

// errStopIteration signals that the update consumer stopped pulling; it
// aborts the scan without reporting a failure.
var errStopIteration = errors.New("update stream closed")

// Sweeper computes bundle/collection/basic-product parentage.
type Sweeper struct {
	Scan  sweepers.ScanFunc
	Write sweepers.WriteFunc
	// EnsureMapping guarantees a field mapping; defaults to the registry
	// client implementation.
	EnsureMapping func(ctx context.Context, index, field, fieldType string) error
	// SpillThreshold overrides the spill map's cache size; zero selects
	// the default.
	SpillThreshold int
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

func (s *Sweeper) Name() string { return "ancestry" }

// Parents is the spill-map value accumulating a product's known parentage
// across collection batches. Merging is set union, so partial discoveries
// arriving in any order fold to the same total.
type Parents struct {
	Collections []string `json:"collections"`
	Bundles     []string `json:"bundles"`
}

func mergeParents(a, b Parents) Parents {
	return Parents{
		Collections: unionSorted(a.Collections, b.Collections),
		Bundles:     unionSorted(a.Bundles, b.Bundles),
	}
}

func unionSorted(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	return sortedStrings(set)
}

// Run executes the sweep in three stages: bundle ancestry, collection
// ancestry, then streamed basic-product ancestry with a deferred
// reconciliation pass over the spill map.
func (s *Sweeper) Run(ctx context.Context, env *sweepers.Env) error {
	log := env.Log.With("sweeper", s.Name())
	versionKey := sweepers.VersionMetadataKey(s.Name())

	registryIndex, err := env.IndexName(registry.IndexRegistry)
	if err != nil {
		return err
	}
	refsIndex, err := env.IndexName(registry.IndexRegistryRefs)
	if err != nil {
		return err
	}

	for field, fieldType := range map[string]string{
		versionKey:          "integer",
		ParentBundleKey:     "keyword",
		ParentCollectionKey: "keyword",
		AncestorRefsKey:     "keyword",
	} {
		if err := s.EnsureMapping(ctx, registryIndex, field, fieldType); err != nil {
			return err
		}
	}

	bundles, bundleRecords, err := s.collectBundleAncestry(ctx, registryIndex, env.Remotes, log)
	if err != nil {
		return err
	}
	collectionRecords, err := s.collectCollectionAncestry(ctx, registryIndex, env.Remotes, bundles, log)
	if err != nil {
		return err
	}

	threshold := s.SpillThreshold
	if threshold == 0 {
		threshold = defaultSpillThreshold
	}
	spill, err := spillmap.New[Parents](mergeParents, spillmap.Options{
		Threshold: threshold,
		Path:      filepath.Join(env.WorkDir, "ancestry-spill-"+uuid.NewString()+".sqlite"),
	})
	if err != nil {
		return err
	}
	defer spill.Close()

	sortedCollections := make([]*Record, 0, len(collectionRecords))
	for _, record := range collectionRecords {
		sortedCollections = append(sortedCollections, record)
	}
	sort.Slice(sortedCollections, func(i, j int) bool {
		return sortedCollections[i].LidVid.Compare(sortedCollections[j].LidVid) < 0
	})

	var streamErr error
	updates := func(yield func(registry.Update) bool) {
		// Aggregate products first: their ancestry is complete in memory.
		for _, record := range bundleRecords {
			if !yield(recordUpdate(record, versionKey)) {
				return
			}
		}
		for _, record := range sortedCollections {
			if refs := record.AncestorRefStrings(); len(refs) > 0 {
				if !yield(partialRefsUpdate(record.LidVid.String(), refs)) {
					return
				}
			}
			if !yield(recordUpdate(record, versionKey)) {
				return
			}
		}

		// Stage 3: stream membership batches, emitting partial updates as
		// parentage is discovered and folding the running totals into the
		// spill map.
		legacyMembers := make(map[pds.Lid]map[pds.LidVid]struct{})
		err := s.Scan(ctx, registry.ScanOptions{
			Index:               refsIndex,
			Source:              []string{"collection_lidvid", "batch_id", "product_lidvid"},
			CrossClusterRemotes: env.Remotes,
		}, func(hit registry.Hit) error {
			doc, err := parseRefsDoc(hit.Source)
			if err != nil {
				log.Warn("skipping unparseable collection-refs document", "id", hit.ID, "error", err)
				return nil
			}
			collectionRecord, ok := collectionRecords[doc.CollectionLidVid]
			if !ok {
				log.Warn("membership batch references unknown collection",
					"collection", doc.CollectionLidVid.String(), "batch", doc.BatchID)
				return nil
			}
			for _, member := range doc.Members {
				if lidvid, err := pds.ParseLidVid(member); err == nil {
					if emitErr := emitProductPartial(yield, spill, lidvid, collectionRecord); emitErr != nil {
						return emitErr
					}
					continue
				}
				lid, err := pds.ParseLid(member)
				if err != nil {
					log.Warn("skipping malformed member reference",
						"collection", doc.CollectionLidVid.String(), "member", member)
					continue
				}
				// Legacy shape: the batch names the product by LID only;
				// expansion to published LIDVIDs happens after the stream.
				if legacyMembers[lid] == nil {
					legacyMembers[lid] = make(map[pds.LidVid]struct{})
				}
				legacyMembers[lid][doc.CollectionLidVid] = struct{}{}
			}
			return nil
		})
		if err != nil {
			if !errors.Is(err, errStopIteration) {
				streamErr = err
			}
			return
		}

		if len(legacyMembers) > 0 {
			log.Info("expanding legacy LID-only membership references", "lids", len(legacyMembers))
			if err := s.emitLegacyPartials(ctx, yield, spill, registryIndex, env.Remotes, legacyMembers, collectionRecords, log); err != nil {
				if !errors.Is(err, errStopIteration) {
					streamErr = err
				}
				return
			}
		}

		// Deferred pass: drain the spill map into one complete update per
		// product. Only these carry the sweeper-version stamp; partials
		// must never stamp prematurely.
		err = spill.ForEach(func(product string, parents Parents) error {
			update := registry.Update{
				ID: product,
				Content: map[string]any{
					ParentCollectionKey: parents.Collections,
					ParentBundleKey:     parents.Bundles,
					versionKey:          sweepers.AncestryVersion,
				},
			}
			if !yield(update) {
				return errStopIteration
			}
			return nil
		})
		if err != nil && !errors.Is(err, errStopIteration) {
			streamErr = err
		}
	}

	stats, err := s.Write(ctx, registryIndex, updates)
	if err != nil {
		return err
	}
	if streamErr != nil {
		return streamErr
	}
	log.Info("ancestry sweep complete", "updates", stats.Submitted,
		"item_warnings", stats.Warnings, "item_errors", stats.Errors)
	return nil
}

// emitProductPartial yields a scripted partial update carrying the refs
// known from one membership discovery and folds them into the spill map.
func emitProductPartial(yield func(registry.Update) bool, spill *spillmap.Map[Parents], product pds.LidVid, collectionRecord *Record) error {
	bundles := collectionRecord.ResolveParentBundleLidVids()
	parents := Parents{
		Collections: []string{collectionRecord.LidVid.String()},
		Bundles:     lidvidStrings(bundles),
	}

	refs := make(map[string]struct{}, 2+2*len(bundles))
	refs[collectionRecord.LidVid.String()] = struct{}{}
	refs[collectionRecord.LidVid.Lid().String()] = struct{}{}
	for _, bundle := range bundles {
		refs[bundle.String()] = struct{}{}
		refs[bundle.Lid().String()] = struct{}{}
	}

	if !yield(partialRefsUpdate(product.String(), sortedStrings(refs))) {
		return errStopIteration
	}
	if err := spill.Put(product.String(), parents); err != nil {
		return fmt.Errorf("accumulating ancestry for %s: %w", product, err)
	}
	return nil
}

// emitLegacyPartials expands LID-only members to every published LIDVID of
// each LID and emits the same partial updates as the direct path.
func (s *Sweeper) emitLegacyPartials(
	ctx context.Context,
	yield func(registry.Update) bool,
	spill *spillmap.Map[Parents],
	registryIndex string,
	remotes []string,
	legacyMembers map[pds.Lid]map[pds.LidVid]struct{},
	collectionRecords map[pds.LidVid]*Record,
	log *slog.Logger,
) error {
	lids := make([]pds.Lid, 0, len(legacyMembers))
	for lid := range legacyMembers {
		lids = append(lids, lid)
	}
	sort.Slice(lids, func(i, j int) bool { return lids[i].Compare(lids[j]) < 0 })

	published, err := s.publishedLidvidsForLids(ctx, registryIndex, remotes, lids, log)
	if err != nil {
		return err
	}

	for _, lid := range lids {
		versions := published[lid]
		if len(versions) == 0 {
			log.Warn("legacy member reference matches no published product", "lid", lid.String())
			continue
		}
		for collection := range legacyMembers[lid] {
			collectionRecord := collectionRecords[collection]
			for _, lidvid := range versions {
				if err := emitProductPartial(yield, spill, lidvid, collectionRecord); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// partialRefsUpdate builds a scripted ancestor-refs update that unions
// newItems into the field server-side without duplicates, suppressing the
// write entirely when nothing changes.
func partialRefsUpdate(id string, newItems []string) registry.Update {
	return registry.Update{
		ID:           id,
		Script:       DedupScript,
		ScriptParams: map[string]any{"new_items": newItems},
	}
}

// recordUpdate renders an in-memory ancestry record (bundle or collection)
// as a complete document update with the version stamp.
func recordUpdate(record *Record, versionKey string) registry.Update {
	return registry.Update{
		ID: record.LidVid.String(),
		Content: map[string]any{
			ParentBundleKey:     lidvidStrings(record.ResolveParentBundleLidVids()),
			ParentCollectionKey: lidvidStrings(record.ResolveParentCollectionLidVids()),
			versionKey:          sweepers.AncestryVersion,
		},
	}
}
