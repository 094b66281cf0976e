package ancestry

import (
	"context"
	"log/slog"

	"github.com/nasa-pds/registry-sweepers/internal/pds"
	"github.com/nasa-pds/registry-sweepers/internal/registry"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

func publishedQuery(class string) map[string]any {
	must := []any{
		map[string]any{"terms": map[string]any{sweepers.ArchiveStatusKey: sweepers.PublishedStatuses}},
	}
	if class != "" {
		must = append(must, map[string]any{"term": map[string]any{"product_class": class}})
	}
	return map[string]any{"bool": map[string]any{"must": must}}
}

// collectBundleAncestry scans every published bundle and returns its
// declared collection references plus its own (necessarily parentless)
// ancestry record. Bundles have no ancestors; the record exists so the
// sweeper-version stamp is written.
func (s *Sweeper) collectBundleAncestry(ctx context.Context, index string, remotes []string, log *slog.Logger) ([]*bundleDoc, []*Record, error) {
	var docs []*bundleDoc
	var records []*Record
	err := s.Scan(ctx, registry.ScanOptions{
		Index:               index,
		Query:               publishedQuery("bundle"),
		Source:              []string{"lidvid", "ref_lidvid_collection", "ref_lid_collection", "alternate_ids"},
		CrossClusterRemotes: remotes,
	}, func(hit registry.Hit) error {
		doc, err := parseBundleDoc(hit.Source)
		if err != nil {
			log.Warn("skipping unparseable bundle document", "id", hit.ID, "error", err)
			return nil
		}
		docs = append(docs, doc)
		records = append(records, NewRecord(doc.LidVid))
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	log.Info("collected bundle ancestry", "bundles", len(records))
	return docs, records, nil
}

// collectCollectionAncestry scans every published collection and computes
// its parent bundles from the bundle reference declarations: a versioned
// reference matches exactly one collection version, a versionless
// reference matches every published version of that LID.
func (s *Sweeper) collectCollectionAncestry(ctx context.Context, index string, remotes []string, bundles []*bundleDoc, log *slog.Logger) (map[pds.LidVid]*Record, error) {
	byLidVid := make(map[pds.LidVid][]pds.LidVid)
	byLid := make(map[pds.Lid][]pds.LidVid)
	for _, bundle := range bundles {
		for _, ref := range bundle.CollectionLidVidRefs {
			byLidVid[ref] = append(byLidVid[ref], bundle.LidVid)
		}
		for _, ref := range bundle.CollectionLidRefs {
			byLid[ref] = append(byLid[ref], bundle.LidVid)
		}
	}

	records := make(map[pds.LidVid]*Record)
	err := s.Scan(ctx, registry.ScanOptions{
		Index:               index,
		Query:               publishedQuery("collection"),
		Source:              []string{"lidvid", "alternate_ids"},
		CrossClusterRemotes: remotes,
	}, func(hit registry.Hit) error {
		doc, err := parseCollectionDoc(hit.Source)
		if err != nil {
			log.Warn("skipping unparseable collection document", "id", hit.ID, "error", err)
			return nil
		}
		record := NewRecord(doc.LidVid)
		for _, bundle := range byLidVid[doc.LidVid] {
			record.AddParentBundle(bundle)
		}
		for _, bundle := range byLid[doc.LidVid.Lid()] {
			record.AddParentBundle(bundle)
		}
		if len(record.ResolveParentBundleLidVids()) == 0 {
			log.Warn("collection is not referenced by any bundle", "collection", doc.LidVid.String())
		}
		records[doc.LidVid] = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	log.Info("collected collection ancestry", "collections", len(records))
	return records, nil
}

// publishedLidvidsForLids resolves each LID to its published LIDVIDs, for
// expanding legacy LID-only membership references. Queries are batched to
// bound the terms clause size.
func (s *Sweeper) publishedLidvidsForLids(ctx context.Context, index string, remotes []string, lids []pds.Lid, log *slog.Logger) (map[pds.Lid][]pds.LidVid, error) {
	const lidBatchSize = 512
	out := make(map[pds.Lid][]pds.LidVid)
	for start := 0; start < len(lids); start += lidBatchSize {
		end := min(start+lidBatchSize, len(lids))
		lidStrings := make([]string, 0, end-start)
		for _, lid := range lids[start:end] {
			lidStrings = append(lidStrings, lid.String())
		}
		query := map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"terms": map[string]any{sweepers.ArchiveStatusKey: sweepers.PublishedStatuses}},
					map[string]any{"terms": map[string]any{"lid": lidStrings}},
				},
			},
		}
		err := s.Scan(ctx, registry.ScanOptions{
			Index:               index,
			Query:               query,
			Source:              []string{"lid", "lidvid"},
			CrossClusterRemotes: remotes,
		}, func(hit registry.Hit) error {
			var fields struct {
				LidVid string `json:"lidvid"`
			}
			if err := unmarshalSource(hit.Source, &fields); err != nil {
				log.Warn("skipping unparseable document", "id", hit.ID, "error", err)
				return nil
			}
			lidvid, err := pds.ParseLidVid(fields.LidVid)
			if err != nil {
				log.Warn("skipping document with malformed lidvid", "id", hit.ID, "error", err)
				return nil
			}
			lid := lidvid.Lid()
			out[lid] = append(out[lid], lidvid)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
