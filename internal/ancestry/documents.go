package ancestry

import (
	"encoding/json"
	"fmt"

	"github.com/nasa-pds/registry-sweepers/internal/pds"
	"github.com/nasa-pds/registry-sweepers/internal/registry"
)

// bundleDoc is the subset of a bundle document the sweeper reads.
type bundleDoc struct {
	LidVid pds.LidVid
	// CollectionLidVidRefs are explicit versioned collection references:
	// the bundle parents exactly those collection versions.
	CollectionLidVidRefs []pds.LidVid
	// CollectionLidRefs are versionless references: the bundle parents
	// every published version of the referenced collection LID.
	CollectionLidRefs []pds.Lid
}

// collectionDoc is the subset of a collection document the sweeper reads.
type collectionDoc struct {
	LidVid       pds.LidVid
	AlternateIDs []string
}

// refsDoc is one membership batch from the registry-refs index. Members
// are full LIDVIDs, or bare LIDs in the legacy shape.
type refsDoc struct {
	CollectionLidVid pds.LidVid
	BatchID          string
	Members          []string
}

func unmarshalSource(source json.RawMessage, out any) error {
	if err := json.Unmarshal(source, out); err != nil {
		return fmt.Errorf("%w: %v", registry.ErrMalformedDocument, err)
	}
	return nil
}

// coerceStringList accepts both array-valued fields and legacy records
// that stored a singleton property without the enclosing array.
func coerceStringList(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	return nil, fmt.Errorf("%w: field is neither string nor string array", registry.ErrMalformedDocument)
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", fmt.Errorf("%w: missing %s", registry.ErrMalformedDocument, name)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", fmt.Errorf("%w: %s is not a string", registry.ErrMalformedDocument, name)
	}
	return value, nil
}

func parseBundleDoc(source json.RawMessage) (*bundleDoc, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedDocument, err)
	}
	lidvidStr, err := stringField(fields, "lidvid")
	if err != nil {
		return nil, err
	}
	lidvid, err := pds.ParseLidVid(lidvidStr)
	if err != nil {
		return nil, err
	}

	doc := &bundleDoc{LidVid: lidvid}

	lidvidRefs, err := coerceStringList(fields["ref_lidvid_collection"])
	if err != nil {
		return nil, err
	}
	for _, ref := range lidvidRefs {
		collection, err := pds.ParseLidVid(ref)
		if err != nil {
			return nil, err
		}
		doc.CollectionLidVidRefs = append(doc.CollectionLidVidRefs, collection)
	}

	lidRefs, err := coerceStringList(fields["ref_lid_collection"])
	if err != nil {
		return nil, err
	}
	for _, ref := range lidRefs {
		collection, err := pds.ParseLid(ref)
		if err != nil {
			return nil, err
		}
		doc.CollectionLidRefs = append(doc.CollectionLidRefs, collection)
	}

	// alternate_ids may carry either reference shape.
	alternates, err := coerceStringList(fields["alternate_ids"])
	if err != nil {
		return nil, err
	}
	for _, alternate := range alternates {
		if alternate == lidvid.String() || alternate == lidvid.Lid().String() {
			continue
		}
		id, err := pds.ParseIdentifier(alternate)
		if err != nil {
			continue
		}
		if versioned, ok := id.(pds.LidVid); ok {
			doc.CollectionLidVidRefs = append(doc.CollectionLidVidRefs, versioned)
		} else {
			doc.CollectionLidRefs = append(doc.CollectionLidRefs, id.Lid())
		}
	}

	return doc, nil
}

func parseCollectionDoc(source json.RawMessage) (*collectionDoc, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedDocument, err)
	}
	lidvidStr, err := stringField(fields, "lidvid")
	if err != nil {
		return nil, err
	}
	lidvid, err := pds.ParseLidVid(lidvidStr)
	if err != nil {
		return nil, err
	}
	alternates, err := coerceStringList(fields["alternate_ids"])
	if err != nil {
		return nil, err
	}
	return &collectionDoc{LidVid: lidvid, AlternateIDs: alternates}, nil
}

func parseRefsDoc(source json.RawMessage) (*refsDoc, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(source, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", registry.ErrMalformedDocument, err)
	}
	collectionStr, err := stringField(fields, "collection_lidvid")
	if err != nil {
		return nil, err
	}
	collection, err := pds.ParseLidVid(collectionStr)
	if err != nil {
		return nil, err
	}
	batchID, _ := stringField(fields, "batch_id")
	members, err := coerceStringList(fields["product_lidvid"])
	if err != nil {
		return nil, err
	}
	return &refsDoc{CollectionLidVid: collection, BatchID: batchID, Members: members}, nil
}
