package ancestry

import (
	"sort"

	"github.com/nasa-pds/registry-sweepers/internal/pds"
)

// Record is the computed ancestry of one product: its explicit parent
// collections and parent bundles. A basic product additionally references
// the records of its parent collections so its bundle ancestry resolves
// transitively through them.
type Record struct {
	LidVid pds.LidVid

	parentBundles     map[pds.LidVid]struct{}
	parentCollections map[pds.LidVid]struct{}

	// parentCollectionRecords resolves the one-hop transitive closure:
	// a product's bundles are those of every collection it belongs to.
	parentCollectionRecords map[pds.LidVid]*Record
}

// NewRecord returns an empty ancestry record for lidvid.
func NewRecord(lidvid pds.LidVid) *Record {
	return &Record{
		LidVid:                  lidvid,
		parentBundles:           make(map[pds.LidVid]struct{}),
		parentCollections:       make(map[pds.LidVid]struct{}),
		parentCollectionRecords: make(map[pds.LidVid]*Record),
	}
}

// AddParentBundle records an explicit parent bundle.
func (r *Record) AddParentBundle(bundle pds.LidVid) {
	r.parentBundles[bundle] = struct{}{}
}

// AddParentCollection records an explicit parent collection. When the
// collection's own record is supplied, the product inherits its bundle
// ancestry.
func (r *Record) AddParentCollection(collection pds.LidVid, collectionRecord *Record) {
	r.parentCollections[collection] = struct{}{}
	if collectionRecord != nil {
		r.parentCollectionRecords[collection] = collectionRecord
	}
}

// ResolveParentCollectionLidVids returns the sorted explicit parent
// collections.
func (r *Record) ResolveParentCollectionLidVids() []pds.LidVid {
	return sortedLidVids(r.parentCollections)
}

// ResolveParentBundleLidVids returns the sorted union of explicit parent
// bundles and the bundle ancestry of every explicit parent collection.
func (r *Record) ResolveParentBundleLidVids() []pds.LidVid {
	resolved := make(map[pds.LidVid]struct{}, len(r.parentBundles))
	for bundle := range r.parentBundles {
		resolved[bundle] = struct{}{}
	}
	for _, collectionRecord := range r.parentCollectionRecords {
		for _, bundle := range collectionRecord.ResolveParentBundleLidVids() {
			resolved[bundle] = struct{}{}
		}
	}
	return sortedLidVids(resolved)
}

// AncestorRefStrings returns every ancestor identifier in both LIDVID and
// LID form, deduplicated and sorted, for the ancestor-refs field.
func (r *Record) AncestorRefStrings() []string {
	refs := make(map[string]struct{})
	for _, collection := range r.ResolveParentCollectionLidVids() {
		refs[collection.String()] = struct{}{}
		refs[collection.Lid().String()] = struct{}{}
	}
	for _, bundle := range r.ResolveParentBundleLidVids() {
		refs[bundle.String()] = struct{}{}
		refs[bundle.Lid().String()] = struct{}{}
	}
	return sortedStrings(refs)
}

func sortedLidVids(set map[pds.LidVid]struct{}) []pds.LidVid {
	out := make([]pds.LidVid, 0, len(set))
	for lidvid := range set {
		out = append(out, lidvid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Compare(out[j]) < 0 })
	return out
}

func sortedStrings(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func lidvidStrings(lidvids []pds.LidVid) []string {
	out := make([]string, len(lidvids))
	for i, lidvid := range lidvids {
		out[i] = lidvid.String()
	}
	return out
}
