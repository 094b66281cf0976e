// Package ancestry implements the ancestry sweeper: for every bundle,
// collection, and basic product it computes the set of parent-collection
// and parent-bundle identifiers and publishes them onto the document.
package ancestry

import "strings"

// Metadata fields managed by this sweeper.
const (
	ParentBundleKey     = "ops:Provenance/ops:parent_bundle_identifier"
	ParentCollectionKey = "ops:Provenance/ops:parent_collection_identifier"
	AncestorRefsKey     = "ops:Provenance/ops:ancestor_refs"
)

// keyPlaceholder lets the painless script below be written without
// escaping the metadata key's special characters.
const keyPlaceholder = "ANCESTRY_REFS_METADATA_KEY_PLACEHOLDER"

// dedupScriptTemplate is a minified painless script that unions
// params.new_items into the ancestor-refs array without duplicates.
// Serverless collections do not support stored scripts, so it is inlined
// into every update. The unminified equivalent:
//
//	boolean changed = false;
//	if (ctx._source['<key>'] == null) {
//	    ctx._source['<key>'] = [];
//	    changed = true;
//	}
//	def existing = new HashSet();
//	for (item in ctx._source['<key>']) {
//	    existing.add(item);
//	}
//	for (item in params.new_items) {
//	    if (!existing.contains(item)) {
//	        ctx._source['<key>'].add(item);
//	        changed = true;
//	    }
//	}
//	if (!changed) {
//	    ctx.op = 'none';  // prevents reindexing if nothing changed
//	}
const dedupScriptTemplate = "boolean c=false;if(ctx._source['" + keyPlaceholder + "']==null){ctx._source['" + keyPlaceholder + "']=[];c=true;}def e=new HashSet();for(i in ctx._source['" + keyPlaceholder + "']){e.add(i);}for(i in params.new_items){if(!e.contains(i)){ctx._source['" + keyPlaceholder + "'].add(i);c=true;}}if(!c){ctx.op='none';}"

// DedupScript is the inline update script applied to partial ancestry
// updates, keyed off the canonical ancestor-refs field.
var DedupScript = strings.ReplaceAll(dedupScriptTemplate, keyPlaceholder, AncestorRefsKey)
