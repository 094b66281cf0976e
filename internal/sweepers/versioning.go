package sweepers

// Sweeper versions gate reprocessing for repairkit and provenance: documents
// stamped at the current version are skipped, and bumping a version forces
// reprocessing of the full registry on the next run. Ancestry writes its
// stamp but does not filter on it; it processes every published document.
const (
	RepairkitVersion  = 1
	ProvenanceVersion = 2
	AncestryVersion   = 2
)

// ArchiveStatusKey holds a product's archive status; only published
// statuses make a product eligible for sweeping.
const ArchiveStatusKey = "ops:Tracking_Meta/ops:archive_status"

// PublishedStatuses are the archive statuses considered published.
var PublishedStatuses = []string{"archived", "certified"}

// VersionMetadataKey returns the metadata field holding a sweeper's
// version stamp.
func VersionMetadataKey(sweeperName string) string {
	return "ops:Sweepers/" + sweeperName + "_version"
}
