package provenance

import (
	"encoding/json"
	"testing"

	"github.com/nasa-pds/registry-sweepers/internal/pds"
	"github.com/nasa-pds/registry-sweepers/internal/sweepers"
)

func recordFor(t *testing.T, source map[string]any) *Record {
	t.Helper()
	encoded, err := json.Marshal(source)
	if err != nil {
		t.Fatalf("encoding source: %v", err)
	}
	record, err := RecordFromSource(encoded)
	if err != nil {
		t.Fatalf("RecordFromSource failed: %v", err)
	}
	return record
}

func successorStrings(t *testing.T, chains [][]*Record) map[string]any {
	t.Helper()
	out := map[string]any{}
	for _, chain := range chains {
		for _, record := range chain {
			if record.Successor != nil {
				out[record.LidVid.String()] = record.Successor.String()
			} else {
				out[record.LidVid.String()] = nil
			}
		}
	}
	return out
}

func TestChainLinkingAcrossClasses(t *testing.T) {
	extantLidvids := []string{
		"urn:nasa:pds:bundle::1.0",
		"urn:nasa:pds:bundle::1.1",
		"urn:nasa:pds:bundle::2.0",
		"urn:nasa:pds:bundle:collection::10.0",
		"urn:nasa:pds:bundle:collection::10.1",
		"urn:nasa:pds:bundle:collection::20.0",
		"urn:nasa:pds:bundle:collection:product::100.0",
		"urn:nasa:pds:bundle:collection:product::100.1",
		"urn:nasa:pds:bundle:collection:product::200.0",
	}
	var records []*Record
	for _, lidvid := range extantLidvids {
		records = append(records, recordFor(t, map[string]any{"lidvid": lidvid}))
	}

	chains := GroupAndLinkRecords(records)
	if len(chains) != 3 {
		t.Fatalf("chains = %d, want 3", len(chains))
	}

	want := map[string]any{
		"urn:nasa:pds:bundle::1.0":                      "urn:nasa:pds:bundle::1.1",
		"urn:nasa:pds:bundle::1.1":                      "urn:nasa:pds:bundle::2.0",
		"urn:nasa:pds:bundle::2.0":                      nil,
		"urn:nasa:pds:bundle:collection::10.0":          "urn:nasa:pds:bundle:collection::10.1",
		"urn:nasa:pds:bundle:collection::10.1":          "urn:nasa:pds:bundle:collection::20.0",
		"urn:nasa:pds:bundle:collection::20.0":          nil,
		"urn:nasa:pds:bundle:collection:product::100.0": "urn:nasa:pds:bundle:collection:product::100.1",
		"urn:nasa:pds:bundle:collection:product::100.1": "urn:nasa:pds:bundle:collection:product::200.0",
		"urn:nasa:pds:bundle:collection:product::200.0": nil,
	}
	got := successorStrings(t, chains)
	if len(got) != len(want) {
		t.Fatalf("records = %d, want %d", len(got), len(want))
	}
	for lidvid, successor := range want {
		if got[lidvid] != successor {
			t.Errorf("successor of %s = %v, want %v", lidvid, got[lidvid], successor)
		}
	}
}

func TestChainLinkingSortsNumerically(t *testing.T) {
	// Out-of-order input with versions that sort wrongly as strings.
	var records []*Record
	for _, lidvid := range []string{"urn:b::10.0", "urn:b::1.1", "urn:b::2.0", "urn:b::1.0"} {
		records = append(records, recordFor(t, map[string]any{"lidvid": lidvid}))
	}
	chains := GroupAndLinkRecords(records)
	if len(chains) != 1 {
		t.Fatalf("chains = %d, want 1", len(chains))
	}
	got := successorStrings(t, chains)
	want := map[string]any{
		"urn:b::1.0":  "urn:b::1.1",
		"urn:b::1.1":  "urn:b::2.0",
		"urn:b::2.0":  "urn:b::10.0",
		"urn:b::10.0": nil,
	}
	for lidvid, successor := range want {
		if got[lidvid] != successor {
			t.Errorf("successor of %s = %v, want %v", lidvid, got[lidvid], successor)
		}
	}
}

func TestSuccessorAlwaysSameLidAndGreater(t *testing.T) {
	var records []*Record
	for _, lidvid := range []string{
		"urn:a::1.0", "urn:a::1.5", "urn:a::3.2",
		"urn:b::2.0", "urn:b::2.1",
	} {
		records = append(records, recordFor(t, map[string]any{"lidvid": lidvid}))
	}
	for _, chain := range GroupAndLinkRecords(records) {
		for _, record := range chain {
			if record.Successor == nil {
				continue
			}
			if record.Successor.Lid() != record.LidVid.Lid() {
				t.Errorf("successor of %s crosses LIDs: %s", record.LidVid, record.Successor)
			}
			if record.LidVid.Compare(*record.Successor) >= 0 {
				t.Errorf("successor of %s is not strictly greater: %s", record.LidVid, record.Successor)
			}
		}
	}
}

func TestToUpdateContent(t *testing.T) {
	records := []*Record{
		recordFor(t, map[string]any{"lidvid": "urn:b::1.0"}),
		recordFor(t, map[string]any{"lidvid": "urn:b::2.0"}),
	}
	chains := GroupAndLinkRecords(records)

	var updates []struct {
		id      string
		content map[string]any
	}
	for update := range Updates(chains) {
		updates = append(updates, struct {
			id      string
			content map[string]any
		}{update.ID, update.Content})
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}

	first := updates[0]
	if first.id != "urn:b::1.0" {
		t.Errorf("first update id = %s", first.id)
	}
	if first.content[SupersededByKey] != "urn:b::2.0" {
		t.Errorf("superseded_by = %v, want urn:b::2.0", first.content[SupersededByKey])
	}
	if first.content[sweepers.VersionMetadataKey("provenance")] != sweepers.ProvenanceVersion {
		t.Errorf("version stamp = %v", first.content[sweepers.VersionMetadataKey("provenance")])
	}
	if value, present := first.content[legacyVersionKey]; !present || value != nil {
		t.Errorf("legacy version key must be explicitly nulled, got %v (present=%v)", value, present)
	}

	tip := updates[1]
	if value, present := tip.content[SupersededByKey]; !present || value != nil {
		t.Errorf("tip successor must be an explicit null, got %v (present=%v)", value, present)
	}
}

func TestSkipWriteWhenStoredStateCurrent(t *testing.T) {
	versionKey := sweepers.VersionMetadataKey("provenance")

	// Both documents already carry the computed state at the current
	// version: a re-run must produce zero updates.
	records := []*Record{
		recordFor(t, map[string]any{
			"lidvid":       "urn:b::1.0",
			SupersededByKey: "urn:b::2.0",
			versionKey:     sweepers.ProvenanceVersion,
		}),
		recordFor(t, map[string]any{
			"lidvid":       "urn:b::2.0",
			SupersededByKey: nil,
			versionKey:     sweepers.ProvenanceVersion,
		}),
	}
	chains := GroupAndLinkRecords(records)
	count := 0
	for range Updates(chains) {
		count++
	}
	if count != 0 {
		t.Errorf("re-run produced %d updates, want 0", count)
	}
}

func TestNoSkipWhenSuccessorChanged(t *testing.T) {
	versionKey := sweepers.VersionMetadataKey("provenance")

	// A new tip version appeared: the old tip's stored null successor no
	// longer matches and must be rewritten despite the current stamp.
	records := []*Record{
		recordFor(t, map[string]any{
			"lidvid":       "urn:b::1.0",
			SupersededByKey: nil,
			versionKey:     sweepers.ProvenanceVersion,
		}),
		recordFor(t, map[string]any{"lidvid": "urn:b::2.0"}),
	}
	chains := GroupAndLinkRecords(records)
	var ids []string
	for update := range Updates(chains) {
		ids = append(ids, update.ID)
	}
	if len(ids) != 2 {
		t.Errorf("updates = %v, want both documents rewritten", ids)
	}
}

func TestNoSkipWhenStampStale(t *testing.T) {
	versionKey := sweepers.VersionMetadataKey("provenance")
	records := []*Record{
		recordFor(t, map[string]any{
			"lidvid":       "urn:b::1.0",
			SupersededByKey: nil,
			versionKey:     sweepers.ProvenanceVersion - 1,
		}),
	}
	chains := GroupAndLinkRecords(records)
	count := 0
	for range Updates(chains) {
		count++
	}
	if count != 1 {
		t.Errorf("stale stamp must force a rewrite (got %d updates)", count)
	}
}

func TestRecordFromSourceRejectsMalformed(t *testing.T) {
	tests := []struct {
		name   string
		source map[string]any
	}{
		{"missing lidvid", map[string]any{"other": "x"}},
		{"malformed lidvid", map[string]any{"lidvid": "urn:b::1"}},
		{"non-string lidvid", map[string]any{"lidvid": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded, _ := json.Marshal(tt.source)
			if _, err := RecordFromSource(encoded); err == nil {
				t.Error("expected parse failure")
			}
		})
	}
}

func TestParseSupersededByString(t *testing.T) {
	record := recordFor(t, map[string]any{
		"lidvid":       "urn:b::1.0",
		SupersededByKey: "urn:b::1.1",
	})
	if !record.hasStoredSuccessor || record.storedSuccessor == nil || *record.storedSuccessor != "urn:b::1.1" {
		t.Errorf("stored successor not parsed: %+v", record)
	}

	_ = pds.MustLidVid("urn:b::1.1") // sanity: the fixture parses
}
