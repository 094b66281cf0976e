package registry

import (
	"context"
	"fmt"
	"log/slog"
)

// The registry comprises a fixed set of logical indices. Multi-tenant
// deployments prefix each with the tenant's node id.
const (
	IndexRegistry     = "registry"
	IndexRegistryRefs = "registry-refs"
	IndexRegistryDD   = "registry-dd"
)

var supportedIndexTypes = map[string]bool{
	IndexRegistry:     true,
	IndexRegistryRefs: true,
	IndexRegistryDD:   true,
}

// ResolveMultitenantIndexName maps a logical index name to its physical
// name under the given tenant node id. With an empty node id the logical
// name is used unchanged. Only the fixed set of registry index types is
// accepted.
func ResolveMultitenantIndexName(nodeID, indexType string) (string, error) {
	if !supportedIndexTypes[indexType] {
		return "", fmt.Errorf("index type %q not supported (expected one of %s, %s, %s)",
			indexType, IndexRegistry, IndexRegistryRefs, IndexRegistryDD)
	}
	if nodeID == "" {
		return indexType, nil
	}
	return nodeID + "-" + indexType, nil
}

// EnsureIndexMapping guarantees that field is mapped with fieldType in
// index. It succeeds idempotently when the mapping already matches and
// fails with MappingConflictError when the field is mapped differently.
func EnsureIndexMapping(ctx context.Context, client *Client, index, field, fieldType string) error {
	existing, err := client.GetMapping(ctx, index)
	if err != nil {
		return err
	}
	if existingType, ok := existing[field]; ok {
		if existingType == fieldType {
			return nil
		}
		return &MappingConflictError{Index: index, Field: field, Existing: existingType, Requested: fieldType}
	}
	slog.Debug("adding index mapping", "index", index, "field", field, "type", fieldType)
	return client.PutMapping(ctx, index, map[string]string{field: fieldType})
}

// ResolveIndexNameIfAliased returns the concrete index name behind
// indexOrAlias, or indexOrAlias itself when it already names an index.
func ResolveIndexNameIfAliased(ctx context.Context, client *Client, indexOrAlias string) (string, error) {
	isIndex, err := client.ExistsIndex(ctx, indexOrAlias)
	if err != nil {
		return "", err
	}
	if isIndex {
		return indexOrAlias, nil
	}
	isAlias, err := client.ExistsAlias(ctx, indexOrAlias)
	if err != nil {
		return "", err
	}
	if !isAlias {
		return "", fmt.Errorf("could not resolve index for name %q", indexOrAlias)
	}
	resolved, err := client.ResolveAlias(ctx, indexOrAlias)
	if err != nil {
		return "", err
	}
	client.Logger().Debug("resolved alias", "alias", indexOrAlias, "index", resolved)
	return resolved, nil
}
