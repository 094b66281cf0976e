// Package pds implements the PDS product identifier model: logical
// identifiers (LIDs), versioned identifiers (LIDVIDs), and the product
// class taxonomy derived from identifier depth.
package pds

import (
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedIdentifier is returned when a string cannot be parsed as a
// LID or LIDVID. Callers treat it as bad data, not a sweeper bug: the
// offending document is logged and skipped.
var ErrMalformedIdentifier = errors.New("malformed identifier")

// ProductClass is the PDS aggregate level of a product, derived from the
// segment depth of its LID.
type ProductClass int

const (
	// ClassOther covers identifiers whose depth does not correspond to a
	// bundle, collection, or basic product (e.g. short test identifiers).
	ClassOther ProductClass = iota
	ClassBundle
	ClassCollection
	ClassBasicProduct
)

func (c ProductClass) String() string {
	switch c {
	case ClassBundle:
		return "bundle"
	case ClassCollection:
		return "collection"
	case ClassBasicProduct:
		return "basic-product"
	default:
		return "other"
	}
}

const (
	bundleSegmentCount     = 4
	collectionSegmentCount = 5
	basicSegmentCount      = 6
)

// ProductIdentifier is implemented by both Lid and LidVid. It allows code
// that handles mixed reference fields (e.g. alternate_ids) to carry either
// form and recover the versionless LID when needed.
type ProductIdentifier interface {
	// Lid returns the versionless logical identifier.
	Lid() Lid
	// IsVersioned reports whether the identifier carries a version suffix.
	IsVersioned() bool
	fmt.Stringer
}

// ParseIdentifier parses s as a LIDVID if it contains a version suffix,
// otherwise as a LID.
func ParseIdentifier(s string) (ProductIdentifier, error) {
	if strings.Contains(s, "::") {
		return ParseLidVid(s)
	}
	return ParseLid(s)
}
