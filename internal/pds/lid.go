package pds

import (
	"fmt"
	"strings"
)

// Lid is a versionless logical identifier: a colon-delimited hierarchical
// name like "urn:nasa:pds:mission_bundle:data_collection". Segment depth
// determines the product class.
type Lid struct {
	value string
}

// ParseLid parses s as a LID. The string must be non-empty, contain no
// whitespace, no empty segments (duplicate colons), and no version suffix.
func ParseLid(s string) (Lid, error) {
	if s == "" {
		return Lid{}, fmt.Errorf("%w: empty LID", ErrMalformedIdentifier)
	}
	if strings.Contains(s, "::") {
		return Lid{}, fmt.Errorf("%w: LID %q contains a version suffix", ErrMalformedIdentifier, s)
	}
	if s != strings.TrimSpace(s) {
		return Lid{}, fmt.Errorf("%w: LID %q has leading/trailing whitespace", ErrMalformedIdentifier, s)
	}
	if strings.ContainsAny(s, " \t\n") {
		return Lid{}, fmt.Errorf("%w: LID %q contains whitespace", ErrMalformedIdentifier, s)
	}
	segments := strings.Split(s, ":")
	if len(segments) > basicSegmentCount {
		return Lid{}, fmt.Errorf("%w: LID %q has %d segments (max %d)", ErrMalformedIdentifier, s, len(segments), basicSegmentCount)
	}
	for _, segment := range segments {
		if segment == "" {
			return Lid{}, fmt.Errorf("%w: LID %q contains an empty segment", ErrMalformedIdentifier, s)
		}
	}
	return Lid{value: s}, nil
}

// MustLid parses s as a LID and panics on failure. Intended for tests and
// compile-time-constant identifiers.
func MustLid(s string) Lid {
	lid, err := ParseLid(s)
	if err != nil {
		panic(err)
	}
	return lid
}

func (l Lid) String() string { return l.value }

// Lid implements ProductIdentifier.
func (l Lid) Lid() Lid { return l }

// IsVersioned implements ProductIdentifier. It is always false for a Lid.
func (l Lid) IsVersioned() bool { return false }

// IsZero reports whether l is the zero value (not a parsed LID).
func (l Lid) IsZero() bool { return l.value == "" }

func (l Lid) segments() []string { return strings.Split(l.value, ":") }

// Class returns the product class implied by the LID's segment depth.
func (l Lid) Class() ProductClass {
	switch len(l.segments()) {
	case bundleSegmentCount:
		return ClassBundle
	case collectionSegmentCount:
		return ClassCollection
	case basicSegmentCount:
		return ClassBasicProduct
	default:
		return ClassOther
	}
}

// Parent returns the LID obtained by dropping the last segment. It fails
// for single-segment LIDs, which have no parent.
func (l Lid) Parent() (Lid, error) {
	segments := l.segments()
	if len(segments) < 2 {
		return Lid{}, fmt.Errorf("LID %q has no parent", l.value)
	}
	return Lid{value: strings.Join(segments[:len(segments)-1], ":")}, nil
}

// Compare orders LIDs lexicographically.
func (l Lid) Compare(other Lid) int {
	return strings.Compare(l.value, other.value)
}
