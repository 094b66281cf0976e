package pds

import (
	"fmt"
	"strconv"
	"strings"
)

// LidVid is a versioned product identifier: "<lid>::<major>.<minor>".
// A LIDVID uniquely identifies a document in the registry index.
type LidVid struct {
	lid   Lid
	major int
	minor int
}

// ParseLidVid parses s as a LIDVID. The version suffix must be exactly
// "<major>.<minor>" with non-negative integer components.
func ParseLidVid(s string) (LidVid, error) {
	parts := strings.Split(s, "::")
	if len(parts) != 2 {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q must contain exactly one '::' separator", ErrMalformedIdentifier, s)
	}
	lid, err := ParseLid(parts[0])
	if err != nil {
		return LidVid{}, err
	}
	version := parts[1]
	if version != strings.TrimSpace(version) {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q has whitespace in its version", ErrMalformedIdentifier, s)
	}
	versionParts := strings.Split(version, ".")
	if len(versionParts) != 2 {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q version must be of form <major>.<minor>", ErrMalformedIdentifier, s)
	}
	major, err := strconv.Atoi(versionParts[0])
	if err != nil || major < 0 {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q has non-numeric major version", ErrMalformedIdentifier, s)
	}
	minor, err := strconv.Atoi(versionParts[1])
	if err != nil || minor < 0 {
		return LidVid{}, fmt.Errorf("%w: LIDVID %q has non-numeric minor version", ErrMalformedIdentifier, s)
	}
	return LidVid{lid: lid, major: major, minor: minor}, nil
}

// MustLidVid parses s as a LIDVID and panics on failure. Intended for tests.
func MustLidVid(s string) LidVid {
	lidvid, err := ParseLidVid(s)
	if err != nil {
		panic(err)
	}
	return lidvid
}

func (lv LidVid) String() string {
	return fmt.Sprintf("%s::%d.%d", lv.lid.value, lv.major, lv.minor)
}

// Lid implements ProductIdentifier.
func (lv LidVid) Lid() Lid { return lv.lid }

// IsVersioned implements ProductIdentifier. It is always true for a LidVid.
func (lv LidVid) IsVersioned() bool { return true }

// IsZero reports whether lv is the zero value (not a parsed LIDVID).
func (lv LidVid) IsZero() bool { return lv.lid.IsZero() }

// Class returns the product class implied by the LID's segment depth.
func (lv LidVid) Class() ProductClass { return lv.lid.Class() }

// IsBundle reports whether the identifier names a bundle.
func (lv LidVid) IsBundle() bool { return lv.Class() == ClassBundle }

// IsCollection reports whether the identifier names a collection.
func (lv LidVid) IsCollection() bool { return lv.Class() == ClassCollection }

// IsBasicProduct reports whether the identifier names a basic
// (non-aggregate) product.
func (lv LidVid) IsBasicProduct() bool { return lv.Class() == ClassBasicProduct }

// Compare orders LIDVIDs by LID lexicographically, then by (major, minor)
// numerically. Versions are never compared as strings: 2.0 sorts after
// 10.0's predecessor 1.9, and 10.0 sorts after 2.0.
func (lv LidVid) Compare(other LidVid) int {
	if c := lv.lid.Compare(other.lid); c != 0 {
		return c
	}
	if lv.major != other.major {
		if lv.major < other.major {
			return -1
		}
		return 1
	}
	if lv.minor != other.minor {
		if lv.minor < other.minor {
			return -1
		}
		return 1
	}
	return 0
}
