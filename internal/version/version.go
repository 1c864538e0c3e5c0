// Package version implements the four-part version model
// (major.minor.patch.build) used to decide between no-op, patch, and full
// upgrades.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is a four-part version number. Build tracks the patch level
// applied on top of major.minor.patch: 0.0.13.0 is the base release of
// 0.0.13, 0.0.13.5 has five patches applied.
type Version struct {
	Major uint32
	Minor uint32
	Patch uint32
	Build uint32
}

// New constructs a Version. A nil build defaults to 0.
func New(major, minor, patch uint32, build *uint32) Version {
	v := Version{Major: major, Minor: minor, Patch: patch}
	if build != nil {
		v.Build = *build
	}
	return v
}

// Parse parses a version string in "major.minor.patch" or
// "major.minor.patch.build" form, with an optional leading 'v'/'V'.
func Parse(s string) (Version, error) {
	if s == "" {
		return Version{}, fmt.Errorf("version string cannot be empty")
	}

	trimmed := strings.TrimPrefix(strings.TrimPrefix(s, "v"), "V")
	parts := strings.Split(trimmed, ".")
	if len(parts) != 3 && len(parts) != 4 {
		return Version{}, fmt.Errorf("invalid version format %q: expected major.minor.patch[.build]", s)
	}

	nums := make([]uint64, len(parts))
	for i, p := range parts {
		n, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return Version{}, fmt.Errorf("invalid version format %q: segment %q is not numeric", s, p)
		}
		nums[i] = n
	}

	v := Version{Major: uint32(nums[0]), Minor: uint32(nums[1]), Patch: uint32(nums[2])}
	if len(nums) == 4 {
		v.Build = uint32(nums[3])
	}
	return v, nil
}

// String formats the version as "major.minor.patch.build".
func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v.Major, v.Minor, v.Patch, v.Build)
}

// ShortString formats the version without a trailing ".0" build segment.
func (v Version) ShortString() string {
	if v.Build == 0 {
		return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	}
	return v.String()
}

// BaseVersion returns the version with Build reset to 0.
func (v Version) BaseVersion() Version {
	return Version{Major: v.Major, Minor: v.Minor, Patch: v.Patch}
}

// BaseVersionString formats "major.minor.patch" only.
func (v Version) BaseVersionString() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// CanApplyPatch reports whether a patch built for patchBaseVersion's base
// version can be applied on top of v — patches only apply within the same
// base version.
func (v Version) CanApplyPatch(patchBaseVersion Version) bool {
	return v.BaseVersion() == patchBaseVersion.BaseVersion()
}

// IsCompatibleWithPatch reports whether v can move to patchVersion: same
// base version and v's build level is at or below patchVersion's.
func (v Version) IsCompatibleWithPatch(patchVersion Version) bool {
	return v.BaseVersion() == patchVersion.BaseVersion() && v.Build <= patchVersion.Build
}

// Validate rejects implausibly large version segments.
func (v Version) Validate() error {
	if v.Major > 999 || v.Minor > 999 || v.Patch > 999 || v.Build > 9999 {
		return fmt.Errorf("version segments out of range: %s", v)
	}
	return nil
}

// Compare returns -1, 0, or 1 as v is less than, equal to, or greater than
// other, ordering lexicographically by (major, minor, patch, build).
func (v Version) Compare(other Version) int {
	switch {
	case v.Major != other.Major:
		return cmpUint32(v.Major, other.Major)
	case v.Minor != other.Minor:
		return cmpUint32(v.Minor, other.Minor)
	case v.Patch != other.Patch:
		return cmpUint32(v.Patch, other.Patch)
	default:
		return cmpUint32(v.Build, other.Build)
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Comparison is the result of CompareDetailed.
type Comparison int

const (
	Equal Comparison = iota
	Newer
	PatchUpgradeable
	FullUpgradeRequired
)

// String names the comparison result.
func (c Comparison) String() string {
	switch c {
	case Equal:
		return "Equal"
	case Newer:
		return "Newer"
	case PatchUpgradeable:
		return "PatchUpgradeable"
	case FullUpgradeRequired:
		return "FullUpgradeRequired"
	default:
		return "Unknown"
	}
}

// CompareDetailed classifies v against serverVersion for the strategy
// decider: Equal, Newer (v is ahead), PatchUpgradeable (same base version,
// server has a higher build), or FullUpgradeRequired (different base
// version and server is ahead).
func (v Version) CompareDetailed(serverVersion Version) Comparison {
	if v == serverVersion {
		return Equal
	}

	if v.CanApplyPatch(serverVersion) {
		if v.Build < serverVersion.Build {
			return PatchUpgradeable
		}
		return Newer
	}

	if v.BaseVersion().Compare(serverVersion.BaseVersion()) < 0 {
		return FullUpgradeRequired
	}
	return Newer
}
