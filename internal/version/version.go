// Package version parses, compares and classifies semantic versions of
// managed components, and resolves installed and upstream-latest versions.
package version

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// NotInstalled is the persisted marker for a component with no detectable version.
const NotInstalled = "not_installed"

// Version is a parsed major.minor.patch triple. Pre is kept for display only
// and never participates in ordering.
type Version struct {
	Major int
	Minor int
	Patch int
	Pre   string
}

var versionRe = regexp.MustCompile(`v?(\d+)\.(\d+)\.(\d+)(-[0-9A-Za-z.-]+)?`)

// Parse parses the first semantic version found in s. Leading "v" is accepted.
func Parse(s string) (Version, error) {
	m := versionRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Version{}, fmt.Errorf("no semantic version in %q", s)
	}
	// Numbers with leading zeros are read as decimal; the pre-release tag
	// is not validated since it never takes part in ordering.
	var v Version
	var err error
	if v.Major, err = strconv.Atoi(m[1]); err != nil {
		return Version{}, err
	}
	if v.Minor, err = strconv.Atoi(m[2]); err != nil {
		return Version{}, err
	}
	if v.Patch, err = strconv.Atoi(m[3]); err != nil {
		return Version{}, err
	}
	v.Pre = strings.TrimPrefix(m[4], "-")
	return v, nil
}

// MustParse is Parse that panics; intended for tests and static tables.
func MustParse(s string) Version {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

func (v Version) String() string {
	s := fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
	if v.Pre != "" {
		s += "-" + v.Pre
	}
	return s
}

// Core returns the version without its pre-release tag.
func (v Version) Core() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Ordering is the result of Compare.
type Ordering int

const (
	Less    Ordering = -1
	Equal   Ordering = 0
	Greater Ordering = 1
)

func (o Ordering) String() string {
	switch o {
	case Less:
		return "less"
	case Greater:
		return "greater"
	default:
		return "equal"
	}
}

// Compare orders a and b component-wise by major, minor, then patch.
func Compare(a, b Version) Ordering {
	return Ordering(semver.Compare("v"+a.Core(), "v"+b.Core()))
}

// CompareStrings parses and compares two version strings.
func CompareStrings(a, b string) (Ordering, error) {
	va, err := Parse(a)
	if err != nil {
		return Equal, err
	}
	vb, err := Parse(b)
	if err != nil {
		return Equal, err
	}
	return Compare(va, vb), nil
}

// Change classifies the delta between two versions.
type Change string

const (
	ChangeMajor Change = "major"
	ChangeMinor Change = "minor"
	ChangePatch Change = "patch"
)

// Classify returns major if target.Major > current.Major, else minor if
// target.Minor > current.Minor, else patch.
func Classify(current, target Version) Change {
	switch {
	case target.Major > current.Major:
		return ChangeMajor
	case target.Minor > current.Minor:
		return ChangeMinor
	default:
		return ChangePatch
	}
}
