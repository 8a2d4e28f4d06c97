// Package version implements the dotted version ordering used by catalogs.
//
// Versions are compared component by component. A component equal to "x"
// on either side is a wildcard: it matches anything at that depth and ends
// the comparison as equal. Numeric components compare numerically, anything
// else compares lexically.
package version

import (
	"strconv"
	"strings"
)

// Wildcard is the component matching any value
const Wildcard = "x"

// Compare returns -1 when a orders before b, +1 when after and 0 when the
// two versions are equal or match through a wildcard.
func Compare(a, b string) int {
	if a == b {
		return 0
	}

	ac := strings.Split(a, ".")
	bc := strings.Split(b, ".")

	for i := 0; ; i++ {
		if i == len(ac) || i == len(bc) {
			return compareTail(ac, bc, i)
		}
		if ac[i] == Wildcard || bc[i] == Wildcard {
			return 0
		}
		if c := compareComponent(ac[i], bc[i]); c != 0 {
			return c
		}
	}
}

// Less reports whether a orders strictly before b
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Greater reports whether a orders strictly after b
func Greater(a, b string) bool {
	return Compare(a, b) > 0
}

// compareTail decides when at least one side ran out of components at i.
// Remaining components that are all wildcards keep the versions equal.
func compareTail(ac, bc []string, i int) int {
	switch {
	case i == len(ac) && i == len(bc):
		return 0
	case i == len(ac):
		if allWildcards(bc[i:]) {
			return 0
		}
		return -1
	default:
		if allWildcards(ac[i:]) {
			return 0
		}
		return 1
	}
}

func allWildcards(comps []string) bool {
	for _, c := range comps {
		if c != Wildcard {
			return false
		}
	}
	return true
}

func compareComponent(a, b string) int {
	an, aerr := strconv.ParseUint(a, 10, 64)
	bn, berr := strconv.ParseUint(b, 10, 64)
	if aerr == nil && berr == nil {
		switch {
		case an < bn:
			return -1
		case an > bn:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(a, b)
}
