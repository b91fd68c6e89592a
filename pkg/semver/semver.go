// Package semver parses the loosely formatted version tags found in image
// registries.
package semver

import (
	"regexp"
	"strings"

	sv "github.com/Masterminds/semver"
)

type Version = sv.Version

func Parse(s string) (*Version, error) {
	fixedS := nonSemverWorkaround(strings.TrimSpace(s))

	return sv.NewVersion(fixedS)
}

// ImageVersion reports the integer image version a tag denotes. Only tags
// equal to N.0.0 without pre-release or metadata qualify, so "3", "v3" and
// "3.0.0" all denote 3 while "3.1" and "3-rc1" denote nothing.
func ImageVersion(tag string) (int, bool) {
	v, err := Parse(tag)
	if err != nil {
		return 0, false
	}

	if v.Minor() != 0 || v.Patch() != 0 || v.Prerelease() != "" || v.Metadata() != "" {
		return 0, false
	}

	return int(v.Major()), true
}

var versionRegex = regexp.MustCompile(`v?([0-9]+)(\.[0-9]+)?(\.[0-9]+)?` + `(.*)`)

// nonSemverWorkaround turns tags like 1.2.3.4 into 1.2.3-4.
func nonSemverWorkaround(s string) string {
	matches := versionRegex.FindStringSubmatch(s)

	var preLike string

	if len(matches) > 3 {
		preLike = matches[4]
	}

	if preLike != "" && preLike[0] == '.' {
		s = ""
		ss := matches[1:4]
		for i := range ss {
			if ss[i] != "" {
				s += ss[i]
			}
		}

		s += "-" + preLike[1:]
	}

	return s
}
