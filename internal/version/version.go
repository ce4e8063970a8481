// Copyright Nexus Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package version exposes the build version stamped by the Go linker.
package version

import (
	"fmt"
	"strconv"
	"strings"
)

// version is populated by the Go linker from the output of `git describe --tags`.
var version string

// Current returns the version with the Git information.
func Current() Git {
	return parseGit(version)
}

// Parse returns the human readable version string for the running binary.
func Parse() string {
	return Current().String()
}

// Git contains the version information extracted from a `git describe` label.
type Git struct {
	ClosestTag   string
	CommitsAhead int
	Sha          string
}

func (g Git) String() string {
	switch {
	case g == Git{}:
		// built outside the release tooling, e.g. plain `go build`
		return "dev"
	case g.CommitsAhead != 0:
		// built from a commit after the closest release tag
		return fmt.Sprintf("%s (%s, +%d)", g.Sha, g.ClosestTag, g.CommitsAhead)
	default:
		return g.ClosestTag
	}
}

// parseGit parses a `git describe --tags` label of the form:
//
//	<release tag>-<commits since release tag>-g<commit hash>
func parseGit(v string) Git {
	parts := strings.Split(v, "-")
	if len(parts) < 3 {
		return Git{}
	}

	// Release tags may themselves contain '-', so parse from the end and
	// re-join whatever precedes the last two fields as the tag.
	l := len(parts)
	commits, err := strconv.Atoi(parts[l-2])
	if err != nil {
		return Git{}
	}

	return Git{
		ClosestTag:   strings.Join(parts[:l-2], "-"),
		CommitsAhead: commits,
		Sha:          strings.TrimPrefix(parts[l-1], "g"),
	}
}
