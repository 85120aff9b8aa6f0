// Package graph handles graph identifier parsing and classification.
//
// A graph id is one of:
//   - a parent graph:      "kg<ulid>"
//   - a subgraph:          "<parent>_<suffix>"
//   - a shared repository: one of a fixed, closed set ("sec", "industry", ...)
//
// Subgraphs share their parent's credit pool and cache entries, so every
// credit or cache operation routes through Parent().
package graph

import (
	"fmt"
	"strings"
)

// SharedRepositories is the closed set of multi-tenant datasets served by the
// gateway. Anything else is a user graph.
var SharedRepositories = map[string]bool{
	"sec":        true,
	"industry":   true,
	"economic":   true,
	"market":     true,
	"esg":        true,
	"regulatory": true,
}

// ID is a parsed graph identifier.
type ID struct {
	Raw            string
	Parent         string
	SubgraphSuffix string
	IsShared       bool
}

// IsSubgraph reports whether the id names a namespaced child graph.
func (id ID) IsSubgraph() bool {
	return id.SubgraphSuffix != ""
}

// ParseID splits a raw graph id into its parent and optional subgraph suffix.
// Shared repository names pass through unchanged with IsShared set.
func ParseID(raw string) (ID, error) {
	if raw == "" {
		return ID{}, fmt.Errorf("empty graph id")
	}

	if SharedRepositories[raw] {
		return ID{Raw: raw, Parent: raw, IsShared: true}, nil
	}

	if !strings.HasPrefix(raw, "kg") {
		return ID{}, fmt.Errorf("invalid graph id: %s", raw)
	}

	// Subgraph ids are "<parent>_<suffix>" where parent is the "kg..." part
	// before the first underscore.
	if idx := strings.Index(raw, "_"); idx > 0 {
		parent := raw[:idx]
		suffix := raw[idx+1:]
		if suffix == "" {
			return ID{}, fmt.Errorf("invalid subgraph id: %s", raw)
		}
		return ID{Raw: raw, Parent: parent, SubgraphSuffix: suffix}, nil
	}

	return ID{Raw: raw, Parent: raw}, nil
}

// IsSharedRepository reports whether raw names a shared repository without
// fully parsing it.
func IsSharedRepository(raw string) bool {
	return SharedRepositories[raw]
}
