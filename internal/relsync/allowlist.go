// Package relsync replicates "related" links from source work items onto their
// migrated copies in a target project.
//
// A target item is identified as the copy of a source item by a marker field
// holding the source id. The Syncer walks every target bundle, reads the
// related links of the bundle's source, keeps the ones whose other end has an
// allowed type, resolves each to its target copy, and appends the edge on the
// target side.
package relsync

import (
	"sort"
	"strings"
)

// DefaultAllowedTypes are the source types whose links are replicated when no
// allow-list is configured.
var DefaultAllowedTypes = []string{"bug", "incident"}

// AllowList is a case-insensitive set of work item type names.
type AllowList struct {
	types map[string]struct{}
}

// NewAllowList builds an allow-list from type names. Names are trimmed and
// lower-cased; blanks are ignored.
func NewAllowList(names ...string) AllowList {
	al := AllowList{types: make(map[string]struct{}, len(names))}
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		al.types[n] = struct{}{}
	}
	return al
}

// Allows reports whether typeName is in the list. The empty name (unknown
// type) never matches.
func (a AllowList) Allows(typeName string) bool {
	typeName = strings.ToLower(strings.TrimSpace(typeName))
	if typeName == "" {
		return false
	}
	_, ok := a.types[typeName]
	return ok
}

// Len returns the number of distinct types.
func (a AllowList) Len() int { return len(a.types) }

// Types returns the lower-cased names in sorted order.
func (a AllowList) Types() []string {
	out := make([]string, 0, len(a.types))
	for t := range a.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
