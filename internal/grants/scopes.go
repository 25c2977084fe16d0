// Package grants interprets raw OAuth grant records: collecting a single
// scope set out of the provider's shape-varying fields, scoring the risk a
// grant represents, and normalizing application display names into the
// natural key used for dedup.
package grants

import (
	"slices"
	"strings"

	"github.com/Stitchflow-website-webapps/shadow-it-sub000/internal/idp"
)

// ScopeUnknown tags grants that exposed no scope in any field. It keeps
// scopeless grants visible in permission counts instead of dropping them.
const ScopeUnknown = "unknown"

// ScopeSet unions every scope field variant of a raw grant record into one
// sorted, de-duplicated scope list. A record with no discoverable scope at
// all yields [ScopeUnknown].
func ScopeSet(rec idp.GrantRecord) []string {
	var raw []string

	raw = append(raw, rec.Scopes...)
	for _, d := range rec.ScopeData {
		if d.Scope != "" {
			raw = append(raw, d.Scope)
		} else if d.Value != "" {
			raw = append(raw, d.Value)
		}
	}
	raw = append(raw, strings.Fields(rec.RawScopeText)...)
	for _, part := range strings.Split(rec.OAuthScopes, ",") {
		raw = append(raw, strings.Fields(part)...)
	}

	set := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			set = append(set, s)
		}
	}
	if len(set) == 0 {
		return []string{ScopeUnknown}
	}

	slices.Sort(set)
	return slices.Compact(set)
}

// UnionScopes merges two scope lists into one sorted, de-duplicated list.
func UnionScopes(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	out := make([]string, 0, len(a)+len(b))
	out = append(out, a...)
	out = append(out, b...)
	slices.Sort(out)
	return slices.Compact(out)
}
