package oauth

import (
	"fmt"
	"slices"
	"strings"
)

// ScopeSet is an ordered, de-duplicated set of OAuth scope strings.
type ScopeSet []string

// ParseScopeSet splits a space-delimited scope string.
func ParseScopeSet(s string) ScopeSet {
	return NewScopeSet(strings.Fields(s)...)
}

// NewScopeSet builds a set preserving first-seen order.
func NewScopeSet(scopes ...string) ScopeSet {
	out := make(ScopeSet, 0, len(scopes))
	seen := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// String joins the set with single spaces, as sent on the wire.
func (s ScopeSet) String() string {
	return strings.Join(s, " ")
}

// Contains reports whether scope is literally present.
func (s ScopeSet) Contains(scope string) bool {
	return slices.Contains(s, scope)
}

// SubsetOf reports whether every scope in s is literally present in other.
func (s ScopeSet) SubsetOf(other ScopeSet) bool {
	for _, scope := range s {
		if !other.Contains(scope) {
			return false
		}
	}
	return true
}

// Intersect returns the scopes of s that are also in other, in s order.
func (s ScopeSet) Intersect(other ScopeSet) ScopeSet {
	out := make(ScopeSet, 0, len(s))
	for _, scope := range s {
		if other.Contains(scope) {
			out = append(out, scope)
		}
	}
	return out
}

// Union returns s followed by the scopes of other not already in s.
func (s ScopeSet) Union(other ScopeSet) ScopeSet {
	return NewScopeSet(append(slices.Clone(s), other...)...)
}

// Covers reports whether any resource scope in s grants required. required
// must itself be a SMART resource scope.
func (s ScopeSet) Covers(required SMARTScope) bool {
	for _, raw := range s {
		granted, err := ParseSMARTScope(raw)
		if err != nil {
			continue
		}
		if granted.Covers(required) {
			return true
		}
	}
	return false
}

// Permission bits for SMART v2 (c r u d s). v1 "read" maps to r+s and
// "write" to c+u+d.
type Permission uint8

const (
	PermCreate Permission = 1 << iota
	PermRead
	PermUpdate
	PermDelete
	PermSearch

	permAll = PermCreate | PermRead | PermUpdate | PermDelete | PermSearch
)

// SMARTScope is a parsed resource scope: <context>/<resourceType>.<permissions>.
type SMARTScope struct {
	Context      string // "patient", "user" or "system"
	ResourceType string // e.g. "Patient", or "*"
	Permissions  Permission
}

// ParseSMARTScope parses a SMART resource scope. Both the v1 form
// (patient/Observation.read, user/*.*) and the v2 form (patient/Observation.rs)
// are accepted. Non-resource scopes such as "openid" or "launch/patient"
// return an error.
func ParseSMARTScope(scope string) (SMARTScope, error) {
	ctx, remainder, ok := strings.Cut(scope, "/")
	if !ok {
		return SMARTScope{}, fmt.Errorf("not a resource scope: %s", scope)
	}
	if ctx != "patient" && ctx != "user" && ctx != "system" {
		return SMARTScope{}, fmt.Errorf("invalid scope context %q: must be patient, user, or system", ctx)
	}

	// v2 scopes may carry a "?query" restriction; treat it as not covering
	// anything beyond the plain scope.
	if i := strings.IndexByte(remainder, '?'); i >= 0 {
		remainder = remainder[:i]
	}

	dot := strings.LastIndexByte(remainder, '.')
	if dot < 0 {
		return SMARTScope{}, fmt.Errorf("invalid scope format %q: missing operation", scope)
	}
	resourceType, op := remainder[:dot], remainder[dot+1:]
	if resourceType == "" {
		return SMARTScope{}, fmt.Errorf("invalid scope %q: empty resource type", scope)
	}

	perms, err := parsePermissions(op)
	if err != nil {
		return SMARTScope{}, fmt.Errorf("invalid scope %q: %w", scope, err)
	}

	return SMARTScope{Context: ctx, ResourceType: resourceType, Permissions: perms}, nil
}

func parsePermissions(op string) (Permission, error) {
	switch op {
	case "read":
		return PermRead | PermSearch, nil
	case "write":
		return PermCreate | PermUpdate | PermDelete, nil
	case "*":
		return permAll, nil
	case "":
		return 0, fmt.Errorf("empty operation")
	}

	// v2 letters must appear in canonical c,r,u,d,s order without repeats.
	const order = "cruds"
	var perms Permission
	last := -1
	for _, ch := range op {
		idx := strings.IndexRune(order, ch)
		if idx < 0 || idx <= last {
			return 0, fmt.Errorf("invalid operation %q", op)
		}
		perms |= Permission(1) << idx
		last = idx
	}
	return perms, nil
}

// Covers reports whether s grants everything required asks for.
func (s SMARTScope) Covers(required SMARTScope) bool {
	if s.Context != required.Context {
		return false
	}
	if s.ResourceType != "*" && s.ResourceType != required.ResourceType {
		return false
	}
	return s.Permissions&required.Permissions == required.Permissions
}
