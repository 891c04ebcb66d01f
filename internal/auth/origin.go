// Copyright 2026 Rob Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package auth

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// OriginValidator decides whether a caller-declared origin is trusted.
// Matching is exact on scheme://host (host includes the port when present).
// There is no wildcard or suffix matching.
type OriginValidator struct {
	allowed map[string]struct{}
}

// NewOriginValidator normalizes the configured origins. Entries that do not
// parse as a bare scheme://host origin are rejected at startup rather than
// silently never matching.
func NewOriginValidator(origins []string) (*OriginValidator, error) {
	v := &OriginValidator{allowed: make(map[string]struct{}, len(origins))}
	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		o, ok := normalizeOrigin(raw)
		if !ok {
			return nil, fmt.Errorf("invalid allowed origin %q: want scheme://host[:port]", raw)
		}
		u, _ := url.Parse(raw)
		if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" || u.User != nil {
			return nil, fmt.Errorf("invalid allowed origin %q: must not carry path, query or credentials", raw)
		}
		v.allowed[o] = struct{}{}
	}
	return v, nil
}

// IsAllowed parses origin and reports whether its scheme://host is in the
// allow-list. Unparseable input fails closed.
func (v *OriginValidator) IsAllowed(origin string) bool {
	if v == nil || len(v.allowed) == 0 {
		return false
	}
	o, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, allowed := v.allowed[o]
	return allowed
}

// Origins returns the normalized allow-list, sorted.
func (v *OriginValidator) Origins() []string {
	if v == nil {
		return nil
	}
	out := make([]string, 0, len(v.allowed))
	for o := range v.allowed {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

func normalizeOrigin(raw string) (string, bool) {
	if raw == "" || raw == "null" {
		return "", false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}

// SameOrigin reports whether a and b name the same scheme://host. Either
// failing to parse makes them different.
func SameOrigin(a, b string) bool {
	na, ok := normalizeOrigin(a)
	if !ok {
		return false
	}
	nb, ok := normalizeOrigin(b)
	return ok && na == nb
}
