package server

import (
	"fmt"
	"slices"
	"strings"

	"github.com/giantswarm/oauth-core/internal/util"
)

// ParseScope splits a space-delimited scope string into an ordered,
// de-duplicated list.
func ParseScope(scope string) []string {
	return util.Dedupe(strings.Fields(scope))
}

// FormatScope joins scopes into the space-delimited wire form.
func FormatScope(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ScopeValidator checks requested scopes against what a client or token allows.
type ScopeValidator struct {
	supported []string
}

// Validate returns the scopes to grant. An empty request grants all of
// allowed; otherwise every requested scope must be in allowed.
func (v *ScopeValidator) Validate(requested, allowed []string) ([]string, error) {
	requested = util.Dedupe(requested)
	if len(requested) == 0 {
		return util.Dedupe(allowed), nil
	}

	for _, scope := range requested {
		if !slices.Contains(allowed, scope) {
			return nil, ErrInvalidScope(fmt.Sprintf("scope %q is not allowed", scope))
		}
	}
	return requested, nil
}

// Contains reports whether granted includes every scope in required.
func (v *ScopeValidator) Contains(granted, required []string) bool {
	for _, scope := range required {
		if !slices.Contains(granted, scope) {
			return false
		}
	}
	return true
}

// checkSupported rejects registration scopes outside the configured set.
func (v *ScopeValidator) checkSupported(scopes []string) error {
	if len(v.supported) == 0 {
		return nil
	}
	for _, scope := range scopes {
		if !slices.Contains(v.supported, scope) {
			return ErrInvalidScope(fmt.Sprintf("scope %q is not supported", scope))
		}
	}
	return nil
}
