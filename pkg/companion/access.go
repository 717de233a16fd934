package companion

import "strings"

var hostRoles = map[string]struct{}{
	"host":       {},
	"admin":      {},
	"owner":      {},
	"superadmin": {},
}

// IsHost reports whether the preferences describe an operator account.
func IsHost(prefs *Preferences) bool {
	if prefs == nil {
		return false
	}
	if prefs.IsHost {
		return true
	}
	role := strings.ToLower(strings.TrimSpace(prefs.Role))
	_, ok := hostRoles[role]
	return ok
}

// HasUnlimitedAccess reports whether the account bypasses voice usage limits.
// backendPremium is the server-side premium flag, which wins even when the
// locally cached preferences are stale.
func HasUnlimitedAccess(prefs *Preferences, backendPremium bool) bool {
	if prefs == nil {
		return backendPremium
	}
	return IsHost(prefs) || prefs.Tier == TierPremium || backendPremium
}
