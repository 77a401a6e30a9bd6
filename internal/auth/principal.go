// Package auth verifies bearer tokens and enforces the permission model. A
// verified token yields a Principal; everything downstream asks the principal
// whether an action is allowed.
package auth

// Roles, ranked for minimum-role checks.
const (
	RoleViewer     = "viewer"
	RoleDriver     = "driver"
	RoleDispatcher = "dispatcher"
	RoleManager    = "manager"
	RoleAdmin      = "admin"
)

var roleRank = map[string]int{
	RoleViewer:     0,
	RoleDriver:     1,
	RoleDispatcher: 2,
	RoleManager:    3,
	RoleAdmin:      4,
}

// Scopes, ordered narrowest to widest. A permission held at a wide scope
// covers every narrower one.
const (
	ScopeUser         = "user"
	ScopeVehicle      = "vehicle"
	ScopeFleet        = "fleet"
	ScopeOrganization = "organization"
	ScopeSystem       = "system"
)

var scopeRank = map[string]int{
	ScopeUser:         0,
	ScopeVehicle:      1,
	ScopeFleet:        2,
	ScopeOrganization: 3,
	ScopeSystem:       4,
}

// ScopeCovers reports whether a permission held at scope held covers one
// required at scope required. Unknown scopes never cover anything.
func ScopeCovers(held, required string) bool {
	h, ok := scopeRank[held]
	if !ok {
		return false
	}
	r, ok := scopeRank[required]
	if !ok {
		return false
	}
	return h >= r
}

// Permission is one granted capability. Action and Resource accept the "*"
// wildcard.
type Permission struct {
	Action   string `json:"action"`
	Resource string `json:"resource"`
	Scope    string `json:"scope"`
}

// Matches reports whether this held permission satisfies the required one.
func (p Permission) Matches(required Permission) bool {
	if p.Action != "*" && p.Action != required.Action {
		return false
	}
	if p.Resource != "*" && p.Resource != required.Resource {
		return false
	}
	return ScopeCovers(p.Scope, required.Scope)
}

// Principal is a verified caller.
type Principal struct {
	UserID      string       `json:"user_id"`
	Email       string       `json:"email,omitempty"`
	Role        string       `json:"role"`
	Permissions []Permission `json:"permissions,omitempty"`
	OrgID       string       `json:"org_id,omitempty"`
	FleetIDs    []string     `json:"fleet_ids,omitempty"`
}

// IsAdmin reports whether the principal bypasses permission checks.
func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Satisfies reports whether the principal holds a permission covering the
// required one. Admins satisfy everything.
func (p Principal) Satisfies(required Permission) bool {
	if p.IsAdmin() {
		return true
	}
	for _, held := range p.Permissions {
		if held.Matches(required) {
			return true
		}
	}
	return false
}

// HasRole reports whether the principal's role is at least minRole in the
// role order. Unknown roles fail.
func (p Principal) HasRole(minRole string) bool {
	held, ok := roleRank[p.Role]
	if !ok {
		return false
	}
	min, ok := roleRank[minRole]
	if !ok {
		return false
	}
	return held >= min
}
