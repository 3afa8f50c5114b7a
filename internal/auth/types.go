package auth

import "time"

// Permission is one entry in the fixed permission set a bound session is
// checked against once, at handshake time.
type Permission string

const (
	PermFileRead  Permission = "file:read"
	PermFileWrite Permission = "file:write"
	PermLSPQuery  Permission = "lsp:query"
)

// RequiredPermissions is the fixed permission set every session must hold.
// There is no partial grant: a token either carries all of these or the
// handshake fails with auth_missing_permission.
var RequiredPermissions = []Permission{PermFileRead, PermFileWrite, PermLSPQuery}

// Token represents a bearer token bound to exactly one project.
type Token struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	ProjectID   string       `json:"project_id"`
	Permissions []Permission `json:"permissions"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  *time.Time   `json:"last_used_at,omitempty"`
	ExpiresAt   *time.Time   `json:"expires_at,omitempty"`
}

// HasPermission reports whether the token carries perm.
func (t *Token) HasPermission(perm Permission) bool {
	for _, p := range t.Permissions {
		if p == perm {
			return true
		}
	}
	return false
}

// HasAllRequired reports whether the token carries every permission in
// RequiredPermissions.
func (t *Token) HasAllRequired() bool {
	for _, p := range RequiredPermissions {
		if !t.HasPermission(p) {
			return false
		}
	}
	return true
}

// AuthContext holds the result of a successful handshake authentication,
// cached on the session for the lifetime of the connection.
type AuthContext struct {
	Token *Token
}

// ProjectID returns the project the bound token is scoped to.
func (a *AuthContext) ProjectID() string {
	if a == nil || a.Token == nil {
		return ""
	}
	return a.Token.ProjectID
}

// MatchesProject reports whether the declared project matches the token's
// bound project — the check behind auth_project_mismatch.
func (a *AuthContext) MatchesProject(declared string) bool {
	return a != nil && a.Token != nil && a.Token.ProjectID == declared
}

func permissionsToStrings(perms []Permission) []string {
	out := make([]string, len(perms))
	for i, p := range perms {
		out[i] = string(p)
	}
	return out
}

func stringsToPermissions(ss []string) []Permission {
	out := make([]Permission, len(ss))
	for i, s := range ss {
		out[i] = Permission(s)
	}
	return out
}
