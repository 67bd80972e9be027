package domain

import "time"

// UserScope is a named role granting access to a subset of operations.
type UserScope string

const (
	ScopeAdmin    UserScope = "admin"
	ScopeAuditor  UserScope = "auditor"
	ScopeGuardian UserScope = "guardian"
	ScopeVoter    UserScope = "voter"
)

// AllScopes lists every role a user may hold.
var AllScopes = []UserScope{ScopeAdmin, ScopeAuditor, ScopeGuardian, ScopeVoter}

// Valid reports whether s is one of the known roles.
func (s UserScope) Valid() bool {
	switch s {
	case ScopeAdmin, ScopeAuditor, ScopeGuardian, ScopeVoter:
		return true
	}
	return false
}

// UserInfo represents the identity record for an API user.
// The username is the unique key; the password hash lives in a separate
// AuthenticationCredential record and is never part of this struct.
type UserInfo struct {
	Username  string      `json:"username"`
	FirstName *string     `json:"first_name,omitempty"`
	LastName  *string     `json:"last_name,omitempty"`
	Email     *string     `json:"email,omitempty"`
	Scopes    []UserScope `json:"scopes"`
	Disabled  bool        `json:"disabled"`
	CreatedAt time.Time   `json:"created_at,omitempty"`
	UpdatedAt time.Time   `json:"updated_at,omitempty"`
}

// HasScope reports whether the user holds the given role.
func (u *UserInfo) HasScope(scope UserScope) bool {
	for _, s := range u.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// AuthenticationCredential is the persisted hashed form of a user's password.
// Exactly one credential exists per user, keyed by username. The hash is
// excluded from JSON so it can never leak through a response or a log line.
type AuthenticationCredential struct {
	Username       string `json:"username"`
	HashedPassword string `json:"-"`
}

// UserFilter describes the predicates accepted by the find-users operation.
// A zero filter matches all users.
type UserFilter struct {
	Username string     `json:"username,omitempty"` // prefix match, case-insensitive
	Scope    *UserScope `json:"scope,omitempty"`    // exact match against the scope set
	Disabled *bool      `json:"disabled,omitempty"`
}

// UserQueryRequest is the body of POST /users/find.
type UserQueryRequest struct {
	Filter UserFilter `json:"filter"`
}

// UserQueryResponse is a page of users matching a query, ordered by
// username ascending.
type UserQueryResponse struct {
	Users []UserInfo `json:"users"`
}

// CreateUserRequest is the body of PUT /users. Scopes must be a non-empty
// set of valid roles.
type CreateUserRequest struct {
	Username  string      `json:"username"`
	FirstName *string     `json:"first_name,omitempty"`
	LastName  *string     `json:"last_name,omitempty"`
	Email     *string     `json:"email,omitempty"`
	Scopes    []UserScope `json:"scopes"`
}

// CreateUserResponse returns the created user plus the server-generated
// temporary password. This is the single disclosure of the plaintext; it is
// not persisted and cannot be retrieved again.
type CreateUserResponse struct {
	UserInfo UserInfo `json:"user_info"`
	Password string   `json:"password"`
}

// ResetPasswordRequest is the body of POST /users/reset_password.
type ResetPasswordRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// ResetPasswordResponse echoes the username and the caller-supplied
// plaintext back to the admin who performed the reset.
type ResetPasswordResponse struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginRequest is the body of POST /login.
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// TokenResponse is the result of a successful login.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}
