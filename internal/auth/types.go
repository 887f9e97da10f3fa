package auth

import (
	"encoding/json"
	"time"
)

// User is a human account able to sign in. Usernames are unique and never
// renamed after creation.
type User struct {
	ID                  string     `json:"id"`
	Username            string     `json:"username"`
	PasswordHash        string     `json:"-"`
	FullName            string     `json:"full_name"`
	IsActive            bool       `json:"is_active"`
	FailedLoginAttempts int        `json:"-"`
	LockedUntil         *time.Time `json:"locked_until,omitempty"`
	LastLoginAt         *time.Time `json:"last_login_at,omitempty"`
	PasswordChangedAt   *time.Time `json:"password_changed_at,omitempty"`
	CreatedBy           string     `json:"created_by,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// Role groups permissions and page grants. System roles reject update and
// delete unconditionally.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Permission is a fine-grained capability, unique per (resource, action).
type Permission struct {
	ID        string    `json:"id"`
	Resource  string    `json:"resource"`
	Action    string    `json:"action"`
	CreatedAt time.Time `json:"created_at"`
}

// Key returns the flattened permission key embedded into access tokens.
func (p Permission) Key() string {
	return p.Resource + "." + p.Action
}

// Page is a navigable screen. Pages form a forest via ParentID; system pages
// reject update and delete.
type Page struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DisplayName string    `json:"display_name"`
	ParentID    *string   `json:"parent_id,omitempty"`
	Route       string    `json:"route"`
	SortOrder   int       `json:"sort_order"`
	IsSystem    bool      `json:"is_system"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Session is the server-side record proving an access token is still live.
// The row is keyed by a sha256 hash of the random session identifier, never
// the identifier itself.
type Session struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	SessionHash    string    `json:"-"`
	LastActivityAt time.Time `json:"last_activity_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	ClientIP       string    `json:"client_ip,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// RefreshToken is the persisted half of a long-lived refresh credential.
// Retired logically via Revoked until the expiry sweep removes the row.
type RefreshToken struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	TokenHash  string     `json:"-"`
	ExpiresAt  time.Time  `json:"expires_at"`
	Revoked    bool       `json:"revoked"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ClientIP   string     `json:"client_ip,omitempty"`
	UserAgent  string     `json:"user_agent,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// AuditEntry is one append-only record of a sensitive mutation.
type AuditEntry struct {
	ID          string          `json:"id"`
	UserID      *string         `json:"user_id,omitempty"`
	Action      string          `json:"action"`
	EntityType  string          `json:"entity_type"`
	EntityID    string          `json:"entity_id"`
	OldValue    json.RawMessage `json:"old_value,omitempty"`
	NewValue    json.RawMessage `json:"new_value,omitempty"`
	PerformedBy string          `json:"performed_by,omitempty"`
	ClientIP    string          `json:"client_ip,omitempty"`
	UserAgent   string          `json:"user_agent,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Actor identifies who performed an administrative mutation and from where.
type Actor struct {
	UserID    string
	ClientIP  string
	UserAgent string
}

// UserUpdate carries the mutable user fields. Nil means "leave unchanged".
type UserUpdate struct {
	FullName *string
	IsActive *bool
}

// RoleUpdate carries the mutable role fields.
type RoleUpdate struct {
	Name        *string
	Description *string
}

// PageUpdate carries the mutable page fields. SetParent distinguishes
// "move to top level" (SetParent true, ParentID nil) from "leave unchanged".
type PageUpdate struct {
	DisplayName *string
	Route       *string
	SortOrder   *int
	ParentID    *string
	SetParent   bool
}
