package auth

import (
	"context"
	"time"
)

// Store describes persistence operations required by the auth subsystem.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Permissions(ctx context.Context) PermissionStore
	Pages(ctx context.Context) PageStore
	Sessions(ctx context.Context) SessionStore
	RefreshTokens(ctx context.Context) RefreshTokenStore
	Audit(ctx context.Context) AuditStore
}

// UserStore manages user accounts and their lockout counters.
type UserStore interface {
	// Create inserts the user and its initial role set in one transaction.
	Create(ctx context.Context, u *User, roleIDs []string) error
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, username string) (*User, error)
	List(ctx context.Context) ([]*User, error)
	Update(ctx context.Context, id string, upd UserUpdate) (*User, error)
	Delete(ctx context.Context, id string) error
	UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error
	// RecordLoginFailure increments the failed-attempt counter in a single
	// server-side update, setting locked_until to lockUntil once the counter
	// reaches threshold. Returns the post-increment counter and lock time.
	RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error)
	// RecordLoginSuccess resets the counter and lock and stamps last_login_at.
	RecordLoginSuccess(ctx context.Context, id string, at time.Time) error
}

// RoleStore manages roles and the user_roles join table.
type RoleStore interface {
	Create(ctx context.Context, role *Role) error
	Find(ctx context.Context, id string) (*Role, error)
	// FindAll resolves every id or fails with ErrNotFound naming the first
	// missing one.
	FindAll(ctx context.Context, ids []string) ([]Role, error)
	List(ctx context.Context) ([]*Role, error)
	Update(ctx context.Context, id string, upd RoleUpdate) (*Role, error)
	Delete(ctx context.Context, id string) error
	// ReplaceForUser swaps the user's full role set in one transaction.
	ReplaceForUser(ctx context.Context, userID string, roleIDs []string) error
	RolesForUser(ctx context.Context, userID string) ([]Role, error)
	// HolderCount reports how many users currently hold the role.
	HolderCount(ctx context.Context, roleID string) (int, error)
}

// PermissionStore manages the permission catalog and role_permissions.
type PermissionStore interface {
	Ensure(ctx context.Context, perms []Permission) error
	List(ctx context.Context) ([]Permission, error)
	// ReplaceForRole swaps the role's full permission set in one transaction.
	ReplaceForRole(ctx context.Context, roleID string, permissionIDs []string) error
	ForRole(ctx context.Context, roleID string) ([]Permission, error)
	// ForUser returns the distinct union of permissions over all the user's
	// roles.
	ForUser(ctx context.Context, userID string) ([]Permission, error)
}

// PageStore manages hierarchical pages and role_pages.
type PageStore interface {
	Create(ctx context.Context, page *Page) error
	Find(ctx context.Context, id string) (*Page, error)
	List(ctx context.Context) ([]Page, error)
	Update(ctx context.Context, id string, upd PageUpdate) (*Page, error)
	Delete(ctx context.Context, id string) error
	ReplaceForRole(ctx context.Context, roleID string, pageIDs []string) error
	ForRole(ctx context.Context, roleID string) ([]Page, error)
	ForUser(ctx context.Context, userID string) ([]Page, error)
}

// SessionStore manages ephemeral session rows keyed by hashed session id.
type SessionStore interface {
	Upsert(ctx context.Context, sess *Session) error
	FindByHash(ctx context.Context, sessionHash string) (*Session, error)
	Touch(ctx context.Context, sessionHash string, at time.Time) error
	Delete(ctx context.Context, sessionHash string) error
	DeleteByUser(ctx context.Context, userID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// RefreshTokenStore manages the refresh token lifecycle.
type RefreshTokenStore interface {
	Create(ctx context.Context, tok *RefreshToken) error
	FindByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)
	UpdateLastUsed(ctx context.Context, id string, at time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
	RevokeAllForUser(ctx context.Context, userID string, at time.Time) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditStore appends immutable entries. Nothing in this core ever mutates or
// deletes them.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Recent(ctx context.Context, limit int) ([]AuditEntry, error)
}

// Auditor records a sensitive mutation after it commits. Implemented by
// audit.Recorder; declared here so the management engine stays decoupled
// from the recorder's logging side.
type Auditor interface {
	Record(ctx context.Context, entry *AuditEntry) error
}
