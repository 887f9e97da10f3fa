package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidCredentials covers unknown username, inactive account and
	// wrong password alike, so callers cannot enumerate usernames.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrTokenExpired covers genuinely expired tokens and tokens whose
	// server-side session or refresh record was removed or revoked.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrSessionInactive marks a valid token idle beyond the inactivity
	// window. Kept distinct from ErrTokenExpired for the UI.
	ErrSessionInactive = errors.New("auth: session inactive")

	ErrNotFound        = errors.New("auth: not found")
	ErrConflict        = errors.New("auth: already exists")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthorized    = errors.New("auth: unauthorized")
	ErrSystemProtected = errors.New("auth: system record is immutable")
	ErrRoleInUse       = errors.New("auth: role is assigned to users")
	ErrSelfDelete      = errors.New("auth: cannot delete own account")
)

// LockedError is returned while an account is temporarily disabled after
// repeated failed logins. Until carries the unlock time.
type LockedError struct {
	Until time.Time
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("auth: account locked until %s", e.Until.UTC().Format(time.RFC3339))
}
