package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"accesscore.org/internal/ids"
)

const (
	defaultAccessTTL         = 15 * time.Minute
	defaultRefreshTTL        = 24 * time.Hour * 14
	defaultInactivityTimeout = 30 * time.Minute
	defaultLockoutThreshold  = 5
	defaultLockoutDuration   = 15 * time.Minute
	defaultIssuer            = "accesscore"
)

// Service is the authentication engine: login, logout, token verification,
// token refresh, password change and periodic cleanup.
type Service struct {
	store  Store
	secret []byte
	now    func() time.Time

	issuer            string
	accessTTL         time.Duration
	refreshTTL        time.Duration
	inactivityTimeout time.Duration
	lockoutThreshold  int
	lockoutDuration   time.Duration
	policy            PasswordPolicy
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithInactivityTimeout configures the sliding idle window after which a
// session is considered abandoned.
func WithInactivityTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d > 0 {
			s.inactivityTimeout = d
		}
		return nil
	}
}

// WithLockout configures the failed-attempt threshold and lockout duration.
func WithLockout(threshold int, duration time.Duration) ServiceOption {
	return func(s *Service) error {
		if threshold > 0 {
			s.lockoutThreshold = threshold
		}
		if duration > 0 {
			s.lockoutDuration = duration
		}
		return nil
	}
}

// WithPasswordPolicy overrides the password policy.
func WithPasswordPolicy(policy PasswordPolicy) ServiceOption {
	return func(s *Service) error {
		if policy.MinLength <= 0 {
			return errors.New("auth: password policy needs a positive minimum length")
		}
		s.policy = policy
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs the engine. The signing secret is injected here, by
// design, so secret rotation and multi-instance deployment stay pure
// configuration concerns.
func NewService(store Store, secret string, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: signing secret is required")
	}
	svc := &Service{
		store:             store,
		secret:            []byte(secret),
		now:               time.Now,
		issuer:            defaultIssuer,
		accessTTL:         defaultAccessTTL,
		refreshTTL:        defaultRefreshTTL,
		inactivityTimeout: defaultInactivityTimeout,
		lockoutThreshold:  defaultLockoutThreshold,
		lockoutDuration:   defaultLockoutDuration,
		policy:            DefaultPasswordPolicy(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// EnsureBuiltins ensures predefined permissions exist.
func (s *Service) EnsureBuiltins(ctx context.Context) error {
	return s.store.Permissions(ctx).Ensure(ctx, BuiltinPermissions)
}

// PasswordPolicy exposes the configured policy for reuse by the management
// engine.
func (s *Service) PasswordPolicy() PasswordPolicy {
	return s.policy
}

// ValidatePassword checks a candidate password against the policy and
// returns every violated rule.
func (s *Service) ValidatePassword(password string) []string {
	return s.policy.Validate(password)
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	User             *User
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// RefreshResult is returned by a successful RefreshAccessToken.
type RefreshResult struct {
	User            *User
	AccessToken     string
	AccessExpiresAt time.Time
}

// Login authenticates the credentials and issues an access token backed by a
// fresh session row. With rememberMe it additionally issues a persisted
// refresh token. Unknown users, inactive users and wrong passwords all
// surface as ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, username, password string, rememberMe bool, clientIP, userAgent string) (LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}
	now := s.now().UTC()

	user, err := s.store.Users(ctx).FindByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}
	if !user.IsActive {
		return LoginResult{}, ErrInvalidCredentials
	}
	if user.LockedUntil != nil && now.Before(*user.LockedUntil) {
		return LoginResult{}, &LockedError{Until: *user.LockedUntil}
	}

	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		// Single server-side increment; two concurrent failures must both
		// count toward the threshold.
		if _, _, ferr := s.store.Users(ctx).RecordLoginFailure(ctx, user.ID, s.lockoutThreshold, now.Add(s.lockoutDuration)); ferr != nil {
			return LoginResult{}, ferr
		}
		return LoginResult{}, ErrInvalidCredentials
	}

	if err := s.store.Users(ctx).RecordLoginSuccess(ctx, user.ID, now); err != nil {
		return LoginResult{}, err
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &now

	roleNames, permKeys, err := s.grantsFor(ctx, user.ID)
	if err != nil {
		return LoginResult{}, err
	}

	sessionID := uuid.NewString()
	accessToken, accessExp, err := s.signAccessToken(user, roleNames, permKeys, sessionID, now)
	if err != nil {
		return LoginResult{}, err
	}
	if err := s.store.Sessions(ctx).Upsert(ctx, &Session{
		ID:             ids.New(),
		UserID:         user.ID,
		SessionHash:    HashToken(sessionID),
		LastActivityAt: now,
		ExpiresAt:      accessExp,
		ClientIP:       clientIP,
		UserAgent:      userAgent,
	}); err != nil {
		return LoginResult{}, err
	}

	result := LoginResult{
		User:            user,
		AccessToken:     accessToken,
		AccessExpiresAt: accessExp,
	}

	if rememberMe {
		tokenID := uuid.NewString()
		refreshToken, refreshExp, err := s.signRefreshToken(user.ID, tokenID, now)
		if err != nil {
			return LoginResult{}, err
		}
		if err := s.store.RefreshTokens(ctx).Create(ctx, &RefreshToken{
			ID:        tokenID,
			UserID:    user.ID,
			TokenHash: HashToken(refreshToken),
			ExpiresAt: refreshExp,
			ClientIP:  clientIP,
			UserAgent: userAgent,
		}); err != nil {
			return LoginResult{}, err
		}
		result.RefreshToken = refreshToken
		result.RefreshExpiresAt = refreshExp
	}

	return result, nil
}

// Logout removes the session row for the given session id. Idempotent:
// logging out an already-absent session is not an error.
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	return s.store.Sessions(ctx).Delete(ctx, HashToken(sessionID))
}

// VerifyAccessToken validates the token signature and expiry, then rechecks
// it against the live session row. Each successful verification slides the
// idle window by touching last_activity.
func (s *Service) VerifyAccessToken(ctx context.Context, token string) (*AccessClaims, error) {
	claims, err := s.parseAccessClaims(token)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sessions := s.store.Sessions(ctx)
	hash := HashToken(claims.SessionID)

	sess, err := sessions.FindByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// Covers explicit server-side revocation, e.g. after a password
			// change.
			return nil, ErrTokenExpired
		}
		return nil, err
	}
	if now.After(sess.ExpiresAt) {
		_ = sessions.Delete(ctx, hash)
		return nil, ErrTokenExpired
	}
	if now.Sub(sess.LastActivityAt) > s.inactivityTimeout {
		_ = sessions.Delete(ctx, hash)
		return nil, ErrSessionInactive
	}
	if err := sessions.Touch(ctx, hash, now); err != nil {
		return nil, err
	}
	return claims, nil
}

// RefreshAccessToken exchanges a valid refresh token for a new access token
// and session row. Roles and permissions are recomputed here so RBAC changes
// reach already-logged-in users within one refresh cycle. The refresh token
// itself is not rotated.
func (s *Service) RefreshAccessToken(ctx context.Context, refreshToken, clientIP, userAgent string) (RefreshResult, error) {
	claims, err := s.parseRefreshClaims(refreshToken)
	if err != nil {
		return RefreshResult{}, err
	}
	now := s.now().UTC()
	tokens := s.store.RefreshTokens(ctx)

	rec, err := tokens.FindByHash(ctx, HashToken(refreshToken))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefreshResult{}, ErrTokenExpired
		}
		return RefreshResult{}, err
	}
	if rec.Revoked || now.After(rec.ExpiresAt) || rec.UserID != claims.UserID {
		return RefreshResult{}, ErrTokenExpired
	}
	if err := tokens.UpdateLastUsed(ctx, rec.ID, now); err != nil {
		return RefreshResult{}, err
	}

	user, err := s.store.Users(ctx).Find(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return RefreshResult{}, ErrTokenExpired
		}
		return RefreshResult{}, err
	}
	if !user.IsActive {
		return RefreshResult{}, ErrTokenExpired
	}

	roleNames, permKeys, err := s.grantsFor(ctx, user.ID)
	if err != nil {
		return RefreshResult{}, err
	}

	sessionID := uuid.NewString()
	accessToken, accessExp, err := s.signAccessToken(user, roleNames, permKeys, sessionID, now)
	if err != nil {
		return RefreshResult{}, err
	}
	if err := s.store.Sessions(ctx).Upsert(ctx, &Session{
		ID:             ids.New(),
		UserID:         user.ID,
		SessionHash:    HashToken(sessionID),
		LastActivityAt: now,
		ExpiresAt:      accessExp,
		ClientIP:       clientIP,
		UserAgent:      userAgent,
	}); err != nil {
		return RefreshResult{}, err
	}

	return RefreshResult{User: user, AccessToken: accessToken, AccessExpiresAt: accessExp}, nil
}

// ChangePassword verifies the current password, enforces the policy on the
// new one, persists the new hash and then invalidates every session and
// refresh token of the user. All devices must re-authenticate.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := VerifyPassword(user.PasswordHash, currentPassword); err != nil {
		return ErrInvalidCredentials
	}
	return s.setPassword(ctx, user, newPassword, user.ID, "", "")
}

// AdminChangePassword resets a user's password without the current-password
// check. Authorizing this privileged path is the caller's responsibility.
func (s *Service) AdminChangePassword(ctx context.Context, userID, newPassword string, actor Actor) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	return s.setPassword(ctx, user, newPassword, actor.UserID, actor.ClientIP, actor.UserAgent)
}

func (s *Service) setPassword(ctx context.Context, user *User, newPassword, performedBy, clientIP, userAgent string) error {
	if violations := s.policy.Validate(newPassword); len(violations) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidInput, joinViolations(violations))
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash, now); err != nil {
		return err
	}
	if err := s.store.Sessions(ctx).DeleteByUser(ctx, user.ID); err != nil {
		return err
	}
	if err := s.store.RefreshTokens(ctx).RevokeAllForUser(ctx, user.ID, now); err != nil {
		return err
	}
	// Audit after the mutation committed. Never the password itself. The
	// append failure is swallowed: the password change and the session
	// invalidation are already done and must not be reported as failed.
	_ = s.store.Audit(ctx).Append(ctx, &AuditEntry{
		ID:          ids.New(),
		UserID:      &user.ID,
		Action:      "auth.password.change",
		EntityType:  "user",
		EntityID:    user.ID,
		PerformedBy: performedBy,
		ClientIP:    clientIP,
		UserAgent:   userAgent,
		CreatedAt:   now,
	})
	return nil
}

// CleanupExpired deletes expired session rows and expired-or-revoked refresh
// tokens. Safe to invoke repeatedly and concurrently with live traffic: it
// only removes rows already invalid by their own timestamps.
func (s *Service) CleanupExpired(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	sessions, err := s.store.Sessions(ctx).DeleteExpired(ctx, now)
	if err != nil {
		return sessions, err
	}
	tokens, err := s.store.RefreshTokens(ctx).DeleteExpired(ctx, now)
	if err != nil {
		return sessions + tokens, err
	}
	return sessions + tokens, nil
}

// grantsFor unions role names and permission keys over every role currently
// assigned to the user (OR semantics across roles).
func (s *Service) grantsFor(ctx context.Context, userID string) ([]string, []string, error) {
	roles, err := s.store.Roles(ctx).RolesForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	perms, err := s.store.Permissions(ctx).ForUser(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	roleNames := make([]string, 0, len(roles))
	for _, r := range roles {
		roleNames = append(roleNames, r.Name)
	}
	permKeys := make([]string, 0, len(perms))
	for _, p := range perms {
		permKeys = append(permKeys, p.Key())
	}
	return roleNames, permKeys, nil
}
