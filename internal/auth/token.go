package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// AccessClaims is the signed payload of a short-lived access token. The
// embedded SessionID ties the token to a server-side session row; the token
// alone is never sufficient proof.
type AccessClaims struct {
	UserID      string   `json:"uid"`
	Username    string   `json:"username"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	SessionID   string   `json:"sid"`
	TokenType   string   `json:"token_type"`
	jwt.RegisteredClaims
}

// HasPermission reports whether the token carries the permission key.
func (c *AccessClaims) HasPermission(key string) bool {
	for _, p := range c.Permissions {
		if p == key {
			return true
		}
	}
	return false
}

// RefreshClaims is the signed payload of a long-lived refresh token. TokenID
// matches the id of the persisted refresh token row.
type RefreshClaims struct {
	UserID    string `json:"uid"`
	TokenID   string `json:"tid"`
	TokenType string `json:"token_type"`
	jwt.RegisteredClaims
}

// HashToken computes the sha256 hash of a secret for storage and lookup.
// Raw session identifiers and refresh tokens are never stored. The hash
// favors lookup speed over brute-force resistance: its preimage is a
// high-entropy random value, not a guessable password.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *Service) signAccessToken(user *User, roleNames, permKeys []string, sessionID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.accessTTL)
	claims := AccessClaims{
		UserID:      user.ID,
		Username:    user.Username,
		Roles:       roleNames,
		Permissions: permKeys,
		SessionID:   sessionID,
		TokenType:   tokenTypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   user.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) signRefreshToken(userID, tokenID string, now time.Time) (string, time.Time, error) {
	exp := now.Add(s.refreshTTL)
	claims := RefreshClaims{
		UserID:    userID,
		TokenID:   tokenID,
		TokenType: tokenTypeRefresh,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        tokenID,
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

func (s *Service) parseAccessClaims(token string) (*AccessClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenExpired
	}
	parsed, err := jwt.ParseWithClaims(token, &AccessClaims{}, s.keyFunc,
		jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, ErrTokenExpired
	}
	claims, ok := parsed.Claims.(*AccessClaims)
	if !ok || !parsed.Valid || claims.TokenType != tokenTypeAccess {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func (s *Service) parseRefreshClaims(token string) (*RefreshClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrTokenExpired
	}
	parsed, err := jwt.ParseWithClaims(token, &RefreshClaims{}, s.keyFunc,
		jwt.WithTimeFunc(s.now), jwt.WithIssuer(s.issuer))
	if err != nil {
		return nil, ErrTokenExpired
	}
	claims, ok := parsed.Claims.(*RefreshClaims)
	if !ok || !parsed.Valid || claims.TokenType != tokenTypeRefresh {
		return nil, ErrTokenExpired
	}
	return claims, nil
}

func (s *Service) keyFunc(t *jwt.Token) (any, error) {
	if t.Method != jwt.SigningMethodHS256 {
		return nil, ErrTokenExpired
	}
	return s.secret, nil
}
