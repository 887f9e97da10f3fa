package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"accesscore.org/internal/auth"
)

type refreshTokenStore struct{ db *sql.DB }

func (s *refreshTokenStore) Create(ctx context.Context, tok *auth.RefreshToken) error {
	_, err := s.db.ExecContext(ctx, `
		insert into refresh_tokens (id, user_id, token_hash, expires_at, client_ip, user_agent)
		values ($1, $2, $3, $4, $5, $6)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.ClientIP, tok.UserAgent)
	return mapWriteErr(err)
}

func (s *refreshTokenStore) FindByHash(ctx context.Context, tokenHash string) (*auth.RefreshToken, error) {
	var (
		tok       auth.RefreshToken
		revokedAt sql.NullTime
		lastUsed  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, revoked, revoked_at, last_used_at, client_ip, user_agent, created_at
		from refresh_tokens
		where token_hash = $1
	`, tokenHash).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt,
		&tok.Revoked, &revokedAt, &lastUsed, &tok.ClientIP, &tok.UserAgent, &tok.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if revokedAt.Valid {
		tok.RevokedAt = &revokedAt.Time
	}
	if lastUsed.Valid {
		tok.LastUsedAt = &lastUsed.Time
	}
	return &tok, nil
}

func (s *refreshTokenStore) UpdateLastUsed(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set last_used_at = $2 where id = $1`, id, at)
	return err
}

// Revoke retires the token logically. The row stays for forensic audit
// until the expiry sweep removes it.
func (s *refreshTokenStore) Revoke(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true, revoked_at = $2 where id = $1 and revoked = false`,
		id, at)
	return err
}

func (s *refreshTokenStore) RevokeAllForUser(ctx context.Context, userID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update refresh_tokens set revoked = true, revoked_at = $2 where user_id = $1 and revoked = false`,
		userID, at)
	return err
}

func (s *refreshTokenStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from refresh_tokens where expires_at < $1 or revoked = true`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
