package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"accesscore.org/internal/auth"
)

type sessionStore struct{ db *sql.DB }

// Upsert keys on session_hash: re-issuing a session id (improbable as they
// are random UUIDs) refreshes the existing row instead of failing.
func (s *sessionStore) Upsert(ctx context.Context, sess *auth.Session) error {
	_, err := s.db.ExecContext(ctx, `
		insert into sessions (id, user_id, session_hash, last_activity_at, expires_at, client_ip, user_agent)
		values ($1, $2, $3, $4, $5, $6, $7)
		on conflict (session_hash) do update
		set last_activity_at = excluded.last_activity_at,
		    expires_at = excluded.expires_at
	`, sess.ID, sess.UserID, sess.SessionHash, sess.LastActivityAt,
		sess.ExpiresAt, sess.ClientIP, sess.UserAgent)
	return mapWriteErr(err)
}

func (s *sessionStore) FindByHash(ctx context.Context, sessionHash string) (*auth.Session, error) {
	var sess auth.Session
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, session_hash, last_activity_at, expires_at, client_ip, user_agent, created_at
		from sessions
		where session_hash = $1
	`, sessionHash).Scan(&sess.ID, &sess.UserID, &sess.SessionHash,
		&sess.LastActivityAt, &sess.ExpiresAt, &sess.ClientIP, &sess.UserAgent, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *sessionStore) Touch(ctx context.Context, sessionHash string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update sessions set last_activity_at = $2 where session_hash = $1`,
		sessionHash, at)
	return err
}

func (s *sessionStore) Delete(ctx context.Context, sessionHash string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from sessions where session_hash = $1`, sessionHash)
	return err
}

func (s *sessionStore) DeleteByUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx,
		`delete from sessions where user_id = $1`, userID)
	return err
}

func (s *sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`delete from sessions where expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
