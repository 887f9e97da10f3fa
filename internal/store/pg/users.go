package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"accesscore.org/internal/auth"
)

type userStore struct{ db *sql.DB }

const userColumns = `id, username, password_hash, full_name, is_active,
	failed_login_attempts, locked_until, last_login_at, password_changed_at,
	created_by, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*auth.User, error) {
	var (
		u           auth.User
		lockedUntil sql.NullTime
		lastLogin   sql.NullTime
		pwChanged   sql.NullTime
		createdBy   sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FullName, &u.IsActive,
		&u.FailedLoginAttempts, &lockedUntil, &lastLogin, &pwChanged,
		&createdBy, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if lockedUntil.Valid {
		u.LockedUntil = &lockedUntil.Time
	}
	if lastLogin.Valid {
		u.LastLoginAt = &lastLogin.Time
	}
	if pwChanged.Valid {
		u.PasswordChangedAt = &pwChanged.Time
	}
	if createdBy.Valid {
		u.CreatedBy = createdBy.String
	}
	return &u, nil
}

func (s *userStore) Create(ctx context.Context, u *auth.User, roleIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		insert into users (id, username, password_hash, full_name, is_active, created_by)
		values ($1, $2, $3, $4, $5, nullif($6, ''))
		returning created_at, updated_at
	`, u.ID, u.Username, u.PasswordHash, u.FullName, u.IsActive, u.CreatedBy)
	if err := row.Scan(&u.CreatedAt, &u.UpdatedAt); err != nil {
		return mapWriteErr(err)
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into user_roles (user_id, role_id) values ($1, $2)`,
			u.ID, roleID,
		); err != nil {
			return mapWriteErr(err)
		}
	}
	return tx.Commit()
}

func (s *userStore) Find(ctx context.Context, id string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id = $1`, id))
}

func (s *userStore) FindByUsername(ctx context.Context, username string) (*auth.User, error) {
	return scanUser(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username = $1`, username))
}

func (s *userStore) List(ctx context.Context) ([]*auth.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by username`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*auth.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *userStore) Update(ctx context.Context, id string, upd auth.UserUpdate) (*auth.User, error) {
	// Usernames are immutable; only full name and the active flag change.
	return scanUser(s.db.QueryRowContext(ctx, `
		update users
		set full_name = coalesce($2, full_name),
		    is_active = coalesce($3, is_active),
		    updated_at = now()
		where id = $1
		returning `+userColumns,
		id, upd.FullName, upd.IsActive))
}

func (s *userStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id = $1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *userStore) UpdatePassword(ctx context.Context, id, passwordHash string, changedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update users
		set password_hash = $2, password_changed_at = $3, updated_at = now()
		where id = $1
	`, id, passwordHash, changedAt)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// RecordLoginFailure performs the counter increment server-side so two
// concurrent wrong-password attempts cannot under-count toward the lockout
// threshold.
func (s *userStore) RecordLoginFailure(ctx context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	var (
		attempts    int
		lockedUntil sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		update users
		set failed_login_attempts = failed_login_attempts + 1,
		    locked_until = case
		        when failed_login_attempts + 1 >= $2 then $3
		        else locked_until
		    end,
		    updated_at = now()
		where id = $1
		returning failed_login_attempts, locked_until
	`, id, threshold, lockUntil).Scan(&attempts, &lockedUntil)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, auth.ErrNotFound
	}
	if err != nil {
		return 0, nil, err
	}
	if lockedUntil.Valid {
		return attempts, &lockedUntil.Time, nil
	}
	return attempts, nil, nil
}

func (s *userStore) RecordLoginSuccess(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update users
		set failed_login_attempts = 0, locked_until = null,
		    last_login_at = $2, updated_at = now()
		where id = $1
	`, id, at)
	return err
}
