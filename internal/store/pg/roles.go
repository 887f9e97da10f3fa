package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"accesscore.org/internal/auth"
)

type roleStore struct{ db *sql.DB }

const roleColumns = `id, name, description, is_system, created_at, updated_at`

func scanRole(row interface{ Scan(...any) error }) (*auth.Role, error) {
	var r auth.Role
	err := row.Scan(&r.ID, &r.Name, &r.Description, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *roleStore) Create(ctx context.Context, role *auth.Role) error {
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description, is_system)
		values ($1, $2, $3, $4)
		returning created_at, updated_at
	`, role.ID, role.Name, role.Description, role.IsSystem)
	return mapWriteErr(row.Scan(&role.CreatedAt, &role.UpdatedAt))
}

func (s *roleStore) Find(ctx context.Context, id string) (*auth.Role, error) {
	return scanRole(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id = $1`, id))
}

func (s *roleStore) FindAll(ctx context.Context, ids []string) ([]auth.Role, error) {
	roles := make([]auth.Role, 0, len(ids))
	for _, id := range ids {
		role, err := s.Find(ctx, id)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				return nil, fmt.Errorf("%w: role %s", auth.ErrNotFound, id)
			}
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, nil
}

func (s *roleStore) List(ctx context.Context) ([]*auth.Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+roleColumns+` from roles order by name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

func (s *roleStore) Update(ctx context.Context, id string, upd auth.RoleUpdate) (*auth.Role, error) {
	role, err := scanRole(s.db.QueryRowContext(ctx, `
		update roles
		set name = coalesce($2, name),
		    description = coalesce($3, description),
		    updated_at = now()
		where id = $1 and is_system = false
		returning `+roleColumns,
		id, upd.Name, upd.Description))
	if err != nil {
		return nil, mapWriteErr(err)
	}
	return role, nil
}

func (s *roleStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from roles where id = $1 and is_system = false`, id)
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

// ReplaceForUser swaps the full role set atomically: delete-then-insert in
// one transaction, never a diff.
func (s *roleStore) ReplaceForUser(ctx context.Context, userID string, roleIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`delete from user_roles where user_id = $1`, userID); err != nil {
		return err
	}
	for _, roleID := range roleIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into user_roles (user_id, role_id) values ($1, $2)`,
			userID, roleID,
		); err != nil {
			return mapWriteErr(err)
		}
	}
	return tx.Commit()
}

func (s *roleStore) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.is_system, r.created_at, r.updated_at
		from roles r
		join user_roles ur on ur.role_id = r.id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []auth.Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

func (s *roleStore) HolderCount(ctx context.Context, roleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`select count(*) from user_roles where role_id = $1`, roleID).Scan(&count)
	return count, err
}
