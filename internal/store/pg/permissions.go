package pg

import (
	"context"
	"database/sql"

	"accesscore.org/internal/auth"
	"accesscore.org/internal/ids"
)

type permissionStore struct{ db *sql.DB }

func (s *permissionStore) Ensure(ctx context.Context, perms []auth.Permission) error {
	for _, p := range perms {
		if p.ID == "" {
			p.ID = ids.New()
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, resource, action)
			values ($1, $2, $3)
			on conflict (resource, action) do nothing
		`, p.ID, p.Resource, p.Action); err != nil {
			return err
		}
	}
	return nil
}

func (s *permissionStore) List(ctx context.Context) ([]auth.Permission, error) {
	return s.queryPermissions(ctx, `
		select id, resource, action, created_at
		from permissions
		order by resource, action
	`)
}

// ReplaceForRole swaps the role's permission set atomically. On any failure
// the transaction rolls back and the previous set stays intact.
func (s *permissionStore) ReplaceForRole(ctx context.Context, roleID string, permissionIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, permID := range permissionIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into role_permissions (role_id, permission_id) values ($1, $2)`,
			roleID, permID,
		); err != nil {
			return mapWriteErr(err)
		}
	}
	return tx.Commit()
}

func (s *permissionStore) ForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	return s.queryPermissions(ctx, `
		select p.id, p.resource, p.action, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		where rp.role_id = $1
		order by p.resource, p.action
	`, roleID)
}

func (s *permissionStore) ForUser(ctx context.Context, userID string) ([]auth.Permission, error) {
	return s.queryPermissions(ctx, `
		select distinct p.id, p.resource, p.action, p.created_at
		from permissions p
		join role_permissions rp on rp.permission_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by p.resource, p.action
	`, userID)
}

func (s *permissionStore) queryPermissions(ctx context.Context, query string, args ...any) ([]auth.Permission, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.Resource, &p.Action, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}
