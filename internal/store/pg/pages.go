package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"accesscore.org/internal/auth"
)

type pageStore struct{ db *sql.DB }

const pageColumns = `id, name, display_name, parent_id, route, sort_order, is_system, created_at, updated_at`

func scanPage(row interface{ Scan(...any) error }) (*auth.Page, error) {
	var (
		p        auth.Page
		parentID sql.NullString
	)
	err := row.Scan(&p.ID, &p.Name, &p.DisplayName, &parentID, &p.Route,
		&p.SortOrder, &p.IsSystem, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if parentID.Valid {
		p.ParentID = &parentID.String
	}
	return &p, nil
}

func (s *pageStore) Create(ctx context.Context, page *auth.Page) error {
	row := s.db.QueryRowContext(ctx, `
		insert into pages (id, name, display_name, parent_id, route, sort_order, is_system)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, page.ID, page.Name, page.DisplayName, nullableString(page.ParentID),
		page.Route, page.SortOrder, page.IsSystem)
	return mapWriteErr(row.Scan(&page.CreatedAt, &page.UpdatedAt))
}

func (s *pageStore) Find(ctx context.Context, id string) (*auth.Page, error) {
	return scanPage(s.db.QueryRowContext(ctx,
		`select `+pageColumns+` from pages where id = $1`, id))
}

func (s *pageStore) List(ctx context.Context) ([]auth.Page, error) {
	return s.queryPages(ctx, `select `+pageColumns+` from pages order by sort_order, name`)
}

func (s *pageStore) Update(ctx context.Context, id string, upd auth.PageUpdate) (*auth.Page, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	if upd.SetParent && upd.ParentID != nil {
		// A page must never become its own ancestor. Lock both rows first
		// so two concurrent reparents serialize instead of each passing the
		// ancestor check before the other commits.
		if _, err := tx.ExecContext(ctx,
			`select id from pages where id in ($1, $2) for update`,
			id, *upd.ParentID); err != nil {
			return nil, err
		}
		cyclic, err := wouldCycle(ctx, tx, id, *upd.ParentID)
		if err != nil {
			return nil, err
		}
		if cyclic {
			return nil, fmt.Errorf("%w: page cannot become its own ancestor", auth.ErrInvalidInput)
		}
	}

	var (
		query string
		args  []any
	)
	if upd.SetParent {
		query = `
			update pages
			set display_name = coalesce($2, display_name),
			    route = coalesce($3, route),
			    sort_order = coalesce($4, sort_order),
			    parent_id = $5,
			    updated_at = now()
			where id = $1 and is_system = false
			returning ` + pageColumns
		args = []any{id, upd.DisplayName, upd.Route, upd.SortOrder, nullableString(upd.ParentID)}
	} else {
		query = `
			update pages
			set display_name = coalesce($2, display_name),
			    route = coalesce($3, route),
			    sort_order = coalesce($4, sort_order),
			    updated_at = now()
			where id = $1 and is_system = false
			returning ` + pageColumns
		args = []any{id, upd.DisplayName, upd.Route, upd.SortOrder}
	}
	page, err := scanPage(tx.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, mapWriteErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return page, nil
}

// wouldCycle reports whether attaching pageID under newParentID would make
// pageID its own ancestor. Runs on the caller's transaction so the check
// and the reparent see the same snapshot.
func wouldCycle(ctx context.Context, tx *sql.Tx, pageID, newParentID string) (bool, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		with recursive ancestors as (
			select id, parent_id from pages where id = $1
			union all
			select p.id, p.parent_id
			from pages p
			join ancestors a on p.id = a.parent_id
		)
		select count(*) from ancestors where id = $2
	`, newParentID, pageID).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *pageStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from pages where id = $1 and is_system = false`, id)
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

func (s *pageStore) ReplaceForRole(ctx context.Context, roleID string, pageIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`delete from role_pages where role_id = $1`, roleID); err != nil {
		return err
	}
	for _, pageID := range pageIDs {
		if _, err := tx.ExecContext(ctx,
			`insert into role_pages (role_id, page_id) values ($1, $2)`,
			roleID, pageID,
		); err != nil {
			return mapWriteErr(err)
		}
	}
	return tx.Commit()
}

func (s *pageStore) ForRole(ctx context.Context, roleID string) ([]auth.Page, error) {
	return s.queryPages(ctx, `
		select p.id, p.name, p.display_name, p.parent_id, p.route, p.sort_order, p.is_system, p.created_at, p.updated_at
		from pages p
		join role_pages rp on rp.page_id = p.id
		where rp.role_id = $1
		order by p.sort_order, p.name
	`, roleID)
}

func (s *pageStore) ForUser(ctx context.Context, userID string) ([]auth.Page, error) {
	return s.queryPages(ctx, `
		select distinct p.id, p.name, p.display_name, p.parent_id, p.route, p.sort_order, p.is_system, p.created_at, p.updated_at
		from pages p
		join role_pages rp on rp.page_id = p.id
		join user_roles ur on ur.role_id = rp.role_id
		where ur.user_id = $1
		order by p.sort_order, p.name
	`, userID)
}

func (s *pageStore) queryPages(ctx context.Context, query string, args ...any) ([]auth.Page, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pages []auth.Page
	for rows.Next() {
		page, err := scanPage(rows)
		if err != nil {
			return nil, err
		}
		pages = append(pages, *page)
	}
	return pages, rows.Err()
}
