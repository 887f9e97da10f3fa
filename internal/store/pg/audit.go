package pg

import (
	"context"
	"database/sql"

	"accesscore.org/internal/auth"
	"accesscore.org/internal/ids"
)

type auditStore struct{ db *sql.DB }

// Append inserts one entry. The table is append-only; no update or delete
// path exists in this package.
func (s *auditStore) Append(ctx context.Context, entry *auth.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	var oldValue, newValue any
	if len(entry.OldValue) > 0 {
		oldValue = []byte(entry.OldValue)
	}
	if len(entry.NewValue) > 0 {
		newValue = []byte(entry.NewValue)
	}
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (id, user_id, action, entity_type, entity_id, old_value, new_value, performed_by, client_ip, user_agent, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, nullif($8, ''), $9, $10, $11)
	`, entry.ID, nullableString(entry.UserID), entry.Action, entry.EntityType,
		entry.EntityID, oldValue, newValue, entry.PerformedBy,
		entry.ClientIP, entry.UserAgent, entry.CreatedAt)
	return err
}

func (s *auditStore) Recent(ctx context.Context, limit int) ([]auth.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, action, entity_type, entity_id, old_value, new_value, performed_by, client_ip, user_agent, created_at
		from audit_log
		order by created_at desc
		limit $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []auth.AuditEntry
	for rows.Next() {
		var (
			e           auth.AuditEntry
			userID      sql.NullString
			performedBy sql.NullString
			oldValue    []byte
			newValue    []byte
		)
		if err := rows.Scan(&e.ID, &userID, &e.Action, &e.EntityType, &e.EntityID,
			&oldValue, &newValue, &performedBy, &e.ClientIP, &e.UserAgent, &e.CreatedAt); err != nil {
			return nil, err
		}
		if userID.Valid {
			e.UserID = &userID.String
		}
		if performedBy.Valid {
			e.PerformedBy = performedBy.String
		}
		e.OldValue = oldValue
		e.NewValue = newValue
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
