package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"accesscore.org/internal/ids"
)

// Manager is the user & role management engine. Every mutation is validated,
// committed, then audited; passwords never reach the audit trail.
type Manager struct {
	store   Store
	auditor Auditor
	svc     *Service
	now     func() time.Time
}

// NewManager constructs the management engine on top of the authentication
// engine, reusing its hashing and password-policy configuration.
func NewManager(store Store, auditor Auditor, svc *Service) (*Manager, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if auditor == nil {
		return nil, errors.New("auth: auditor is required")
	}
	if svc == nil {
		return nil, errors.New("auth: service is required")
	}
	return &Manager{store: store, auditor: auditor, svc: svc, now: svc.now}, nil
}

// CreateUserInput carries everything needed to provision an account.
type CreateUserInput struct {
	Username string
	Password string
	FullName string
	RoleIDs  []string
	Actor    Actor
}

// roleRef is the audit representation of one role grant.
type roleRef struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CreateUser provisions a user with its initial role set in one transaction.
func (m *Manager) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	username := strings.TrimSpace(in.Username)
	if username == "" {
		return nil, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}
	if violations := m.svc.ValidatePassword(in.Password); len(violations) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInput, joinViolations(violations))
	}
	roleIDs := dedupeStrings(in.RoleIDs)
	roles, err := m.store.Roles(ctx).FindAll(ctx, roleIDs)
	if err != nil {
		return nil, err
	}
	hash, err := HashPassword(in.Password)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:           ids.New(),
		Username:     username,
		PasswordHash: hash,
		FullName:     strings.TrimSpace(in.FullName),
		IsActive:     true,
		CreatedBy:    in.Actor.UserID,
	}
	if err := m.store.Users(ctx).Create(ctx, user, roleIDs); err != nil {
		return nil, err
	}

	m.record(ctx, in.Actor, "user.create", "user", user.ID, nil, map[string]any{
		"username":  user.Username,
		"full_name": user.FullName,
		"roles":     roleRefs(roles),
	})
	return user, nil
}

// UpdateUser changes the mutable user fields (full name, active flag) and
// audits before/after for exactly those fields.
func (m *Manager) UpdateUser(ctx context.Context, userID string, upd UserUpdate, actor Actor) (*User, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	before, err := m.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.FullName != nil {
		trimmed := strings.TrimSpace(*upd.FullName)
		upd.FullName = &trimmed
	}
	after, err := m.store.Users(ctx).Update(ctx, userID, upd)
	if err != nil {
		return nil, err
	}

	m.record(ctx, actor, "user.update", "user", userID,
		map[string]any{"full_name": before.FullName, "is_active": before.IsActive},
		map[string]any{"full_name": after.FullName, "is_active": after.IsActive},
	)
	return after, nil
}

// DeleteUser removes an account. An acting admin cannot delete their own.
func (m *Manager) DeleteUser(ctx context.Context, userID string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if userID == actor.UserID {
		return ErrSelfDelete
	}
	user, err := m.store.Users(ctx).Find(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.store.Users(ctx).Delete(ctx, userID); err != nil {
		return err
	}
	m.record(ctx, actor, "user.delete", "user", userID,
		map[string]any{"username": user.Username, "full_name": user.FullName}, nil)
	return nil
}

// AssignRoles replaces the user's full role set in one transaction. Callers
// never observe a partially replaced grant set.
func (m *Manager) AssignRoles(ctx context.Context, userID string, roleIDs []string, actor Actor) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	if _, err := m.store.Users(ctx).Find(ctx, userID); err != nil {
		return err
	}
	roleIDs = dedupeStrings(roleIDs)
	newRoles, err := m.store.Roles(ctx).FindAll(ctx, roleIDs)
	if err != nil {
		return err
	}
	oldRoles, err := m.store.Roles(ctx).RolesForUser(ctx, userID)
	if err != nil {
		return err
	}
	if err := m.store.Roles(ctx).ReplaceForUser(ctx, userID, roleIDs); err != nil {
		return err
	}
	m.record(ctx, actor, "user.roles.assign", "user", userID,
		map[string]any{"roles": roleRefs(oldRoles)},
		map[string]any{"roles": roleRefs(newRoles)},
	)
	return nil
}

// CreateRole adds a role. Role names are unique; system roles are seeded by
// migration, never created through this path.
func (m *Manager) CreateRole(ctx context.Context, name, description string, actor Actor) (*Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
	}
	role := &Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
	}
	if err := m.store.Roles(ctx).Create(ctx, role); err != nil {
		return nil, err
	}
	m.record(ctx, actor, "role.create", "role", role.ID, nil,
		map[string]any{"name": role.Name, "description": role.Description})
	return role, nil
}

// UpdateRole renames or re-describes a role. System roles reject updates.
func (m *Manager) UpdateRole(ctx context.Context, roleID string, upd RoleUpdate, actor Actor) (*Role, error) {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return nil, fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	before, err := m.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if before.IsSystem {
		return nil, ErrSystemProtected
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: role name is required", ErrInvalidInput)
		}
		upd.Name = &name
	}
	after, err := m.store.Roles(ctx).Update(ctx, roleID, upd)
	if err != nil {
		return nil, err
	}
	m.record(ctx, actor, "role.update", "role", roleID,
		map[string]any{"name": before.Name, "description": before.Description},
		map[string]any{"name": after.Name, "description": after.Description},
	)
	return after, nil
}

// DeleteRole removes a role. Rejected for system roles and for roles still
// held by any user, so a grant is never silently orphaned.
func (m *Manager) DeleteRole(ctx context.Context, roleID string, actor Actor) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	role, err := m.store.Roles(ctx).Find(ctx, roleID)
	if err != nil {
		return err
	}
	if role.IsSystem {
		return ErrSystemProtected
	}
	holders, err := m.store.Roles(ctx).HolderCount(ctx, roleID)
	if err != nil {
		return err
	}
	if holders > 0 {
		return fmt.Errorf("%w: %d users hold role %s", ErrRoleInUse, holders, role.Name)
	}
	if err := m.store.Roles(ctx).Delete(ctx, roleID); err != nil {
		return err
	}
	m.record(ctx, actor, "role.delete", "role", roleID,
		map[string]any{"name": role.Name}, nil)
	return nil
}

// SetRolePermissions replaces the role's full permission set in one
// transaction.
func (m *Manager) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string, actor Actor) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := m.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return err
	}
	old, err := m.store.Permissions(ctx).ForRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := m.store.Permissions(ctx).ReplaceForRole(ctx, roleID, dedupeStrings(permissionIDs)); err != nil {
		return err
	}
	updated, err := m.store.Permissions(ctx).ForRole(ctx, roleID)
	if err != nil {
		return err
	}
	m.record(ctx, actor, "role.permissions.set", "role", roleID,
		map[string]any{"permissions": permissionKeys(old)},
		map[string]any{"permissions": permissionKeys(updated)},
	)
	return nil
}

// SetRolePages replaces the role's full page grant set in one transaction.
func (m *Manager) SetRolePages(ctx context.Context, roleID string, pageIDs []string, actor Actor) error {
	roleID = strings.TrimSpace(roleID)
	if roleID == "" {
		return fmt.Errorf("%w: role_id is required", ErrInvalidInput)
	}
	if _, err := m.store.Roles(ctx).Find(ctx, roleID); err != nil {
		return err
	}
	old, err := m.store.Pages(ctx).ForRole(ctx, roleID)
	if err != nil {
		return err
	}
	if err := m.store.Pages(ctx).ReplaceForRole(ctx, roleID, dedupeStrings(pageIDs)); err != nil {
		return err
	}
	updated, err := m.store.Pages(ctx).ForRole(ctx, roleID)
	if err != nil {
		return err
	}
	m.record(ctx, actor, "role.pages.set", "role", roleID,
		map[string]any{"pages": pageNames(old)},
		map[string]any{"pages": pageNames(updated)},
	)
	return nil
}

// CreatePage adds a page. The parent, when set, must exist.
func (m *Manager) CreatePage(ctx context.Context, page Page, actor Actor) (*Page, error) {
	page.Name = strings.TrimSpace(page.Name)
	if page.Name == "" {
		return nil, fmt.Errorf("%w: page name is required", ErrInvalidInput)
	}
	if page.DisplayName == "" {
		page.DisplayName = page.Name
	}
	if page.ParentID != nil {
		if _, err := m.store.Pages(ctx).Find(ctx, *page.ParentID); err != nil {
			return nil, err
		}
	}
	page.ID = ids.New()
	page.IsSystem = false
	if err := m.store.Pages(ctx).Create(ctx, &page); err != nil {
		return nil, err
	}
	m.record(ctx, actor, "page.create", "page", page.ID, nil, map[string]any{
		"name": page.Name, "display_name": page.DisplayName, "route": page.Route,
	})
	return &page, nil
}

// UpdatePage changes a page; system pages are immutable. Reparenting is
// validated in the store so a page can never become its own ancestor.
func (m *Manager) UpdatePage(ctx context.Context, pageID string, upd PageUpdate, actor Actor) (*Page, error) {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return nil, fmt.Errorf("%w: page_id is required", ErrInvalidInput)
	}
	before, err := m.store.Pages(ctx).Find(ctx, pageID)
	if err != nil {
		return nil, err
	}
	if before.IsSystem {
		return nil, ErrSystemProtected
	}
	if upd.SetParent && upd.ParentID != nil {
		if *upd.ParentID == pageID {
			return nil, fmt.Errorf("%w: page cannot be its own parent", ErrInvalidInput)
		}
		if _, err := m.store.Pages(ctx).Find(ctx, *upd.ParentID); err != nil {
			return nil, err
		}
	}
	after, err := m.store.Pages(ctx).Update(ctx, pageID, upd)
	if err != nil {
		return nil, err
	}
	m.record(ctx, actor, "page.update", "page", pageID,
		map[string]any{"display_name": before.DisplayName, "route": before.Route, "parent_id": before.ParentID, "sort_order": before.SortOrder},
		map[string]any{"display_name": after.DisplayName, "route": after.Route, "parent_id": after.ParentID, "sort_order": after.SortOrder},
	)
	return after, nil
}

// DeletePage removes a page; system pages are immutable.
func (m *Manager) DeletePage(ctx context.Context, pageID string, actor Actor) error {
	pageID = strings.TrimSpace(pageID)
	if pageID == "" {
		return fmt.Errorf("%w: page_id is required", ErrInvalidInput)
	}
	page, err := m.store.Pages(ctx).Find(ctx, pageID)
	if err != nil {
		return err
	}
	if page.IsSystem {
		return ErrSystemProtected
	}
	if err := m.store.Pages(ctx).Delete(ctx, pageID); err != nil {
		return err
	}
	m.record(ctx, actor, "page.delete", "page", pageID,
		map[string]any{"name": page.Name, "route": page.Route}, nil)
	return nil
}

// PageTreeForUser assembles the forest of pages visible to the user: the
// union over all assigned roles, indexed and linked in two passes.
func (m *Manager) PageTreeForUser(ctx context.Context, userID string) ([]*PageNode, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	pages, err := m.store.Pages(ctx).ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return BuildPageTree(pages), nil
}

// PageTree assembles the full page forest for administration screens.
func (m *Manager) PageTree(ctx context.Context) ([]*PageNode, error) {
	pages, err := m.store.Pages(ctx).List(ctx)
	if err != nil {
		return nil, err
	}
	return BuildPageTree(pages), nil
}

// Read passthroughs used by the HTTP layer.

func (m *Manager) ListUsers(ctx context.Context) ([]*User, error) { return m.store.Users(ctx).List(ctx) }

func (m *Manager) GetUser(ctx context.Context, id string) (*User, error) {
	return m.store.Users(ctx).Find(ctx, id)
}

func (m *Manager) RolesForUser(ctx context.Context, userID string) ([]Role, error) {
	return m.store.Roles(ctx).RolesForUser(ctx, userID)
}

func (m *Manager) ListRoles(ctx context.Context) ([]*Role, error) { return m.store.Roles(ctx).List(ctx) }

func (m *Manager) GetRole(ctx context.Context, id string) (*Role, error) {
	return m.store.Roles(ctx).Find(ctx, id)
}

func (m *Manager) ListPermissions(ctx context.Context) ([]Permission, error) {
	return m.store.Permissions(ctx).List(ctx)
}

func (m *Manager) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	return m.store.Permissions(ctx).ForRole(ctx, roleID)
}

func (m *Manager) ListPages(ctx context.Context) ([]Page, error) {
	return m.store.Pages(ctx).List(ctx)
}

func (m *Manager) PagesForRole(ctx context.Context, roleID string) ([]Page, error) {
	return m.store.Pages(ctx).ForRole(ctx, roleID)
}

func (m *Manager) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.Audit(ctx).Recent(ctx, limit)
}

// record writes one audit entry. Failures are swallowed: the underlying
// mutation already committed and must not be reported as failed.
func (m *Manager) record(ctx context.Context, actor Actor, action, entityType, entityID string, oldValue, newValue map[string]any) {
	entry := &AuditEntry{
		ID:          ids.New(),
		Action:      action,
		EntityType:  entityType,
		EntityID:    entityID,
		PerformedBy: actor.UserID,
		ClientIP:    actor.ClientIP,
		UserAgent:   actor.UserAgent,
		CreatedAt:   m.now().UTC(),
	}
	if entityType == "user" {
		entry.UserID = &entityID
	}
	if oldValue != nil {
		entry.OldValue, _ = json.Marshal(oldValue)
	}
	if newValue != nil {
		entry.NewValue, _ = json.Marshal(newValue)
	}
	_ = m.auditor.Record(ctx, entry)
}

func roleRefs(roles []Role) []roleRef {
	refs := make([]roleRef, 0, len(roles))
	for _, r := range roles {
		refs = append(refs, roleRef{ID: r.ID, Name: r.Name})
	}
	return refs
}

func permissionKeys(perms []Permission) []string {
	keys := make([]string, 0, len(perms))
	for _, p := range perms {
		keys = append(keys, p.Key())
	}
	return keys
}

func pageNames(pages []Page) []string {
	names := make([]string, 0, len(pages))
	for _, p := range pages {
		names = append(names, p.Name)
	}
	return names
}

func dedupeStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := set[v]; ok {
			continue
		}
		set[v] = struct{}{}
		result = append(result, v)
	}
	return result
}
