package auth

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// memStore is an in-memory Store used by the engine tests. It mirrors the
// PostgreSQL implementation's error semantics: ErrNotFound for missing rows
// and foreign keys, ErrConflict for uniqueness violations.
type memStore struct {
	mu        sync.Mutex
	users     map[string]*User
	roles     map[string]*Role
	perms     map[string]Permission
	pages     map[string]*Page
	userRoles map[string][]string
	rolePerms map[string][]string
	rolePages map[string][]string
	sessions  map[string]*Session
	tokens    map[string]*RefreshToken
	audit     []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]*User),
		roles:     make(map[string]*Role),
		perms:     make(map[string]Permission),
		pages:     make(map[string]*Page),
		userRoles: make(map[string][]string),
		rolePerms: make(map[string][]string),
		rolePages: make(map[string][]string),
		sessions:  make(map[string]*Session),
		tokens:    make(map[string]*RefreshToken),
	}
}

func (m *memStore) Users(context.Context) UserStore                 { return &memUsers{m} }
func (m *memStore) Roles(context.Context) RoleStore                 { return &memRoles{m} }
func (m *memStore) Permissions(context.Context) PermissionStore     { return &memPerms{m} }
func (m *memStore) Pages(context.Context) PageStore                 { return &memPages{m} }
func (m *memStore) Sessions(context.Context) SessionStore           { return &memSessions{m} }
func (m *memStore) RefreshTokens(context.Context) RefreshTokenStore { return &memTokens{m} }
func (m *memStore) Audit(context.Context) AuditStore                { return &memAudit{m} }

// --- users ---

type memUsers struct{ s *memStore }

func (u *memUsers) Create(_ context.Context, user *User, roleIDs []string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, existing := range u.s.users {
		if existing.Username == user.Username {
			return ErrConflict
		}
	}
	for _, roleID := range roleIDs {
		if _, ok := u.s.roles[roleID]; !ok {
			return ErrNotFound
		}
	}
	now := time.Now().UTC()
	user.CreatedAt = now
	user.UpdatedAt = now
	cp := *user
	u.s.users[user.ID] = &cp
	u.s.userRoles[user.ID] = append([]string(nil), roleIDs...)
	return nil
}

func (u *memUsers) Find(_ context.Context, id string) (*User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *user
	return &cp, nil
}

func (u *memUsers) FindByUsername(_ context.Context, username string) (*User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	for _, user := range u.s.users {
		if user.Username == username {
			cp := *user
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (u *memUsers) List(_ context.Context) ([]*User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	var out []*User
	for _, user := range u.s.users {
		cp := *user
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (u *memUsers) Update(_ context.Context, id string, upd UserUpdate) (*User, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	if upd.FullName != nil {
		user.FullName = *upd.FullName
	}
	if upd.IsActive != nil {
		user.IsActive = *upd.IsActive
	}
	user.UpdatedAt = time.Now().UTC()
	cp := *user
	return &cp, nil
}

func (u *memUsers) Delete(_ context.Context, id string) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	if _, ok := u.s.users[id]; !ok {
		return ErrNotFound
	}
	delete(u.s.users, id)
	delete(u.s.userRoles, id)
	for hash, sess := range u.s.sessions {
		if sess.UserID == id {
			delete(u.s.sessions, hash)
		}
	}
	for tid, tok := range u.s.tokens {
		if tok.UserID == id {
			delete(u.s.tokens, tid)
		}
	}
	return nil
}

func (u *memUsers) UpdatePassword(_ context.Context, id, passwordHash string, changedAt time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.PasswordChangedAt = &changedAt
	return nil
}

func (u *memUsers) RecordLoginFailure(_ context.Context, id string, threshold int, lockUntil time.Time) (int, *time.Time, error) {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return 0, nil, ErrNotFound
	}
	user.FailedLoginAttempts++
	if user.FailedLoginAttempts >= threshold {
		user.LockedUntil = &lockUntil
	}
	return user.FailedLoginAttempts, user.LockedUntil, nil
}

func (u *memUsers) RecordLoginSuccess(_ context.Context, id string, at time.Time) error {
	u.s.mu.Lock()
	defer u.s.mu.Unlock()
	user, ok := u.s.users[id]
	if !ok {
		return ErrNotFound
	}
	user.FailedLoginAttempts = 0
	user.LockedUntil = nil
	user.LastLoginAt = &at
	return nil
}

// --- roles ---

type memRoles struct{ s *memStore }

func (r *memRoles) Create(_ context.Context, role *Role) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.roles {
		if existing.Name == role.Name {
			return ErrConflict
		}
	}
	now := time.Now().UTC()
	role.CreatedAt = now
	role.UpdatedAt = now
	cp := *role
	r.s.roles[role.ID] = &cp
	return nil
}

func (r *memRoles) Find(_ context.Context, id string) (*Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *role
	return &cp, nil
}

func (r *memRoles) FindAll(_ context.Context, ids []string) ([]Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]Role, 0, len(ids))
	for _, id := range ids {
		role, ok := r.s.roles[id]
		if !ok {
			return nil, fmt.Errorf("%w: role %s", ErrNotFound, id)
		}
		out = append(out, *role)
	}
	return out, nil
}

func (r *memRoles) List(_ context.Context) ([]*Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*Role
	for _, role := range r.s.roles {
		cp := *role
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memRoles) Update(_ context.Context, id string, upd RoleUpdate) (*Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok || role.IsSystem {
		return nil, ErrNotFound
	}
	if upd.Name != nil {
		role.Name = *upd.Name
	}
	if upd.Description != nil {
		role.Description = *upd.Description
	}
	role.UpdatedAt = time.Now().UTC()
	cp := *role
	return &cp, nil
}

func (r *memRoles) Delete(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	role, ok := r.s.roles[id]
	if !ok || role.IsSystem {
		return ErrNotFound
	}
	delete(r.s.roles, id)
	delete(r.s.rolePerms, id)
	delete(r.s.rolePages, id)
	for userID, roleIDs := range r.s.userRoles {
		var kept []string
		for _, rid := range roleIDs {
			if rid != id {
				kept = append(kept, rid)
			}
		}
		r.s.userRoles[userID] = kept
	}
	return nil
}

func (r *memRoles) ReplaceForUser(_ context.Context, userID string, roleIDs []string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, id := range roleIDs {
		if _, ok := r.s.roles[id]; !ok {
			return ErrNotFound
		}
	}
	r.s.userRoles[userID] = append([]string(nil), roleIDs...)
	return nil
}

func (r *memRoles) RolesForUser(_ context.Context, userID string) ([]Role, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []Role
	for _, id := range r.s.userRoles[userID] {
		if role, ok := r.s.roles[id]; ok {
			out = append(out, *role)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *memRoles) HolderCount(_ context.Context, roleID string) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	count := 0
	for _, roleIDs := range r.s.userRoles {
		for _, id := range roleIDs {
			if id == roleID {
				count++
			}
		}
	}
	return count, nil
}

// --- permissions ---

type memPerms struct{ s *memStore }

func (p *memPerms) Ensure(_ context.Context, perms []Permission) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, perm := range perms {
		exists := false
		for _, existing := range p.s.perms {
			if existing.Resource == perm.Resource && existing.Action == perm.Action {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		if perm.ID == "" {
			perm.ID = "perm-" + perm.Resource + "-" + perm.Action
		}
		perm.CreatedAt = time.Now().UTC()
		p.s.perms[perm.ID] = perm
	}
	return nil
}

func (p *memPerms) List(_ context.Context) ([]Permission, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var out []Permission
	for _, perm := range p.s.perms {
		out = append(out, perm)
	}
	sortPerms(out)
	return out, nil
}

func (p *memPerms) ReplaceForRole(_ context.Context, roleID string, permissionIDs []string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, id := range permissionIDs {
		if _, ok := p.s.perms[id]; !ok {
			return ErrNotFound
		}
	}
	p.s.rolePerms[roleID] = append([]string(nil), permissionIDs...)
	return nil
}

func (p *memPerms) ForRole(_ context.Context, roleID string) ([]Permission, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var out []Permission
	for _, id := range p.s.rolePerms[roleID] {
		if perm, ok := p.s.perms[id]; ok {
			out = append(out, perm)
		}
	}
	sortPerms(out)
	return out, nil
}

func (p *memPerms) ForUser(_ context.Context, userID string) ([]Permission, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []Permission
	for _, roleID := range p.s.userRoles[userID] {
		for _, id := range p.s.rolePerms[roleID] {
			if seen[id] {
				continue
			}
			seen[id] = true
			if perm, ok := p.s.perms[id]; ok {
				out = append(out, perm)
			}
		}
	}
	sortPerms(out)
	return out, nil
}

func sortPerms(perms []Permission) {
	sort.Slice(perms, func(i, j int) bool {
		if perms[i].Resource != perms[j].Resource {
			return perms[i].Resource < perms[j].Resource
		}
		return perms[i].Action < perms[j].Action
	})
}

// --- pages ---

type memPages struct{ s *memStore }

func (p *memPages) Create(_ context.Context, page *Page) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, existing := range p.s.pages {
		if existing.Name == page.Name {
			return ErrConflict
		}
	}
	if page.ParentID != nil {
		if _, ok := p.s.pages[*page.ParentID]; !ok {
			return ErrNotFound
		}
	}
	now := time.Now().UTC()
	page.CreatedAt = now
	page.UpdatedAt = now
	cp := *page
	p.s.pages[page.ID] = &cp
	return nil
}

func (p *memPages) Find(_ context.Context, id string) (*Page, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	page, ok := p.s.pages[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *page
	return &cp, nil
}

func (p *memPages) List(_ context.Context) ([]Page, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var out []Page
	for _, page := range p.s.pages {
		out = append(out, *page)
	}
	sortPages(out)
	return out, nil
}

func (p *memPages) Update(_ context.Context, id string, upd PageUpdate) (*Page, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	page, ok := p.s.pages[id]
	if !ok || page.IsSystem {
		return nil, ErrNotFound
	}
	if upd.SetParent && upd.ParentID != nil {
		ancestor := *upd.ParentID
		for {
			if ancestor == id {
				return nil, fmt.Errorf("%w: page cannot become its own ancestor", ErrInvalidInput)
			}
			next, ok := p.s.pages[ancestor]
			if !ok || next.ParentID == nil {
				break
			}
			ancestor = *next.ParentID
		}
	}
	if upd.DisplayName != nil {
		page.DisplayName = *upd.DisplayName
	}
	if upd.Route != nil {
		page.Route = *upd.Route
	}
	if upd.SortOrder != nil {
		page.SortOrder = *upd.SortOrder
	}
	if upd.SetParent {
		page.ParentID = upd.ParentID
	}
	page.UpdatedAt = time.Now().UTC()
	cp := *page
	return &cp, nil
}

func (p *memPages) Delete(_ context.Context, id string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	page, ok := p.s.pages[id]
	if !ok || page.IsSystem {
		return ErrNotFound
	}
	delete(p.s.pages, id)
	for roleID, pageIDs := range p.s.rolePages {
		var kept []string
		for _, pid := range pageIDs {
			if pid != id {
				kept = append(kept, pid)
			}
		}
		p.s.rolePages[roleID] = kept
	}
	return nil
}

func (p *memPages) ReplaceForRole(_ context.Context, roleID string, pageIDs []string) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	for _, id := range pageIDs {
		if _, ok := p.s.pages[id]; !ok {
			return ErrNotFound
		}
	}
	p.s.rolePages[roleID] = append([]string(nil), pageIDs...)
	return nil
}

func (p *memPages) ForRole(_ context.Context, roleID string) ([]Page, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	var out []Page
	for _, id := range p.s.rolePages[roleID] {
		if page, ok := p.s.pages[id]; ok {
			out = append(out, *page)
		}
	}
	sortPages(out)
	return out, nil
}

func (p *memPages) ForUser(_ context.Context, userID string) ([]Page, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()
	seen := make(map[string]bool)
	var out []Page
	for _, roleID := range p.s.userRoles[userID] {
		for _, id := range p.s.rolePages[roleID] {
			if seen[id] {
				continue
			}
			seen[id] = true
			if page, ok := p.s.pages[id]; ok {
				out = append(out, *page)
			}
		}
	}
	sortPages(out)
	return out, nil
}

func sortPages(pages []Page) {
	sort.Slice(pages, func(i, j int) bool {
		if pages[i].SortOrder != pages[j].SortOrder {
			return pages[i].SortOrder < pages[j].SortOrder
		}
		return pages[i].Name < pages[j].Name
	})
}

// --- sessions ---

type memSessions struct{ s *memStore }

func (m *memSessions) Upsert(_ context.Context, sess *Session) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *sess
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.s.sessions[sess.SessionHash] = &cp
	return nil
}

func (m *memSessions) FindByHash(_ context.Context, sessionHash string) (*Session, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	sess, ok := m.s.sessions[sessionHash]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *memSessions) Touch(_ context.Context, sessionHash string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if sess, ok := m.s.sessions[sessionHash]; ok {
		sess.LastActivityAt = at
	}
	return nil
}

func (m *memSessions) Delete(_ context.Context, sessionHash string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	delete(m.s.sessions, sessionHash)
	return nil
}

func (m *memSessions) DeleteByUser(_ context.Context, userID string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for hash, sess := range m.s.sessions {
		if sess.UserID == userID {
			delete(m.s.sessions, hash)
		}
	}
	return nil
}

func (m *memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for hash, sess := range m.s.sessions {
		if sess.ExpiresAt.Before(now) {
			delete(m.s.sessions, hash)
			n++
		}
	}
	return n, nil
}

// --- refresh tokens ---

type memTokens struct{ s *memStore }

func (m *memTokens) Create(_ context.Context, tok *RefreshToken) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	cp := *tok
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.s.tokens[tok.ID] = &cp
	return nil
}

func (m *memTokens) FindByHash(_ context.Context, tokenHash string) (*RefreshToken, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, tok := range m.s.tokens {
		if tok.TokenHash == tokenHash {
			cp := *tok
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *memTokens) UpdateLastUsed(_ context.Context, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if tok, ok := m.s.tokens[id]; ok {
		tok.LastUsedAt = &at
	}
	return nil
}

func (m *memTokens) Revoke(_ context.Context, id string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if tok, ok := m.s.tokens[id]; ok && !tok.Revoked {
		tok.Revoked = true
		tok.RevokedAt = &at
	}
	return nil
}

func (m *memTokens) RevokeAllForUser(_ context.Context, userID string, at time.Time) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, tok := range m.s.tokens {
		if tok.UserID == userID && !tok.Revoked {
			tok.Revoked = true
			tok.RevokedAt = &at
		}
	}
	return nil
}

func (m *memTokens) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var n int64
	for id, tok := range m.s.tokens {
		if tok.ExpiresAt.Before(now) || tok.Revoked {
			delete(m.s.tokens, id)
			n++
		}
	}
	return n, nil
}

// --- audit ---

type memAudit struct{ s *memStore }

func (m *memAudit) Append(_ context.Context, entry *AuditEntry) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.audit = append(m.s.audit, *entry)
	return nil
}

func (m *memAudit) Recent(_ context.Context, limit int) ([]AuditEntry, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	out := append([]AuditEntry(nil), m.s.audit...)
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// actionsRecorded lists the audit actions written so far, oldest first.
func (m *memStore) actionsRecorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var actions []string
	for _, e := range m.audit {
		actions = append(actions, e.Action)
	}
	return actions
}

// testAuditor satisfies Auditor by delegating straight to the store.
type testAuditor struct{ store Store }

func (a testAuditor) Record(ctx context.Context, entry *AuditEntry) error {
	return a.store.Audit(ctx).Append(ctx, entry)
}
