package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"accesscore.org/internal/auth"
)

var errStubUnset = errors.New("stub not configured")

// stubAuth implements AuthService with per-test function fields.
type stubAuth struct {
	login               func(ctx context.Context, username, password string, rememberMe bool, clientIP, userAgent string) (auth.LoginResult, error)
	logout              func(ctx context.Context, sessionID string) error
	verifyAccessToken   func(ctx context.Context, token string) (*auth.AccessClaims, error)
	refreshAccessToken  func(ctx context.Context, refreshToken, clientIP, userAgent string) (auth.RefreshResult, error)
	changePassword      func(ctx context.Context, userID, currentPassword, newPassword string) error
	adminChangePassword func(ctx context.Context, userID, newPassword string, actor auth.Actor) error
}

func (s *stubAuth) Login(ctx context.Context, username, password string, rememberMe bool, clientIP, userAgent string) (auth.LoginResult, error) {
	if s.login == nil {
		return auth.LoginResult{}, errStubUnset
	}
	return s.login(ctx, username, password, rememberMe, clientIP, userAgent)
}

func (s *stubAuth) Logout(ctx context.Context, sessionID string) error {
	if s.logout == nil {
		return errStubUnset
	}
	return s.logout(ctx, sessionID)
}

func (s *stubAuth) VerifyAccessToken(ctx context.Context, token string) (*auth.AccessClaims, error) {
	if s.verifyAccessToken == nil {
		return nil, errStubUnset
	}
	return s.verifyAccessToken(ctx, token)
}

func (s *stubAuth) RefreshAccessToken(ctx context.Context, refreshToken, clientIP, userAgent string) (auth.RefreshResult, error) {
	if s.refreshAccessToken == nil {
		return auth.RefreshResult{}, errStubUnset
	}
	return s.refreshAccessToken(ctx, refreshToken, clientIP, userAgent)
}

func (s *stubAuth) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if s.changePassword == nil {
		return errStubUnset
	}
	return s.changePassword(ctx, userID, currentPassword, newPassword)
}

func (s *stubAuth) AdminChangePassword(ctx context.Context, userID, newPassword string, actor auth.Actor) error {
	if s.adminChangePassword == nil {
		return errStubUnset
	}
	return s.adminChangePassword(ctx, userID, newPassword, actor)
}

// stubAdmin implements AdminService; unset methods fail loudly.
type stubAdmin struct {
	createUser         func(ctx context.Context, in auth.CreateUserInput) (*auth.User, error)
	updateUser         func(ctx context.Context, userID string, upd auth.UserUpdate, actor auth.Actor) (*auth.User, error)
	deleteUser         func(ctx context.Context, userID string, actor auth.Actor) error
	assignRoles        func(ctx context.Context, userID string, roleIDs []string, actor auth.Actor) error
	listUsers          func(ctx context.Context) ([]*auth.User, error)
	getUser            func(ctx context.Context, id string) (*auth.User, error)
	rolesForUser       func(ctx context.Context, userID string) ([]auth.Role, error)
	createRole         func(ctx context.Context, name, description string, actor auth.Actor) (*auth.Role, error)
	updateRole         func(ctx context.Context, roleID string, upd auth.RoleUpdate, actor auth.Actor) (*auth.Role, error)
	deleteRole         func(ctx context.Context, roleID string, actor auth.Actor) error
	listRoles          func(ctx context.Context) ([]*auth.Role, error)
	getRole            func(ctx context.Context, id string) (*auth.Role, error)
	setRolePermissions func(ctx context.Context, roleID string, permissionIDs []string, actor auth.Actor) error
	setRolePages       func(ctx context.Context, roleID string, pageIDs []string, actor auth.Actor) error
	listPermissions    func(ctx context.Context) ([]auth.Permission, error)
	permissionsForRole func(ctx context.Context, roleID string) ([]auth.Permission, error)
	createPage         func(ctx context.Context, page auth.Page, actor auth.Actor) (*auth.Page, error)
	updatePage         func(ctx context.Context, pageID string, upd auth.PageUpdate, actor auth.Actor) (*auth.Page, error)
	deletePage         func(ctx context.Context, pageID string, actor auth.Actor) error
	listPages          func(ctx context.Context) ([]auth.Page, error)
	pagesForRole       func(ctx context.Context, roleID string) ([]auth.Page, error)
	pageTree           func(ctx context.Context) ([]*auth.PageNode, error)
	pageTreeForUser    func(ctx context.Context, userID string) ([]*auth.PageNode, error)
	recentAudit        func(ctx context.Context, limit int) ([]auth.AuditEntry, error)
}

func (s *stubAdmin) CreateUser(ctx context.Context, in auth.CreateUserInput) (*auth.User, error) {
	if s.createUser == nil {
		return nil, errStubUnset
	}
	return s.createUser(ctx, in)
}

func (s *stubAdmin) UpdateUser(ctx context.Context, userID string, upd auth.UserUpdate, actor auth.Actor) (*auth.User, error) {
	if s.updateUser == nil {
		return nil, errStubUnset
	}
	return s.updateUser(ctx, userID, upd, actor)
}

func (s *stubAdmin) DeleteUser(ctx context.Context, userID string, actor auth.Actor) error {
	if s.deleteUser == nil {
		return errStubUnset
	}
	return s.deleteUser(ctx, userID, actor)
}

func (s *stubAdmin) AssignRoles(ctx context.Context, userID string, roleIDs []string, actor auth.Actor) error {
	if s.assignRoles == nil {
		return errStubUnset
	}
	return s.assignRoles(ctx, userID, roleIDs, actor)
}

func (s *stubAdmin) ListUsers(ctx context.Context) ([]*auth.User, error) {
	if s.listUsers == nil {
		return nil, errStubUnset
	}
	return s.listUsers(ctx)
}

func (s *stubAdmin) GetUser(ctx context.Context, id string) (*auth.User, error) {
	if s.getUser == nil {
		return nil, errStubUnset
	}
	return s.getUser(ctx, id)
}

func (s *stubAdmin) RolesForUser(ctx context.Context, userID string) ([]auth.Role, error) {
	if s.rolesForUser == nil {
		return nil, errStubUnset
	}
	return s.rolesForUser(ctx, userID)
}

func (s *stubAdmin) CreateRole(ctx context.Context, name, description string, actor auth.Actor) (*auth.Role, error) {
	if s.createRole == nil {
		return nil, errStubUnset
	}
	return s.createRole(ctx, name, description, actor)
}

func (s *stubAdmin) UpdateRole(ctx context.Context, roleID string, upd auth.RoleUpdate, actor auth.Actor) (*auth.Role, error) {
	if s.updateRole == nil {
		return nil, errStubUnset
	}
	return s.updateRole(ctx, roleID, upd, actor)
}

func (s *stubAdmin) DeleteRole(ctx context.Context, roleID string, actor auth.Actor) error {
	if s.deleteRole == nil {
		return errStubUnset
	}
	return s.deleteRole(ctx, roleID, actor)
}

func (s *stubAdmin) ListRoles(ctx context.Context) ([]*auth.Role, error) {
	if s.listRoles == nil {
		return nil, errStubUnset
	}
	return s.listRoles(ctx)
}

func (s *stubAdmin) GetRole(ctx context.Context, id string) (*auth.Role, error) {
	if s.getRole == nil {
		return nil, errStubUnset
	}
	return s.getRole(ctx, id)
}

func (s *stubAdmin) SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string, actor auth.Actor) error {
	if s.setRolePermissions == nil {
		return errStubUnset
	}
	return s.setRolePermissions(ctx, roleID, permissionIDs, actor)
}

func (s *stubAdmin) SetRolePages(ctx context.Context, roleID string, pageIDs []string, actor auth.Actor) error {
	if s.setRolePages == nil {
		return errStubUnset
	}
	return s.setRolePages(ctx, roleID, pageIDs, actor)
}

func (s *stubAdmin) ListPermissions(ctx context.Context) ([]auth.Permission, error) {
	if s.listPermissions == nil {
		return nil, errStubUnset
	}
	return s.listPermissions(ctx)
}

func (s *stubAdmin) PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error) {
	if s.permissionsForRole == nil {
		return nil, errStubUnset
	}
	return s.permissionsForRole(ctx, roleID)
}

func (s *stubAdmin) CreatePage(ctx context.Context, page auth.Page, actor auth.Actor) (*auth.Page, error) {
	if s.createPage == nil {
		return nil, errStubUnset
	}
	return s.createPage(ctx, page, actor)
}

func (s *stubAdmin) UpdatePage(ctx context.Context, pageID string, upd auth.PageUpdate, actor auth.Actor) (*auth.Page, error) {
	if s.updatePage == nil {
		return nil, errStubUnset
	}
	return s.updatePage(ctx, pageID, upd, actor)
}

func (s *stubAdmin) DeletePage(ctx context.Context, pageID string, actor auth.Actor) error {
	if s.deletePage == nil {
		return errStubUnset
	}
	return s.deletePage(ctx, pageID, actor)
}

func (s *stubAdmin) ListPages(ctx context.Context) ([]auth.Page, error) {
	if s.listPages == nil {
		return nil, errStubUnset
	}
	return s.listPages(ctx)
}

func (s *stubAdmin) PagesForRole(ctx context.Context, roleID string) ([]auth.Page, error) {
	if s.pagesForRole == nil {
		return nil, errStubUnset
	}
	return s.pagesForRole(ctx, roleID)
}

func (s *stubAdmin) PageTree(ctx context.Context) ([]*auth.PageNode, error) {
	if s.pageTree == nil {
		return nil, errStubUnset
	}
	return s.pageTree(ctx)
}

func (s *stubAdmin) PageTreeForUser(ctx context.Context, userID string) ([]*auth.PageNode, error) {
	if s.pageTreeForUser == nil {
		return nil, errStubUnset
	}
	return s.pageTreeForUser(ctx, userID)
}

func (s *stubAdmin) RecentAudit(ctx context.Context, limit int) ([]auth.AuditEntry, error) {
	if s.recentAudit == nil {
		return nil, errStubUnset
	}
	return s.recentAudit(ctx, limit)
}

func newTestHandler(t *testing.T, svc *stubAuth, mgr *stubAdmin) http.Handler {
	t.Helper()
	api := New(svc, mgr, ReadyProbe{}, "test")
	t.Cleanup(api.Close)
	return api.Handler()
}

// verifyAs wires VerifyAccessToken to accept any bearer token and return the
// given claims.
func verifyAs(claims *auth.AccessClaims) func(context.Context, string) (*auth.AccessClaims, error) {
	return func(context.Context, string) (*auth.AccessClaims, error) {
		return claims, nil
	}
}

func adminClaims(perms ...string) *auth.AccessClaims {
	return &auth.AccessClaims{
		UserID:      "admin-1",
		Username:    "admin",
		Roles:       []string{"Administrator"},
		Permissions: perms,
		SessionID:   "sess-1",
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v (body: %s)", err, rec.Body.String())
	}
	return body
}

func TestLoginReturnsTokens(t *testing.T) {
	expires := time.Date(2025, 6, 1, 12, 15, 0, 0, time.UTC)
	refreshExp := expires.Add(14 * 24 * time.Hour)
	svc := &stubAuth{
		login: func(_ context.Context, username, password string, rememberMe bool, clientIP, userAgent string) (auth.LoginResult, error) {
			if username != "alice" || password != "Secret123!" {
				t.Fatalf("unexpected credentials: %q / %q", username, password)
			}
			if !rememberMe {
				t.Fatal("remember_me not forwarded")
			}
			return auth.LoginResult{
				User:             &auth.User{ID: "u1", Username: "alice", IsActive: true},
				AccessToken:      "access-token",
				AccessExpiresAt:  expires,
				RefreshToken:     "refresh-token",
				RefreshExpiresAt: refreshExp,
			}, nil
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"Secret123!","remember_me":true}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["access_token"] != "access-token" {
		t.Fatalf("access_token = %v", body["access_token"])
	}
	if body["refresh_token"] != "refresh-token" {
		t.Fatalf("refresh_token = %v", body["refresh_token"])
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Fatalf("content type = %q", ct)
	}
}

func TestLoginWithoutRememberMeOmitsRefreshToken(t *testing.T) {
	svc := &stubAuth{
		login: func(_ context.Context, _, _ string, _ bool, _, _ string) (auth.LoginResult, error) {
			return auth.LoginResult{
				User:            &auth.User{ID: "u1", Username: "alice"},
				AccessToken:     "access-token",
				AccessExpiresAt: time.Now().Add(15 * time.Minute),
			}, nil
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"Secret123!"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if _, ok := body["refresh_token"]; ok {
		t.Fatal("refresh_token present without remember_me")
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	svc := &stubAuth{
		login: func(_ context.Context, _, _ string, _ bool, _, _ string) (auth.LoginResult, error) {
			return auth.LoginResult{}, auth.ErrInvalidCredentials
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"wrong"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "invalid_credentials" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestLoginLockedAccount(t *testing.T) {
	until := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)
	svc := &stubAuth{
		login: func(_ context.Context, _, _ string, _ bool, _, _ string) (auth.LoginResult, error) {
			return auth.LoginResult{}, &auth.LockedError{Until: until}
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"wrong"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusLocked {
		t.Fatalf("status = %d, want 423", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "account_locked" {
		t.Fatalf("code = %v", body["code"])
	}
	if body["locked_until"] != until.Format(time.RFC3339) {
		t.Fatalf("locked_until = %v", body["locked_until"])
	}
}

func TestLoginRejectsUnknownFields(t *testing.T) {
	h := newTestHandler(t, &stubAuth{}, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login",
		strings.NewReader(`{"username":"alice","password":"x","bogus":1}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestLoginMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t, &stubAuth{}, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/login", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q", allow)
	}
}

func TestProtectedPathRequiresToken(t *testing.T) {
	h := newTestHandler(t, &stubAuth{}, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "missing_token" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: func(context.Context, string) (*auth.AccessClaims, error) {
			return nil, auth.ErrTokenExpired
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer stale")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "token_expired" {
		t.Fatalf("code = %v", body["code"])
	}
}

func TestMeReturnsClaims(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(&auth.AccessClaims{
			UserID:      "u1",
			Username:    "alice",
			Roles:       []string{"Operator"},
			Permissions: []string{"audit.view"},
			SessionID:   "s1",
		}),
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/auth/me", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["username"] != "alice" {
		t.Fatalf("username = %v", body["username"])
	}
	if body["user_id"] != "u1" {
		t.Fatalf("user_id = %v", body["user_id"])
	}
}

func TestListUsersRequiresPermission(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims("audit.view")),
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestListUsersWithPermission(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims(auth.PermManageUsers)),
	}
	mgr := &stubAdmin{
		listUsers: func(context.Context) ([]*auth.User, error) {
			return []*auth.User{
				{ID: "u1", Username: "alice"},
				{ID: "u2", Username: "bob"},
			}, nil
		},
	}
	h := newTestHandler(t, svc, mgr)

	req := httptest.NewRequest(http.MethodGet, "/v1/users", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	users, ok := body["users"].([]any)
	if !ok || len(users) != 2 {
		t.Fatalf("users = %v", body["users"])
	}
}

func TestCreateUserSetsLocation(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims(auth.PermManageUsers)),
	}
	mgr := &stubAdmin{
		createUser: func(_ context.Context, in auth.CreateUserInput) (*auth.User, error) {
			if in.Actor.UserID != "admin-1" {
				t.Fatalf("actor = %q, want admin-1", in.Actor.UserID)
			}
			return &auth.User{ID: "u9", Username: in.Username}, nil
		},
	}
	h := newTestHandler(t, svc, mgr)

	req := httptest.NewRequest(http.MethodPost, "/v1/users",
		strings.NewReader(`{"username":"walter","password":"Secret123!","role_ids":["r1"]}`))
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/v1/users/u9" {
		t.Fatalf("Location = %q", loc)
	}
}

func TestDeleteOwnAccountForbidden(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims(auth.PermManageUsers)),
	}
	mgr := &stubAdmin{
		deleteUser: func(_ context.Context, userID string, actor auth.Actor) error {
			if userID == actor.UserID {
				return auth.ErrSelfDelete
			}
			return nil
		},
	}
	h := newTestHandler(t, svc, mgr)

	req := httptest.NewRequest(http.MethodDelete, "/v1/users/admin-1", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
}

func TestSystemRoleUpdateConflicts(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims(auth.PermManageRoles)),
	}
	mgr := &stubAdmin{
		updateRole: func(context.Context, string, auth.RoleUpdate, auth.Actor) (*auth.Role, error) {
			return nil, auth.ErrSystemProtected
		},
	}
	h := newTestHandler(t, svc, mgr)

	req := httptest.NewRequest(http.MethodPut, "/v1/roles/role-administrator",
		strings.NewReader(`{"name":"renamed"}`))
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestPageTreeView(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims(auth.PermManagePages)),
	}
	mgr := &stubAdmin{
		pageTree: func(context.Context) ([]*auth.PageNode, error) {
			return []*auth.PageNode{
				{Page: auth.Page{ID: "p1", Name: "dashboard"}},
			}, nil
		},
	}
	h := newTestHandler(t, svc, mgr)

	req := httptest.NewRequest(http.MethodGet, "/v1/pages?view=tree", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	pages, ok := body["pages"].([]any)
	if !ok || len(pages) != 1 {
		t.Fatalf("pages = %v", body["pages"])
	}
}

func TestAuditLimitParsed(t *testing.T) {
	var gotLimit int
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims(auth.PermViewAudit)),
	}
	mgr := &stubAdmin{
		recentAudit: func(_ context.Context, limit int) ([]auth.AuditEntry, error) {
			gotLimit = limit
			return nil, nil
		},
	}
	h := newTestHandler(t, svc, mgr)

	req := httptest.NewRequest(http.MethodGet, "/v1/audit?limit=25", nil)
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d (body: %s)", rec.Code, rec.Body.String())
	}
	if gotLimit != 25 {
		t.Fatalf("limit = %d, want 25", gotLimit)
	}
}

func TestHealthzReportsVersion(t *testing.T) {
	h := newTestHandler(t, &stubAuth{}, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["version"] != "test" {
		t.Fatalf("version = %v", body["version"])
	}
	if body["service"] != "accesscore-api" {
		t.Fatalf("service = %v", body["service"])
	}
}

func TestReadyzWithoutDB(t *testing.T) {
	h := newTestHandler(t, &stubAuth{}, &stubAdmin{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestChangePasswordMapsPolicyError(t *testing.T) {
	svc := &stubAuth{
		verifyAccessToken: verifyAs(adminClaims()),
		changePassword: func(_ context.Context, _, _, newPassword string) error {
			if newPassword == "weak" {
				return auth.ErrInvalidInput
			}
			return nil
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/change-password",
		strings.NewReader(`{"current_password":"Secret123!","new_password":"weak"}`))
	req.Header.Set("Authorization", "Bearer good")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestRefreshMapsRevokedToken(t *testing.T) {
	svc := &stubAuth{
		refreshAccessToken: func(context.Context, string, string, string) (auth.RefreshResult, error) {
			return auth.RefreshResult{}, auth.ErrTokenExpired
		},
	}
	h := newTestHandler(t, svc, &stubAdmin{})

	req := httptest.NewRequest(http.MethodPost, "/v1/auth/refresh",
		strings.NewReader(`{"refresh_token":"revoked"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["code"] != "token_expired" {
		t.Fatalf("code = %v", body["code"])
	}
}
