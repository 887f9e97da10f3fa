// Package httpapi is the thin calling layer over the auth engines. It owns
// mapping tokens to and from headers and typed errors to status codes;
// authentication and authorization decisions live in internal/auth.
package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"accesscore.org/internal/auth"
	"accesscore.org/internal/obs"
)

// AuthService is the slice of the authentication engine the handlers use.
type AuthService interface {
	Login(ctx context.Context, username, password string, rememberMe bool, clientIP, userAgent string) (auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	VerifyAccessToken(ctx context.Context, token string) (*auth.AccessClaims, error)
	RefreshAccessToken(ctx context.Context, refreshToken, clientIP, userAgent string) (auth.RefreshResult, error)
	ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error
	AdminChangePassword(ctx context.Context, userID, newPassword string, actor auth.Actor) error
}

// AdminService is the slice of the management engine the handlers use.
type AdminService interface {
	CreateUser(ctx context.Context, in auth.CreateUserInput) (*auth.User, error)
	UpdateUser(ctx context.Context, userID string, upd auth.UserUpdate, actor auth.Actor) (*auth.User, error)
	DeleteUser(ctx context.Context, userID string, actor auth.Actor) error
	AssignRoles(ctx context.Context, userID string, roleIDs []string, actor auth.Actor) error
	ListUsers(ctx context.Context) ([]*auth.User, error)
	GetUser(ctx context.Context, id string) (*auth.User, error)
	RolesForUser(ctx context.Context, userID string) ([]auth.Role, error)
	CreateRole(ctx context.Context, name, description string, actor auth.Actor) (*auth.Role, error)
	UpdateRole(ctx context.Context, roleID string, upd auth.RoleUpdate, actor auth.Actor) (*auth.Role, error)
	DeleteRole(ctx context.Context, roleID string, actor auth.Actor) error
	ListRoles(ctx context.Context) ([]*auth.Role, error)
	GetRole(ctx context.Context, id string) (*auth.Role, error)
	SetRolePermissions(ctx context.Context, roleID string, permissionIDs []string, actor auth.Actor) error
	SetRolePages(ctx context.Context, roleID string, pageIDs []string, actor auth.Actor) error
	ListPermissions(ctx context.Context) ([]auth.Permission, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]auth.Permission, error)
	CreatePage(ctx context.Context, page auth.Page, actor auth.Actor) (*auth.Page, error)
	UpdatePage(ctx context.Context, pageID string, upd auth.PageUpdate, actor auth.Actor) (*auth.Page, error)
	DeletePage(ctx context.Context, pageID string, actor auth.Actor) error
	ListPages(ctx context.Context) ([]auth.Page, error)
	PagesForRole(ctx context.Context, roleID string) ([]auth.Page, error)
	PageTree(ctx context.Context) ([]*auth.PageNode, error)
	PageTreeForUser(ctx context.Context, userID string) ([]*auth.PageNode, error)
	RecentAudit(ctx context.Context, limit int) ([]auth.AuditEntry, error)
}

// ReadyProbe checks service readiness (database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer.
type API struct {
	mux        *http.ServeMux
	svc        AuthService
	mgr        AdminService
	readyProbe ReadyProbe
	version    string

	done      chan struct{}
	closeOnce sync.Once
}

// New wires the routes. The rate limiter on /v1/auth/ endpoints slows
// credential stuffing independently of the account lockout.
func New(svc AuthService, mgr AdminService, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		mgr:        mgr,
		readyProbe: rp,
		version:    version,
		done:       make(chan struct{}),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.Handle("/v1/auth/login", RateLimit(http.HandlerFunc(a.handleLogin), 10, 5, a.done))
	a.mux.Handle("/v1/auth/refresh", RateLimit(http.HandlerFunc(a.handleRefresh), 10, 5, a.done))
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)
	a.mux.HandleFunc("/v1/auth/change-password", a.handleChangePassword)
	a.mux.HandleFunc("/v1/auth/me", a.handleMe)
	a.mux.HandleFunc("/v1/auth/pages", a.handleMyPages)

	a.mux.HandleFunc("/v1/users", a.handleUsers)
	a.mux.HandleFunc("/v1/users/", a.handleUserScoped)
	a.mux.HandleFunc("/v1/roles", a.handleRoles)
	a.mux.HandleFunc("/v1/roles/", a.handleRoleScoped)
	a.mux.HandleFunc("/v1/permissions", a.handlePermissions)
	a.mux.HandleFunc("/v1/pages", a.handlePages)
	a.mux.HandleFunc("/v1/pages/", a.handlePageScoped)
	a.mux.HandleFunc("/v1/audit", a.handleAudit)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Close releases the background workers owned by the API, currently the
// rate limiters' stale-bucket sweepers. Safe to call more than once.
func (a *API) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

// Handler returns the wrapped handler chain for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = CORS(h)
	h = RequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "accesscore-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorCode(w, r, code, "", msg)
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if code != "" {
		payload["code"] = code
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

// handleAuthError maps the engine's typed errors onto status codes. Locked
// accounts surface the unlock time so the UI can show a countdown.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *auth.LockedError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeErrorCode(w, r, http.StatusUnauthorized, "invalid_credentials", "invalid username or password")
	case errors.As(err, &locked):
		payload := map[string]any{
			"error":        "account temporarily locked",
			"code":         "account_locked",
			"locked_until": locked.Until.UTC().Format(time.RFC3339),
		}
		writeJSON(w, http.StatusLocked, payload)
	case errors.Is(err, auth.ErrTokenExpired):
		writeErrorCode(w, r, http.StatusUnauthorized, "token_expired", "token expired or revoked")
	case errors.Is(err, auth.ErrSessionInactive):
		writeErrorCode(w, r, http.StatusUnauthorized, "session_inactive", "session ended due to inactivity")
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "authentication error")
	}
}

// handleAdminError maps management-engine errors onto status codes.
func handleAdminError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrConflict):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrSystemProtected):
		writeError(w, r, http.StatusConflict, "system records cannot be modified")
	case errors.Is(err, auth.ErrRoleInUse):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrSelfDelete):
		writeError(w, r, http.StatusForbidden, "cannot delete your own account")
	default:
		writeError(w, r, http.StatusInternalServerError, "operation failed")
	}
}
