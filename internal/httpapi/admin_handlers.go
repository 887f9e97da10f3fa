package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"accesscore.org/internal/auth"
)

type createUserRequest struct {
	Username string   `json:"username"`
	Password string   `json:"password"`
	FullName string   `json:"full_name"`
	RoleIDs  []string `json:"role_ids"`
}

type updateUserRequest struct {
	FullName *string `json:"full_name"`
	IsActive *bool   `json:"is_active"`
}

type assignRolesRequest struct {
	RoleIDs []string `json:"role_ids"`
}

type adminPasswordRequest struct {
	NewPassword string `json:"new_password"`
}

type roleRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

type updateRoleRequest struct {
	Name        *string `json:"name"`
	Description *string `json:"description"`
}

type setPermissionsRequest struct {
	PermissionIDs []string `json:"permission_ids"`
}

type setPagesRequest struct {
	PageIDs []string `json:"page_ids"`
}

type pageRequest struct {
	Name        string  `json:"name"`
	DisplayName string  `json:"display_name"`
	ParentID    *string `json:"parent_id"`
	Route       string  `json:"route"`
	SortOrder   int     `json:"sort_order"`
}

type updatePageRequest struct {
	DisplayName *string `json:"display_name"`
	Route       *string `json:"route"`
	SortOrder   *int    `json:"sort_order"`
	ParentID    *string `json:"parent_id"`
	SetParent   bool    `json:"set_parent"`
}

// --- users ---

func (a *API) handleUsers(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, auth.PermManageUsers) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		users, err := a.mgr.ListUsers(r.Context())
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"users": users})
	case http.MethodPost:
		var req createUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.mgr.CreateUser(r.Context(), auth.CreateUserInput{
			Username: req.Username,
			Password: req.Password,
			FullName: req.FullName,
			RoleIDs:  req.RoleIDs,
			Actor:    actorFromRequest(r),
		})
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/users/%s", user.ID))
		writeJSON(w, http.StatusCreated, user)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleUserScoped(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, auth.PermManageUsers) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(rest, "/")
	userID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleUser(w, r, userID)
	case len(parts) == 2 && parts[1] == "roles":
		a.handleUserRoles(w, r, userID)
	case len(parts) == 2 && parts[1] == "password":
		a.handleUserPassword(w, r, userID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleUser(w http.ResponseWriter, r *http.Request, userID string) {
	switch r.Method {
	case http.MethodGet:
		user, err := a.mgr.GetUser(r.Context(), userID)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		roles, err := a.mgr.RolesForUser(r.Context(), userID)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"user": user, "roles": roles})
	case http.MethodPut:
		var req updateUserRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		user, err := a.mgr.UpdateUser(r.Context(), userID, auth.UserUpdate{
			FullName: req.FullName,
			IsActive: req.IsActive,
		}, actorFromRequest(r))
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, user)
	case http.MethodDelete:
		if err := a.mgr.DeleteUser(r.Context(), userID, actorFromRequest(r)); err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleUserRoles(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req assignRolesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.mgr.AssignRoles(r.Context(), userID, req.RoleIDs, actorFromRequest(r)); err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "roles_assigned"})
}

func (a *API) handleUserPassword(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req adminPasswordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.AdminChangePassword(r.Context(), userID, req.NewPassword, actorFromRequest(r)); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_reset"})
}

// --- roles ---

func (a *API) handleRoles(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, auth.PermManageRoles) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		roles, err := a.mgr.ListRoles(r.Context())
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
	case http.MethodPost:
		var req roleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.mgr.CreateRole(r.Context(), req.Name, req.Description, actorFromRequest(r))
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/roles/%s", role.ID))
		writeJSON(w, http.StatusCreated, role)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleRoleScoped(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, auth.PermManageRoles) {
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/roles/"), "/")
	if rest == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(rest, "/")
	roleID := parts[0]

	switch {
	case len(parts) == 1:
		a.handleRole(w, r, roleID)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleRolePermissions(w, r, roleID)
	case len(parts) == 2 && parts[1] == "pages":
		a.handleRolePages(w, r, roleID)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleRole(w http.ResponseWriter, r *http.Request, roleID string) {
	switch r.Method {
	case http.MethodGet:
		role, err := a.mgr.GetRole(r.Context(), roleID)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		perms, err := a.mgr.PermissionsForRole(r.Context(), roleID)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		pages, err := a.mgr.PagesForRole(r.Context(), roleID)
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"role": role, "permissions": perms, "pages": pages})
	case http.MethodPut:
		var req updateRoleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		role, err := a.mgr.UpdateRole(r.Context(), roleID, auth.RoleUpdate{
			Name:        req.Name,
			Description: req.Description,
		}, actorFromRequest(r))
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, role)
	case http.MethodDelete:
		if err := a.mgr.DeleteRole(r.Context(), roleID, actorFromRequest(r)); err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleRolePermissions(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.mgr.SetRolePermissions(r.Context(), roleID, req.PermissionIDs, actorFromRequest(r)); err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "permissions_set"})
}

func (a *API) handleRolePages(w http.ResponseWriter, r *http.Request, roleID string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	var req setPagesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.mgr.SetRolePages(r.Context(), roleID, req.PageIDs, actorFromRequest(r)); err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "pages_set"})
}

// --- permissions, pages, audit ---

func (a *API) handlePermissions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requirePermission(w, r, auth.PermManageRoles) {
		return
	}
	perms, err := a.mgr.ListPermissions(r.Context())
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (a *API) handlePages(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, auth.PermManagePages) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("view") == "tree" {
			tree, err := a.mgr.PageTree(r.Context())
			if err != nil {
				handleAdminError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"pages": tree})
			return
		}
		pages, err := a.mgr.ListPages(r.Context())
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
	case http.MethodPost:
		var req pageRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		page, err := a.mgr.CreatePage(r.Context(), auth.Page{
			Name:        req.Name,
			DisplayName: req.DisplayName,
			ParentID:    req.ParentID,
			Route:       req.Route,
			SortOrder:   req.SortOrder,
		}, actorFromRequest(r))
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/pages/%s", page.ID))
		writeJSON(w, http.StatusCreated, page)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handlePageScoped(w http.ResponseWriter, r *http.Request) {
	if !a.requirePermission(w, r, auth.PermManagePages) {
		return
	}
	pageID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/pages/"), "/")
	if pageID == "" || strings.Contains(pageID, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req updatePageRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		page, err := a.mgr.UpdatePage(r.Context(), pageID, auth.PageUpdate{
			DisplayName: req.DisplayName,
			Route:       req.Route,
			SortOrder:   req.SortOrder,
			ParentID:    req.ParentID,
			SetParent:   req.SetParent,
		}, actorFromRequest(r))
		if err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodDelete:
		if err := a.mgr.DeletePage(r.Context(), pageID, actorFromRequest(r)); err != nil {
			handleAdminError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodPut, http.MethodDelete)
	}
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if !a.requirePermission(w, r, auth.PermViewAudit) {
		return
	}
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	entries, err := a.mgr.RecentAudit(r.Context(), limit)
	if err != nil {
		handleAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
