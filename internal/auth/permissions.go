package auth

// Permission keys checked by the HTTP layer.
const (
	PermManageUsers = "users.manage"
	PermManageRoles = "roles.manage"
	PermManagePages = "pages.manage"
	PermViewAudit   = "audit.view"
)

// BuiltinPermissions is the catalog seeded at startup.
var BuiltinPermissions = []Permission{
	{Resource: "users", Action: "manage"},
	{Resource: "roles", Action: "manage"},
	{Resource: "pages", Action: "manage"},
	{Resource: "audit", Action: "view"},
}
