package iam

const (
	PermUserRead    = "iam.user.read"
	PermUserManage  = "iam.user.manage"
	PermRoleManage  = "iam.role.manage"
	PermRoleAssign  = "iam.role.assign"
	PermAuditRead   = "iam.audit.read"
	PermReportsRead = "iam.reports.read"
)

var BuiltinPermissions = []Permission{
	{Key: PermUserRead, Description: "Read user records"},
	{Key: PermUserManage, Description: "Create users and change their status"},
	{Key: PermRoleManage, Description: "Manage roles and role permission grants"},
	{Key: PermRoleAssign, Description: "Assign and revoke user roles"},
	{Key: PermAuditRead, Description: "Read the audit ledger"},
	{Key: PermReportsRead, Description: "Run access reports"},
}
