package iam

import "context"

// ChangeAction is the kind of role change a provisioning request carries.
type ChangeAction string

const (
	ChangeAssign ChangeAction = "ASSIGN"
	ChangeRevoke ChangeAction = "REVOKE"
)

// RoleChange is a validated request to mutate the user↔role mapping.
// User and role are resolved by name inside the store so the referential
// check and the mutation happen under the same transaction.
type RoleChange struct {
	Actor    string
	Username string
	RoleName string
	Action   ChangeAction
}

// RoleChangeResult reports what a role change actually did. When the change
// was a no-op (assigning a held role, revoking an absent one) Changed is
// false and Record is nil: nothing moved, so nothing was audited.
type RoleChangeResult struct {
	Changed    bool
	Assignment *Assignment
	Record     *AuditRecord
}

// AuditFilter narrows and orders an audit query. The zero value returns the
// whole ledger newest-first.
type AuditFilter struct {
	Actor     string
	Action    string
	Ascending bool
	Limit     int
}

// AuditCursor is a lazy, finite, forward-only view over audit records.
// Once exhausted it cannot be restarted.
type AuditCursor interface {
	Next() bool
	Record() AuditRecord
	Err() error
	Close() error
}

// IdentityStore manages users, roles, permissions and their mappings.
type IdentityStore interface {
	CreateUser(ctx context.Context, username, email, status string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	GetUserByUsername(ctx context.Context, username string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	UpdateUserStatus(ctx context.Context, userID, status string) (User, error)

	CreateRole(ctx context.Context, name, description string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	CreatePermission(ctx context.Context, key, description string) (Permission, error)
	EnsurePermissions(ctx context.Context, perms []Permission) error
	ListPermissions(ctx context.Context) ([]Permission, error)
	SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error
	RolePermissions(ctx context.Context, roleID string) ([]Permission, error)

	UserRoles(ctx context.Context, userID string) ([]Role, error)
	UserPermissions(ctx context.Context, userID string) ([]string, error)
}

// AuditLog is the append-only ledger. There deliberately is no update or
// delete operation in this contract.
type AuditLog interface {
	AppendAudit(ctx context.Context, actor, action, target string) (AuditRecord, error)
	QueryAudit(ctx context.Context, filter AuditFilter) (AuditCursor, error)
}

// Store is the full persistence contract consumed by the provisioning
// workflow and the access evaluator.
type Store interface {
	IdentityStore
	AuditLog

	// ApplyRoleChange applies the mapping mutation and appends its audit
	// record as one atomic unit. A concurrent reader never observes one
	// half without the other; on failure neither write survives.
	ApplyRoleChange(ctx context.Context, ch RoleChange) (RoleChangeResult, error)
}
