package iam

import "time"

const (
	UserStatusActive   = "active"
	UserStatusLocked   = "locked"
	UserStatusDisabled = "disabled"
)

// ValidStatus reports whether s is a member of the user status domain.
// Stores reject anything else at write time; nothing is coerced.
func ValidStatus(s string) bool {
	switch s {
	case UserStatusActive, UserStatusLocked, UserStatusDisabled:
		return true
	}
	return false
}

// User is a provisioned account. Users are never hard-deleted; access is
// withdrawn by moving status away from active so audit references stay intact.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Email     string    `json:"email"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Role groups permissions. Static reference data.
type Role struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Permission is a fine-grained capability identified by its key.
type Permission struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Assignment records that a user holds a role. The (user, role) pair is
// unique.
type Assignment struct {
	UserID    string    `json:"user_id"`
	RoleID    string    `json:"role_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RolePermission links a role to a permission it grants.
type RolePermission struct {
	RoleID       string `json:"role_id"`
	PermissionID string `json:"permission_id"`
}

// AuditRecord is one entry of the append-only audit ledger. IDs are assigned
// by the store, strictly increase with insertion order and are never reused.
// Records are immutable once written.
type AuditRecord struct {
	ID         uint64    `json:"id"`
	Actor      string    `json:"actor"`
	Action     string    `json:"action"`
	Target     string    `json:"target"`
	OccurredAt time.Time `json:"occurred_at"`
}
