package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"ruqsat.org/internal/audit"
	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
)

// ApplyRoleChange resolves the user and role, mutates user_roles and writes
// the audit row inside one transaction. Readers never see the mutation
// without its record; a failed append aborts the whole unit.
func (s *Store) ApplyRoleChange(ctx context.Context, ch iam.RoleChange) (iam.RoleChangeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return iam.RoleChangeResult{}, storageErr("begin role change", err)
	}
	defer func() { _ = tx.Rollback() }()

	var userID string
	if err := tx.QueryRowContext(ctx, `select id from users where username = $1`, ch.Username).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return iam.RoleChangeResult{}, fmt.Errorf("%w: user %s", iam.ErrNotFound, ch.Username)
		}
		return iam.RoleChangeResult{}, storageErr("resolve user", err)
	}

	var roleID string
	if err := tx.QueryRowContext(ctx, `select id from roles where name = $1`, ch.RoleName).Scan(&roleID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return iam.RoleChangeResult{}, fmt.Errorf("%w: role %s", iam.ErrNotFound, ch.RoleName)
		}
		return iam.RoleChangeResult{}, storageErr("resolve role", err)
	}

	var (
		action     string
		assignment *iam.Assignment
	)
	switch ch.Action {
	case iam.ChangeAssign:
		// Conflict on the composite key means the pair is already held;
		// that is an idempotent no-op, not an error.
		var created time.Time
		err := tx.QueryRowContext(ctx, `
			insert into user_roles (user_id, role_id)
			values ($1, $2)
			on conflict (user_id, role_id) do nothing
			returning created_at
		`, userID, roleID).Scan(&created)
		if errors.Is(err, sql.ErrNoRows) {
			if err := tx.Commit(); err != nil {
				return iam.RoleChangeResult{}, storageErr("commit role change", err)
			}
			return iam.RoleChangeResult{}, nil
		}
		if err != nil {
			return iam.RoleChangeResult{}, mapWriteError("assign role", err)
		}
		action = audit.ActionAssignRole
		assignment = &iam.Assignment{UserID: userID, RoleID: roleID, CreatedAt: created}

	case iam.ChangeRevoke:
		res, err := tx.ExecContext(ctx, `
			delete from user_roles
			where user_id = $1 and role_id = $2
		`, userID, roleID)
		if err != nil {
			return iam.RoleChangeResult{}, storageErr("revoke role", err)
		}
		aff, err := res.RowsAffected()
		if err != nil {
			return iam.RoleChangeResult{}, storageErr("revoke role", err)
		}
		if aff == 0 {
			if err := tx.Commit(); err != nil {
				return iam.RoleChangeResult{}, storageErr("commit role change", err)
			}
			return iam.RoleChangeResult{}, nil
		}
		action = audit.ActionRevokeRole

	default:
		return iam.RoleChangeResult{}, fmt.Errorf("%w: action %s", iam.ErrInvalidInput, ch.Action)
	}

	rec := iam.AuditRecord{
		Actor:  ch.Actor,
		Action: action,
		Target: audit.Target(ch.Username, ch.RoleName),
	}
	if err := tx.QueryRowContext(ctx, `
		insert into audit_log (actor, action, target)
		values ($1, $2, $3)
		returning id, occurred_at
	`, rec.Actor, rec.Action, rec.Target).Scan(&rec.ID, &rec.OccurredAt); err != nil {
		return iam.RoleChangeResult{}, storageErr("append audit", err)
	}

	if err := tx.Commit(); err != nil {
		return iam.RoleChangeResult{}, storageErr("commit role change", err)
	}
	obs.CountAuditRecord()
	return iam.RoleChangeResult{Changed: true, Assignment: assignment, Record: &rec}, nil
}
