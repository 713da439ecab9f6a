package memory

import (
	"context"
	"errors"
	"testing"

	"ruqsat.org/internal/audit"
	"ruqsat.org/internal/iam"
)

func TestCreateUserUniqueness(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.CreateUser(ctx, "alice", "alice@example.org", ""); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateUser(ctx, "alice", "other@example.org", ""); !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("expected conflict on username, got %v", err)
	}
	if _, err := s.CreateUser(ctx, "bob", "ALICE@example.org", ""); !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("expected conflict on email, got %v", err)
	}
}

func TestStatusDomainEnforced(t *testing.T) {
	ctx := context.Background()
	s := New()

	if _, err := s.CreateUser(ctx, "alice", "alice@example.org", "suspended"); !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("invalid status must be rejected, got %v", err)
	}
	u, err := s.CreateUser(ctx, "alice", "alice@example.org", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if u.Status != iam.UserStatusActive {
		t.Fatalf("empty status should default active, got %s", u.Status)
	}
	if _, err := s.UpdateUserStatus(ctx, u.ID, "banned"); !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("invalid status must be rejected, got %v", err)
	}
	updated, err := s.UpdateUserStatus(ctx, u.ID, iam.UserStatusLocked)
	if err != nil || updated.Status != iam.UserStatusLocked {
		t.Fatalf("lock failed: %+v %v", updated, err)
	}
}

func TestSetRolePermissionsUnknownPermission(t *testing.T) {
	ctx := context.Background()
	s := New()
	role, _ := s.CreateRole(ctx, "editor", "")
	if err := s.SetRolePermissions(ctx, role.ID, []string{"nope"}); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := s.SetRolePermissions(ctx, "missing-role", nil); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestAuditIDsMonotonic(t *testing.T) {
	ctx := context.Background()
	s := New()
	var last uint64
	for i := 0; i < 10; i++ {
		rec, err := s.AppendAudit(ctx, "root", audit.ActionAssignRole, "target")
		if err != nil {
			t.Fatalf("append: %v", err)
		}
		if rec.ID <= last {
			t.Fatalf("id %d not greater than %d", rec.ID, last)
		}
		last = rec.ID
	}
}

func TestAuditIDNotReusedAfterFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	first, _ := s.AppendAudit(ctx, "root", audit.ActionAssignRole, "t1")
	s.FailNextAuditAppend(errors.New("boom"))
	if _, err := s.AppendAudit(ctx, "root", audit.ActionAssignRole, "t2"); !errors.Is(err, iam.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	next, err := s.AppendAudit(ctx, "root", audit.ActionAssignRole, "t3")
	if err != nil {
		t.Fatalf("append after failure: %v", err)
	}
	if next.ID != first.ID+1 {
		t.Fatalf("sequence skipped or reused: %d after %d", next.ID, first.ID)
	}
}

func TestQueryAuditOrderFilterLimit(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AppendAudit(ctx, "root", audit.ActionAssignRole, "a")
	s.AppendAudit(ctx, "sync", audit.ActionRevokeRole, "b")
	s.AppendAudit(ctx, "root", audit.ActionAssignRole, "c")

	collect := func(f iam.AuditFilter) []iam.AuditRecord {
		cursor, err := s.QueryAudit(ctx, f)
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		defer cursor.Close()
		var out []iam.AuditRecord
		for cursor.Next() {
			out = append(out, cursor.Record())
		}
		return out
	}

	newest := collect(iam.AuditFilter{Limit: 1})
	if len(newest) != 1 || newest[0].Target != "c" {
		t.Fatalf("default order must be newest first: %+v", newest)
	}
	oldest := collect(iam.AuditFilter{Ascending: true, Limit: 1})
	if len(oldest) != 1 || oldest[0].Target != "a" {
		t.Fatalf("ascending order wrong: %+v", oldest)
	}
	byActor := collect(iam.AuditFilter{Actor: "sync"})
	if len(byActor) != 1 || byActor[0].Target != "b" {
		t.Fatalf("actor filter wrong: %+v", byActor)
	}
	byAction := collect(iam.AuditFilter{Action: audit.ActionAssignRole})
	if len(byAction) != 2 {
		t.Fatalf("action filter wrong: %+v", byAction)
	}
}

func TestCursorNotRestartable(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.AppendAudit(ctx, "root", audit.ActionAssignRole, "a")

	cursor, _ := s.QueryAudit(ctx, iam.AuditFilter{})
	if !cursor.Next() {
		t.Fatal("expected one record")
	}
	if cursor.Next() {
		t.Fatal("cursor should be exhausted")
	}
	if cursor.Next() {
		t.Fatal("exhausted cursor must not restart")
	}
	if err := cursor.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if cursor.Next() {
		t.Fatal("closed cursor must not advance")
	}
}

func TestApplyRoleChangeResolvesNames(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.CreateUser(ctx, "alice", "alice@example.org", "")
	s.CreateRole(ctx, "viewer", "")

	if _, err := s.ApplyRoleChange(ctx, iam.RoleChange{Actor: "root", Username: "ghost", RoleName: "viewer", Action: iam.ChangeAssign}); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected not found for user, got %v", err)
	}
	if _, err := s.ApplyRoleChange(ctx, iam.RoleChange{Actor: "root", Username: "alice", RoleName: "ghost", Action: iam.ChangeAssign}); !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected not found for role, got %v", err)
	}
	if _, err := s.ApplyRoleChange(ctx, iam.RoleChange{Actor: "root", Username: "alice", RoleName: "viewer", Action: "RENAME"}); !errors.Is(err, iam.ErrInvalidInput) {
		t.Fatalf("expected invalid action, got %v", err)
	}

	res, err := s.ApplyRoleChange(ctx, iam.RoleChange{Actor: "root", Username: "alice", RoleName: "viewer", Action: iam.ChangeAssign})
	if err != nil || !res.Changed || res.Record == nil || res.Assignment == nil {
		t.Fatalf("assign failed: %+v %v", res, err)
	}
}

func TestRevokeRollbackOnAuditFailure(t *testing.T) {
	ctx := context.Background()
	s := New()
	user, _ := s.CreateUser(ctx, "alice", "alice@example.org", "")
	s.CreateRole(ctx, "viewer", "")
	if _, err := s.ApplyRoleChange(ctx, iam.RoleChange{Actor: "root", Username: "alice", RoleName: "viewer", Action: iam.ChangeAssign}); err != nil {
		t.Fatalf("assign: %v", err)
	}

	s.FailNextAuditAppend(errors.New("boom"))
	if _, err := s.ApplyRoleChange(ctx, iam.RoleChange{Actor: "root", Username: "alice", RoleName: "viewer", Action: iam.ChangeRevoke}); !errors.Is(err, iam.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}

	// The revoke must have been compensated: the role is still held.
	roles, _ := s.UserRoles(ctx, user.ID)
	if len(roles) != 1 || roles[0].Name != "viewer" {
		t.Fatalf("revoke not rolled back: %v", roles)
	}
}
