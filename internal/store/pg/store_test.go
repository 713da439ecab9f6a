package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"ruqsat.org/internal/audit"
	"ruqsat.org/internal/iam"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return NewWithDB(db), mock
}

func TestApplyRoleChangeAssign(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select id from users where username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("select id from roles where name").
		WithArgs("IAM_ADMIN").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery("insert into user_roles").
		WithArgs("u1", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery("insert into audit_log").
		WithArgs("root", audit.ActionAssignRole, audit.Target("alice", "IAM_ADMIN")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at"}).AddRow(int64(7), now))
	mock.ExpectCommit()

	res, err := store.ApplyRoleChange(context.Background(), iam.RoleChange{
		Actor: "root", Username: "alice", RoleName: "IAM_ADMIN", Action: iam.ChangeAssign,
	})
	if err != nil {
		t.Fatalf("ApplyRoleChange: %v", err)
	}
	if !res.Changed || res.Record == nil || res.Record.ID != 7 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Assignment == nil || res.Assignment.UserID != "u1" || res.Assignment.RoleID != "r1" {
		t.Fatalf("unexpected assignment: %+v", res.Assignment)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRoleChangeDuplicateAssignIsNoop(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id from users where username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("select id from roles where name").
		WithArgs("IAM_ADMIN").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	// on conflict do nothing yields no returned row for a held pair.
	mock.ExpectQuery("insert into user_roles").
		WithArgs("u1", "r1").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectCommit()

	res, err := store.ApplyRoleChange(context.Background(), iam.RoleChange{
		Actor: "root", Username: "alice", RoleName: "IAM_ADMIN", Action: iam.ChangeAssign,
	})
	if err != nil {
		t.Fatalf("ApplyRoleChange: %v", err)
	}
	if res.Changed || res.Record != nil {
		t.Fatalf("expected no-op, got %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRoleChangeAuditFailureRollsBack(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select id from users where username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("select id from roles where name").
		WithArgs("IAM_ADMIN").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectQuery("insert into user_roles").
		WithArgs("u1", "r1").
		WillReturnRows(sqlmock.NewRows([]string{"created_at"}).AddRow(now))
	mock.ExpectQuery("insert into audit_log").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := store.ApplyRoleChange(context.Background(), iam.RoleChange{
		Actor: "root", Username: "alice", RoleName: "IAM_ADMIN", Action: iam.ChangeAssign,
	})
	if !errors.Is(err, iam.ErrStorage) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRoleChangeRevoke(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery("select id from users where username").
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("u1"))
	mock.ExpectQuery("select id from roles where name").
		WithArgs("IAM_ADMIN").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("r1"))
	mock.ExpectExec("delete from user_roles").
		WithArgs("u1", "r1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("insert into audit_log").
		WithArgs("root", audit.ActionRevokeRole, audit.Target("alice", "IAM_ADMIN")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "occurred_at"}).AddRow(int64(8), now))
	mock.ExpectCommit()

	res, err := store.ApplyRoleChange(context.Background(), iam.RoleChange{
		Actor: "root", Username: "alice", RoleName: "IAM_ADMIN", Action: iam.ChangeRevoke,
	})
	if err != nil {
		t.Fatalf("ApplyRoleChange: %v", err)
	}
	if !res.Changed || res.Record == nil || res.Record.Action != audit.ActionRevokeRole {
		t.Fatalf("unexpected result: %+v", res)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestApplyRoleChangeUnknownUser(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery("select id from users where username").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.ApplyRoleChange(context.Background(), iam.RoleChange{
		Actor: "root", Username: "ghost", RoleName: "IAM_ADMIN", Action: iam.ChangeAssign,
	})
	if !errors.Is(err, iam.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserConflictMapping(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	_, err := store.CreateUser(context.Background(), "alice", "alice@example.org", "")
	if !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCreateUserRejectsBadStatusBeforeSQL(t *testing.T) {
	store, mock := newMockStore(t)

	_, err := store.CreateUser(context.Background(), "alice", "alice@example.org", "suspended")
	if !errors.Is(err, iam.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
	// No SQL may run for a status outside the domain.
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unexpected SQL executed: %v", err)
	}
}

func TestQueryAuditCursor(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "actor", "action", "target", "occurred_at"}).
		AddRow(int64(3), "root", audit.ActionAssignRole, "user alice role IAM_ADMIN", now).
		AddRow(int64(2), "sync", audit.ActionRevokeRole, "user bob role viewer", now)
	mock.ExpectQuery("select id, actor, action, target, occurred_at from audit_log order by id desc limit").
		WithArgs(2).
		WillReturnRows(rows)

	cursor, err := store.QueryAudit(context.Background(), iam.AuditFilter{Limit: 2})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	defer cursor.Close()

	var got []iam.AuditRecord
	for cursor.Next() {
		got = append(got, cursor.Record())
	}
	if err := cursor.Err(); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	if len(got) != 2 || got[0].ID != 3 || got[1].ID != 2 {
		t.Fatalf("unexpected records: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestQueryAuditFilters(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery("select id, actor, action, target, occurred_at from audit_log where actor = .* and action = .* order by id asc").
		WithArgs("root", audit.ActionAssignRole).
		WillReturnRows(sqlmock.NewRows([]string{"id", "actor", "action", "target", "occurred_at"}).
			AddRow(int64(1), "root", audit.ActionAssignRole, "user alice role IAM_ADMIN", now))

	cursor, err := store.QueryAudit(context.Background(), iam.AuditFilter{
		Actor: "root", Action: audit.ActionAssignRole, Ascending: true,
	})
	if err != nil {
		t.Fatalf("QueryAudit: %v", err)
	}
	defer cursor.Close()
	if !cursor.Next() {
		t.Fatalf("expected one record, err=%v", cursor.Err())
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
