package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/time/rate"

	"ruqsat.org/internal/access"
	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
	"ruqsat.org/internal/provision"
	"ruqsat.org/internal/store/memory"
)

var version = "0.1.0"

// Drives the whole engine end to end against the in-memory store: seed the
// catalog, provision a user through the workflow, and check the evaluator
// and ledger agree. The limiter paces provisioning the way a directory-sync
// front-end would.
func main() {
	log.SetFlags(0)
	obs.Init()
	obs.InitBuildInfo(version, "")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := memory.New()
	if err := store.EnsurePermissions(ctx, iam.BuiltinPermissions); err != nil {
		log.Fatalf("seed permissions: %v", err)
	}

	admin, err := store.CreateRole(ctx, "IAM_ADMIN", "full identity administration")
	if err != nil {
		log.Fatalf("create role: %v", err)
	}
	auditor, err := store.CreateRole(ctx, "IAM_AUDITOR", "read-only audit access")
	if err != nil {
		log.Fatalf("create role: %v", err)
	}
	if err := store.SetRolePermissions(ctx, admin.ID, []string{iam.PermUserManage, iam.PermRoleAssign, iam.PermAuditRead}); err != nil {
		log.Fatalf("grant admin: %v", err)
	}
	if err := store.SetRolePermissions(ctx, auditor.ID, []string{iam.PermAuditRead, iam.PermReportsRead}); err != nil {
		log.Fatalf("grant auditor: %v", err)
	}

	alice, err := store.CreateUser(ctx, "alice", "alice@example.org", iam.UserStatusActive)
	if err != nil {
		log.Fatalf("create user: %v", err)
	}

	workflow, err := provision.New(store, provision.WithRoles([]string{"IAM_ADMIN", "IAM_AUDITOR"}))
	if err != nil {
		log.Fatalf("build workflow: %v", err)
	}
	evaluator, err := access.NewEvaluator(store)
	if err != nil {
		log.Fatalf("build evaluator: %v", err)
	}

	lim := rate.NewLimiter(rate.Limit(50), 10)
	apply := func(action provision.Action, role string) provision.Outcome {
		if err := lim.Wait(ctx); err != nil {
			log.Fatalf("limiter: %v", err)
		}
		return workflow.Apply(ctx, provision.NewRequest("smoke", "alice", role, action))
	}

	if out := apply(provision.ActionAssign, "IAM_ADMIN"); !out.Committed() || !out.Changed {
		log.Fatalf("assign IAM_ADMIN: %+v", out)
	}
	if out := apply(provision.ActionAssign, "IAM_ADMIN"); !out.Committed() || out.Changed {
		log.Fatalf("duplicate assign should be a no-op: %+v", out)
	}
	if out := apply(provision.ActionAssign, "IAM_AUDITOR"); !out.Committed() || !out.Changed {
		log.Fatalf("assign IAM_AUDITOR: %+v", out)
	}

	ledgerBefore := store.AuditLen()
	if out := apply(provision.ActionAssign, "SUPERUSER"); out.Committed() {
		log.Fatalf("unknown role must be rejected: %+v", out)
	}
	if store.AuditLen() != ledgerBefore {
		log.Fatal("rejected request must not touch the ledger")
	}

	perms, err := evaluator.EffectivePermissions(ctx, alice.ID)
	if err != nil {
		log.Fatalf("effective permissions: %v", err)
	}
	// iam.audit.read is granted by both roles and must collapse once.
	want := []string{iam.PermAuditRead, iam.PermReportsRead, iam.PermRoleAssign, iam.PermUserManage}
	got := perms.Keys()
	if len(got) != len(want) {
		log.Fatalf("unexpected permission union: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			log.Fatalf("unexpected permission union: %v", got)
		}
	}

	if ok, err := evaluator.HasRole(ctx, alice.ID, "IAM_ADMIN"); err != nil || !ok {
		log.Fatalf("expected IAM_ADMIN: ok=%v err=%v", ok, err)
	}
	if d := access.CanUserLogin(alice, 3); d != access.DecisionAllow {
		log.Fatalf("expected ALLOW, got %s", d)
	}

	cursor, err := store.QueryAudit(ctx, iam.AuditFilter{Limit: 1})
	if err != nil {
		log.Fatalf("query audit: %v", err)
	}
	defer cursor.Close()
	if !cursor.Next() {
		log.Fatal("expected an audit record")
	}
	last := cursor.Record()
	if last.ID != uint64(store.AuditLen()) {
		log.Fatalf("newest-first query out of order: %+v", last)
	}

	fmt.Printf("✅ access engine smoke test passed: user=%s records=%d\n", alice.ID, store.AuditLen())
}
