package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	flag "github.com/spf13/pflag"

	"ruqsat.org/internal/access"
	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
	"ruqsat.org/internal/provision"
	"ruqsat.org/internal/store/pg"
)

var (
	dsn          = flag.String("dsn", os.Getenv("RUQSAT_PG_DSN"), "PostgreSQL DSN")
	username     = flag.String("username", "", "username for user commands")
	email        = flag.String("email", "", "email for user-add")
	status       = flag.String("status", "", "user status (active|locked|disabled)")
	roleName     = flag.String("role", "", "role name")
	description  = flag.String("desc", "", "description for role-add")
	permKeys     = flag.StringSlice("perms", nil, "permission keys for grant")
	actor        = flag.String("actor", "", "actor performing the change")
	allowedRoles = flag.StringSlice("allowed-roles", nil, "provisioning allow-list; defaults to all stored roles")
	auditActor   = flag.String("audit-actor", "", "audit filter: actor")
	auditAction  = flag.String("audit-action", "", "audit filter: action")
	limit        = flag.Int("limit", 20, "audit query limit")
	ascending    = flag.Bool("asc", false, "audit query oldest-first")
)

const usage = `usage: ruqsatctl [flags] <command>

commands:
  user-add      create a user (--username --email [--status])
  user-status   change a user's status (--username --status)
  role-add      create a role (--role [--desc])
  grant         replace a role's permission grants (--role --perms)
  assign        assign a role to a user (--actor --username --role)
  revoke        revoke a role from a user (--actor --username --role)
  perms         report a user's effective permissions (--username)
  roles         list roles
  audit         query the audit ledger ([--audit-actor --audit-action --limit --asc])
`

func main() {
	log.SetFlags(0)
	obs.Init()
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}
	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or RUQSAT_PG_DSN")
	}

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cmd := flag.Arg(0)
	if err := run(ctx, store, cmd); err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func run(ctx context.Context, store *pg.Store, cmd string) error {
	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")

	switch cmd {
	case "user-add":
		user, err := store.CreateUser(ctx, *username, *email, *status)
		if err != nil {
			return err
		}
		return out.Encode(user)

	case "user-status":
		user, err := store.GetUserByUsername(ctx, *username)
		if err != nil {
			return err
		}
		updated, err := store.UpdateUserStatus(ctx, user.ID, *status)
		if err != nil {
			return err
		}
		return out.Encode(updated)

	case "role-add":
		role, err := store.CreateRole(ctx, *roleName, *description)
		if err != nil {
			return err
		}
		return out.Encode(role)

	case "grant":
		role, err := store.GetRoleByName(ctx, *roleName)
		if err != nil {
			return err
		}
		if err := store.SetRolePermissions(ctx, role.ID, *permKeys); err != nil {
			return err
		}
		perms, err := store.RolePermissions(ctx, role.ID)
		if err != nil {
			return err
		}
		return out.Encode(perms)

	case "assign", "revoke":
		action := provision.ActionAssign
		if cmd == "revoke" {
			action = provision.ActionRevoke
		}
		workflow, err := newWorkflow(ctx, store)
		if err != nil {
			return err
		}
		outcome := workflow.Apply(ctx, provision.NewRequest(*actor, *username, *roleName, action))
		if err := out.Encode(outcome); err != nil {
			return err
		}
		if !outcome.Committed() {
			return outcome.Reason
		}
		return nil

	case "perms":
		user, err := store.GetUserByUsername(ctx, *username)
		if err != nil {
			return err
		}
		evaluator, err := access.NewEvaluator(store)
		if err != nil {
			return err
		}
		set, err := evaluator.EffectivePermissions(ctx, user.ID)
		if err != nil {
			return err
		}
		return out.Encode(set.Keys())

	case "roles":
		roles, err := store.ListRoles(ctx)
		if err != nil {
			return err
		}
		return out.Encode(roles)

	case "audit":
		cursor, err := store.QueryAudit(ctx, iam.AuditFilter{
			Actor:     *auditActor,
			Action:    *auditAction,
			Ascending: *ascending,
			Limit:     *limit,
		})
		if err != nil {
			return err
		}
		defer cursor.Close()
		for cursor.Next() {
			if err := out.Encode(cursor.Record()); err != nil {
				return err
			}
		}
		return cursor.Err()

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

// newWorkflow builds the provisioning workflow. The allow-list comes from
// --allowed-roles; when absent it defaults to every role currently stored.
func newWorkflow(ctx context.Context, store *pg.Store) (*provision.Workflow, error) {
	roles := *allowedRoles
	if len(roles) == 0 {
		stored, err := store.ListRoles(ctx)
		if err != nil {
			return nil, err
		}
		for _, r := range stored {
			roles = append(roles, r.Name)
		}
		if len(roles) == 0 {
			return nil, errors.New("no roles exist; create one with role-add or pass --allowed-roles")
		}
	}
	return provision.New(store, provision.WithRoles(roles))
}
