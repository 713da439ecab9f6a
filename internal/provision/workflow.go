package provision

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"ruqsat.org/internal/audit"
	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
)

// Action is the kind of change a request carries.
type Action string

const (
	ActionAssign Action = "ASSIGN"
	ActionRevoke Action = "REVOKE"
)

// State is a workflow phase. Requests run PENDING → VALIDATED → COMMITTED,
// or terminate in REJECTED.
type State string

const (
	StatePending   State = "PENDING"
	StateValidated State = "VALIDATED"
	StateCommitted State = "COMMITTED"
	StateRejected  State = "REJECTED"
)

// Request asks the workflow to change one (user, role) pair on behalf of an
// already-authenticated actor.
type Request struct {
	ID       string `json:"id"`
	Actor    string `json:"actor"`
	Username string `json:"username"`
	RoleName string `json:"role_name"`
	Action   Action `json:"action"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(actor, username, roleName string, action Action) Request {
	return Request{
		ID:       uuid.NewString(),
		Actor:    actor,
		Username: username,
		RoleName: roleName,
		Action:   action,
	}
}

// Outcome is the tagged result callers branch on. Reason is nil exactly when
// State is COMMITTED, and stays errors.Is-matchable against the iam
// taxonomy otherwise. Record is set when a change was written; a no-op
// commit has Changed=false and no record.
type Outcome struct {
	State   State            `json:"state"`
	Reason  error            `json:"-"`
	Record  *iam.AuditRecord `json:"record,omitempty"`
	Changed bool             `json:"changed"`
}

// Committed reports whether the request reached COMMITTED.
func (o Outcome) Committed() bool { return o.State == StateCommitted }

// Retryable reports whether retrying the identical request can succeed.
// Only storage failures qualify; logical rejections fail identically.
func (o Outcome) Retryable() bool {
	return o.State == StateRejected && errors.Is(o.Reason, iam.ErrStorage)
}

func rejected(reason error) Outcome {
	return Outcome{State: StateRejected, Reason: reason}
}

// Option configures a Workflow.
type Option func(*Workflow) error

// WithRoles sets the allow-list of role names acceptable for provisioning.
func WithRoles(roles []string) Option {
	return func(w *Workflow) error {
		for _, r := range roles {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			w.roles[r] = struct{}{}
		}
		return nil
	}
}

// WithJournal toggles mirroring committed changes to the structured log.
func WithJournal(enabled bool) Option {
	return func(w *Workflow) error {
		w.journal = enabled
		return nil
	}
}

// Workflow is the one stateful orchestrator in the engine: it validates a
// requested change and applies the store mutation and its audit record as a
// single atomic unit.
type Workflow struct {
	store   iam.Store
	roles   map[string]struct{}
	journal bool
}

// New constructs a Workflow. The role allow-list is configuration, not
// discovery: construction fails when no roles are provided.
func New(store iam.Store, opts ...Option) (*Workflow, error) {
	if store == nil {
		return nil, errors.New("provision: store is required")
	}
	w := &Workflow{
		store:   store,
		roles:   make(map[string]struct{}),
		journal: true,
	}
	for _, opt := range opts {
		if err := opt(w); err != nil {
			return nil, err
		}
	}
	if len(w.roles) == 0 {
		return nil, errors.New("provision: at least one allowed role is required")
	}
	return w, nil
}

// AllowedRoles returns the configured allow-list, sorted.
func (w *Workflow) AllowedRoles() []string {
	out := make([]string, 0, len(w.roles))
	for r := range w.roles {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Apply runs one request through the state machine and returns its terminal
// outcome. It never panics past the boundary and never raises rejections as
// errors; callers branch on the outcome tag.
func (w *Workflow) Apply(ctx context.Context, req Request) Outcome {
	start := time.Now()
	out := w.apply(ctx, req)
	obs.ObserveProvision(string(req.Action), string(out.State), time.Since(start))
	return out
}

func (w *Workflow) apply(ctx context.Context, req Request) Outcome {
	// PENDING: shape checks before touching the store.
	actor := strings.TrimSpace(req.Actor)
	username := strings.TrimSpace(req.Username)
	roleName := strings.TrimSpace(req.RoleName)
	if actor == "" || username == "" || roleName == "" {
		return rejected(fmt.Errorf("%w: actor, username and role are required", iam.ErrInvalidInput))
	}

	var change iam.ChangeAction
	switch req.Action {
	case ActionAssign:
		change = iam.ChangeAssign
	case ActionRevoke:
		change = iam.ChangeRevoke
	default:
		return rejected(fmt.Errorf("%w: unsupported action %q", iam.ErrInvalidInput, req.Action))
	}

	if _, ok := w.roles[roleName]; !ok {
		return rejected(fmt.Errorf("%w: %s", iam.ErrUnknownRole, roleName))
	}

	// VALIDATED: commit the mutation and its audit record atomically.
	res, err := w.store.ApplyRoleChange(ctx, iam.RoleChange{
		Actor:    actor,
		Username: username,
		RoleName: roleName,
		Action:   change,
	})
	if err != nil {
		switch {
		case errors.Is(err, iam.ErrNotFound), errors.Is(err, iam.ErrConflict), errors.Is(err, iam.ErrInvalidInput):
			// Logical rejection; retrying without correction fails identically.
			return rejected(err)
		case errors.Is(err, iam.ErrStorage):
			obs.Log(map[string]any{
				"level":      "error",
				"msg":        "provision commit aborted",
				"request_id": req.ID,
				"cause":      err.Error(),
			})
			return rejected(fmt.Errorf("%w: commit aborted", iam.ErrStorage))
		default:
			obs.Log(map[string]any{
				"level":      "error",
				"msg":        "provision commit failed",
				"request_id": req.ID,
				"cause":      err.Error(),
			})
			return rejected(fmt.Errorf("%w: commit failed", iam.ErrStorage))
		}
	}

	if w.journal && res.Record != nil {
		jctx := audit.WithRequestID(ctx, req.ID)
		_ = audit.LogEvent(jctx, "provision.role_change", audit.RecordFields(*res.Record))
	}
	return Outcome{State: StateCommitted, Record: res.Record, Changed: res.Changed}
}
