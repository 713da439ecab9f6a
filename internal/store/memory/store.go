package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"ruqsat.org/internal/audit"
	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/ids"
	"ruqsat.org/internal/obs"
)

// Store implements iam.Store with in-process concurrency safety. It backs
// tests and the smoke binary; durable deployments use the pg store.
type Store struct {
	mu sync.RWMutex

	users       map[string]*iam.User // id -> user
	usersByName map[string]string    // username -> id
	usersByMail map[string]string    // email -> id

	roles       map[string]*iam.Role // id -> role
	rolesByName map[string]string    // name -> id

	perms      map[string]*iam.Permission // id -> permission
	permsByKey map[string]string          // key -> id

	assignments map[string]map[string]time.Time // user id -> role id -> created
	rolePerms   map[string]map[string]struct{}  // role id -> permission id

	auditSeq uint64
	ledger   []iam.AuditRecord

	auditErr error // one-shot injected failure for the next append

	now func() time.Time
}

var _ iam.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:       make(map[string]*iam.User),
		usersByName: make(map[string]string),
		usersByMail: make(map[string]string),
		roles:       make(map[string]*iam.Role),
		rolesByName: make(map[string]string),
		perms:       make(map[string]*iam.Permission),
		permsByKey:  make(map[string]string),
		assignments: make(map[string]map[string]time.Time),
		rolePerms:   make(map[string]map[string]struct{}),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// FailNextAuditAppend makes the next audit append fail with err, simulating
// storage loss mid-commit. The failure clears after one use.
func (s *Store) FailNextAuditAppend(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditErr = err
}

func (s *Store) CreateUser(ctx context.Context, username, email, status string) (iam.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" {
		return iam.User{}, fmt.Errorf("%w: username and email are required", iam.ErrInvalidInput)
	}
	if status == "" {
		status = iam.UserStatusActive
	}
	if !iam.ValidStatus(status) {
		return iam.User{}, fmt.Errorf("%w: unsupported status %s", iam.ErrConflict, status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.usersByName[username]; ok {
		return iam.User{}, fmt.Errorf("%w: username %s taken", iam.ErrConflict, username)
	}
	if _, ok := s.usersByMail[email]; ok {
		return iam.User{}, fmt.Errorf("%w: email %s taken", iam.ErrConflict, email)
	}
	now := s.now()
	u := &iam.User{
		ID:        ids.New(),
		Username:  username,
		Email:     email,
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.users[u.ID] = u
	s.usersByName[username] = u.ID
	s.usersByMail[email] = u.ID
	return *u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (iam.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return iam.User{}, iam.ErrNotFound
	}
	return *u, nil
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (iam.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.usersByName[strings.TrimSpace(username)]
	if !ok {
		return iam.User{}, iam.ErrNotFound
	}
	return *s.users[id], nil
}

func (s *Store) ListUsers(ctx context.Context) ([]iam.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]iam.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID, status string) (iam.User, error) {
	if !iam.ValidStatus(status) {
		return iam.User{}, fmt.Errorf("%w: unsupported status %s", iam.ErrConflict, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return iam.User{}, iam.ErrNotFound
	}
	u.Status = status
	u.UpdatedAt = s.now()
	return *u, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (iam.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return iam.Role{}, fmt.Errorf("%w: role name is required", iam.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rolesByName[name]; ok {
		return iam.Role{}, fmt.Errorf("%w: role %s exists", iam.ErrConflict, name)
	}
	r := &iam.Role{
		ID:          ids.New(),
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now(),
	}
	s.roles[r.ID] = r
	s.rolesByName[name] = r.ID
	return *r, nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (iam.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[strings.TrimSpace(name)]
	if !ok {
		return iam.Role{}, iam.ErrNotFound
	}
	return *s.roles[id], nil
}

func (s *Store) ListRoles(ctx context.Context) ([]iam.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]iam.Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) CreatePermission(ctx context.Context, key, description string) (iam.Permission, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return iam.Permission{}, fmt.Errorf("%w: permission key is required", iam.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createPermissionLocked(key, description)
}

func (s *Store) createPermissionLocked(key, description string) (iam.Permission, error) {
	if _, ok := s.permsByKey[key]; ok {
		return iam.Permission{}, fmt.Errorf("%w: permission %s exists", iam.ErrConflict, key)
	}
	p := &iam.Permission{
		ID:          ids.New(),
		Key:         key,
		Description: strings.TrimSpace(description),
		CreatedAt:   s.now(),
	}
	s.perms[p.ID] = p
	s.permsByKey[key] = p.ID
	return *p, nil
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []iam.Permission) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range perms {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			continue
		}
		if _, ok := s.permsByKey[key]; ok {
			continue
		}
		if _, err := s.createPermissionLocked(key, p.Description); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]iam.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]iam.Permission, 0, len(s.perms))
	for _, p := range s.perms {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return iam.ErrNotFound
	}
	next := make(map[string]struct{}, len(permissionKeys))
	for _, key := range permissionKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		permID, ok := s.permsByKey[key]
		if !ok {
			return fmt.Errorf("%w: permission %s", iam.ErrNotFound, key)
		}
		next[permID] = struct{}{}
	}
	s.rolePerms[roleID] = next
	return nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]iam.Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.roles[roleID]; !ok {
		return nil, iam.ErrNotFound
	}
	var out []iam.Permission
	for permID := range s.rolePerms[roleID] {
		out = append(out, *s.perms[permID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]iam.Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []iam.Role
	for roleID := range s.assignments[userID] {
		out = append(out, *s.roles[roleID])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := map[string]struct{}{}
	for roleID := range s.assignments[userID] {
		for permID := range s.rolePerms[roleID] {
			set[s.perms[permID].Key] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *Store) AppendAudit(ctx context.Context, actor, action, target string) (iam.AuditRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendAuditLocked(actor, action, target)
}

func (s *Store) appendAuditLocked(actor, action, target string) (iam.AuditRecord, error) {
	if s.auditErr != nil {
		err := s.auditErr
		s.auditErr = nil
		return iam.AuditRecord{}, fmt.Errorf("%w: append audit: %v", iam.ErrStorage, err)
	}
	s.auditSeq++
	rec := iam.AuditRecord{
		ID:         s.auditSeq,
		Actor:      actor,
		Action:     action,
		Target:     target,
		OccurredAt: s.now(),
	}
	s.ledger = append(s.ledger, rec)
	obs.CountAuditRecord()
	return rec, nil
}

func (s *Store) QueryAudit(ctx context.Context, filter iam.AuditFilter) (iam.AuditCursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]iam.AuditRecord, 0, len(s.ledger))
	for _, rec := range s.ledger {
		if filter.Actor != "" && rec.Actor != filter.Actor {
			continue
		}
		if filter.Action != "" && rec.Action != filter.Action {
			continue
		}
		matched = append(matched, rec)
	}
	if !filter.Ascending {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}
	return &cursor{records: matched}, nil
}

// AuditLen reports the current ledger size. Test and smoke helper.
func (s *Store) AuditLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ledger)
}

// ApplyRoleChange mutates the assignment map and appends the audit record
// under one lock hold. If the append fails the mutation is compensated
// before the lock is released, so no reader ever observes half the unit.
func (s *Store) ApplyRoleChange(ctx context.Context, ch iam.RoleChange) (iam.RoleChangeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	userID, ok := s.usersByName[ch.Username]
	if !ok {
		return iam.RoleChangeResult{}, fmt.Errorf("%w: user %s", iam.ErrNotFound, ch.Username)
	}
	roleID, ok := s.rolesByName[ch.RoleName]
	if !ok {
		return iam.RoleChangeResult{}, fmt.Errorf("%w: role %s", iam.ErrNotFound, ch.RoleName)
	}

	held := s.assignments[userID]
	target := audit.Target(ch.Username, ch.RoleName)

	switch ch.Action {
	case iam.ChangeAssign:
		if _, exists := held[roleID]; exists {
			return iam.RoleChangeResult{}, nil // idempotent no-op
		}
		if held == nil {
			held = make(map[string]time.Time)
			s.assignments[userID] = held
		}
		created := s.now()
		held[roleID] = created
		rec, err := s.appendAuditLocked(ch.Actor, audit.ActionAssignRole, target)
		if err != nil {
			delete(held, roleID) // compensating rollback
			return iam.RoleChangeResult{}, err
		}
		return iam.RoleChangeResult{
			Changed:    true,
			Assignment: &iam.Assignment{UserID: userID, RoleID: roleID, CreatedAt: created},
			Record:     &rec,
		}, nil

	case iam.ChangeRevoke:
		created, exists := held[roleID]
		if !exists {
			return iam.RoleChangeResult{}, nil // idempotent no-op
		}
		delete(held, roleID)
		rec, err := s.appendAuditLocked(ch.Actor, audit.ActionRevokeRole, target)
		if err != nil {
			held[roleID] = created // compensating rollback
			return iam.RoleChangeResult{}, err
		}
		return iam.RoleChangeResult{Changed: true, Record: &rec}, nil

	default:
		return iam.RoleChangeResult{}, fmt.Errorf("%w: action %s", iam.ErrInvalidInput, ch.Action)
	}
}

type cursor struct {
	records []iam.AuditRecord
	idx     int
	current iam.AuditRecord
	closed  bool
}

func (c *cursor) Next() bool {
	if c.closed || c.idx >= len(c.records) {
		return false
	}
	c.current = c.records[c.idx]
	c.idx++
	return true
}

func (c *cursor) Record() iam.AuditRecord { return c.current }

func (c *cursor) Err() error { return nil }

func (c *cursor) Close() error {
	c.closed = true
	return nil
}
