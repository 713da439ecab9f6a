package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
)

// PermissionSet is the resolved set of permission keys a user holds.
// Duplicates across roles collapse by construction.
type PermissionSet map[string]struct{}

// NewPermissionSet builds a set from raw keys, dropping blanks.
func NewPermissionSet(keys []string) PermissionSet {
	set := make(PermissionSet, len(keys))
	for _, k := range keys {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		set[k] = struct{}{}
	}
	return set
}

// Has reports whether the set contains key.
func (s PermissionSet) Has(key string) bool {
	_, ok := s[key]
	return ok
}

// Keys returns the sorted members of the set.
func (s PermissionSet) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Evaluator answers "what can this user do" from current store state.
// It performs no writes, keeps no cache, and every call recomputes from the
// store snapshot, so identical state yields identical answers.
type Evaluator struct {
	store iam.Store
}

func NewEvaluator(store iam.Store) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("access: store is required")
	}
	return &Evaluator{store: store}, nil
}

// HasRole reports whether an assignment row exists for the user and the
// named role.
func (e *Evaluator) HasRole(ctx context.Context, userID, roleName string) (bool, error) {
	userID = strings.TrimSpace(userID)
	roleName = strings.TrimSpace(roleName)
	if userID == "" || roleName == "" {
		return false, fmt.Errorf("%w: user_id and role name are required", iam.ErrInvalidInput)
	}
	obs.CountAccessQuery("has_role")
	roles, err := e.store.UserRoles(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, r := range roles {
		if r.Name == roleName {
			return true, nil
		}
	}
	return false, nil
}

// EffectivePermissions returns the union of permissions over every role the
// user holds. A user with no roles gets an empty set, not an error.
func (e *Evaluator) EffectivePermissions(ctx context.Context, userID string) (PermissionSet, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", iam.ErrInvalidInput)
	}
	obs.CountAccessQuery("effective_permissions")
	keys, err := e.store.UserPermissions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return NewPermissionSet(keys), nil
}
