package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/ids"
)

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

	var user iam.User
	row := s.db.QueryRowContext(ctx, `
		insert into users (id, username, email, status)
		values ($1, $2, $3, $4)
		returning id, username, email, status, created_at, updated_at
	`, ids.New(), username, email, status)
	if err := row.Scan(&user.ID, &user.Username, &user.Email, &user.Status, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return iam.User{}, mapWriteError("create user", err)
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (iam.User, error) {
	return s.userBy(ctx, `id = $1`, id)
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (iam.User, error) {
	return s.userBy(ctx, `username = $1`, strings.TrimSpace(username))
}

func (s *Store) userBy(ctx context.Context, where string, arg any) (iam.User, error) {
	var user iam.User
	err := s.db.QueryRowContext(ctx, `
		select id, username, email, status, created_at, updated_at
		from users
		where `+where, arg,
	).Scan(&user.ID, &user.Username, &user.Email, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.User{}, iam.ErrNotFound
	}
	if err != nil {
		return iam.User{}, storageErr("get user", err)
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]iam.User, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, username, email, status, created_at, updated_at
		from users
		order by username
	`)
	if err != nil {
		return nil, storageErr("list users", err)
	}
	defer rows.Close()

	var users []iam.User
	for rows.Next() {
		var user iam.User
		if err := rows.Scan(&user.ID, &user.Username, &user.Email, &user.Status, &user.CreatedAt, &user.UpdatedAt); err != nil {
			return nil, storageErr("list users", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list users", err)
	}
	return users, nil
}

func (s *Store) UpdateUserStatus(ctx context.Context, userID, status string) (iam.User, error) {
	if !iam.ValidStatus(status) {
		return iam.User{}, fmt.Errorf("%w: unsupported status %s", iam.ErrConflict, status)
	}
	var user iam.User
	err := s.db.QueryRowContext(ctx, `
		update users set status = $1, updated_at = now()
		where id = $2
		returning id, username, email, status, created_at, updated_at
	`, status, userID).Scan(&user.ID, &user.Username, &user.Email, &user.Status, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.User{}, iam.ErrNotFound
	}
	if err != nil {
		return iam.User{}, mapWriteError("update user status", err)
	}
	return user, nil
}

func (s *Store) CreateRole(ctx context.Context, name, description string) (iam.Role, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return iam.Role{}, fmt.Errorf("%w: role name is required", iam.ErrInvalidInput)
	}
	var (
		role iam.Role
		desc sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into roles (id, name, description)
		values ($1, $2, $3)
		returning id, name, description, created_at
	`, ids.New(), name, nullIfEmpty(description))
	if err := row.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt); err != nil {
		return iam.Role{}, mapWriteError("create role", err)
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

func (s *Store) GetRoleByName(ctx context.Context, name string) (iam.Role, error) {
	var (
		role iam.Role
		desc sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		select id, name, description, created_at
		from roles
		where name = $1
	`, strings.TrimSpace(name)).Scan(&role.ID, &role.Name, &desc, &role.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return iam.Role{}, iam.ErrNotFound
	}
	if err != nil {
		return iam.Role{}, storageErr("get role", err)
	}
	if desc.Valid {
		role.Description = desc.String
	}
	return role, nil
}

func (s *Store) ListRoles(ctx context.Context) ([]iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, name, description, created_at
		from roles
		order by name
	`)
	if err != nil {
		return nil, storageErr("list roles", err)
	}
	defer rows.Close()

	var roles []iam.Role
	for rows.Next() {
		var (
			role iam.Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt); err != nil {
			return nil, storageErr("list roles", err)
		}
		if desc.Valid {
			role.Description = desc.String
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list roles", err)
	}
	return roles, nil
}

func (s *Store) CreatePermission(ctx context.Context, key, description string) (iam.Permission, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return iam.Permission{}, fmt.Errorf("%w: permission key is required", iam.ErrInvalidInput)
	}
	var (
		perm iam.Permission
		desc sql.NullString
	)
	row := s.db.QueryRowContext(ctx, `
		insert into permissions (id, key, description)
		values ($1, $2, $3)
		returning id, key, description, created_at
	`, ids.New(), key, nullIfEmpty(description))
	if err := row.Scan(&perm.ID, &perm.Key, &desc, &perm.CreatedAt); err != nil {
		return iam.Permission{}, mapWriteError("create permission", err)
	}
	if desc.Valid {
		perm.Description = desc.String
	}
	return perm, nil
}

func (s *Store) EnsurePermissions(ctx context.Context, perms []iam.Permission) error {
	for _, p := range perms {
		key := strings.TrimSpace(p.Key)
		if key == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `
			insert into permissions (id, key, description)
			values ($1, $2, $3)
			on conflict (key) do nothing
		`, ids.New(), key, nullIfEmpty(p.Description)); err != nil {
			return mapWriteError("ensure permissions", err)
		}
	}
	return nil
}

func (s *Store) ListPermissions(ctx context.Context) ([]iam.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, key, description, created_at
		from permissions
		order by key
	`)
	if err != nil {
		return nil, storageErr("list permissions", err)
	}
	defer rows.Close()

	var perms []iam.Permission
	for rows.Next() {
		var (
			perm iam.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&perm.ID, &perm.Key, &desc, &perm.CreatedAt); err != nil {
			return nil, storageErr("list permissions", err)
		}
		if desc.Valid {
			perm.Description = desc.String
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list permissions", err)
	}
	return perms, nil
}

func (s *Store) SetRolePermissions(ctx context.Context, roleID string, permissionKeys []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("set role permissions", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.QueryRowContext(ctx, `select 1 from roles where id = $1`, roleID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return iam.ErrNotFound
		}
		return storageErr("set role permissions", err)
	}

	if _, err := tx.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return storageErr("set role permissions", err)
	}

	for _, key := range permissionKeys {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		var permID string
		err := tx.QueryRowContext(ctx, `select id from permissions where key = $1`, key).Scan(&permID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: permission %s", iam.ErrNotFound, key)
			}
			return storageErr("set role permissions", err)
		}
		if _, err := tx.ExecContext(ctx, `
			insert into role_permissions (role_id, permission_id)
			values ($1, $2)
			on conflict (role_id, permission_id) do nothing
		`, roleID, permID); err != nil {
			return storageErr("set role permissions", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("set role permissions", err)
	}
	return nil
}

func (s *Store) RolePermissions(ctx context.Context, roleID string) ([]iam.Permission, error) {
	rows, err := s.db.QueryContext(ctx, `
		select p.id, p.key, p.description, p.created_at
		from role_permissions rp
		join permissions p on p.id = rp.permission_id
		where rp.role_id = $1
		order by p.key
	`, roleID)
	if err != nil {
		return nil, storageErr("role permissions", err)
	}
	defer rows.Close()

	var perms []iam.Permission
	for rows.Next() {
		var (
			perm iam.Permission
			desc sql.NullString
		)
		if err := rows.Scan(&perm.ID, &perm.Key, &desc, &perm.CreatedAt); err != nil {
			return nil, storageErr("role permissions", err)
		}
		if desc.Valid {
			perm.Description = desc.String
		}
		perms = append(perms, perm)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("role permissions", err)
	}
	return perms, nil
}

func (s *Store) UserRoles(ctx context.Context, userID string) ([]iam.Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		select r.id, r.name, r.description, r.created_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
	if err != nil {
		return nil, storageErr("user roles", err)
	}
	defer rows.Close()

	var roles []iam.Role
	for rows.Next() {
		var (
			role iam.Role
			desc sql.NullString
		)
		if err := rows.Scan(&role.ID, &role.Name, &desc, &role.CreatedAt); err != nil {
			return nil, storageErr("user roles", err)
		}
		if desc.Valid {
			role.Description = desc.String
		}
		roles = append(roles, role)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("user roles", err)
	}
	return roles, nil
}

func (s *Store) UserPermissions(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		select distinct p.key
		from user_roles ur
		join role_permissions rp on rp.role_id = ur.role_id
		join permissions p on p.id = rp.permission_id
		where ur.user_id = $1
	`, userID)
	if err != nil {
		return nil, storageErr("user permissions", err)
	}
	defer rows.Close()

	var perms []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, storageErr("user permissions", err)
		}
		perms = append(perms, key)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("user permissions", err)
	}
	return perms, nil
}
