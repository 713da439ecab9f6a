package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
)

func (s *Store) AppendAudit(ctx context.Context, actor, action, target string) (iam.AuditRecord, error) {
	actor = strings.TrimSpace(actor)
	action = strings.TrimSpace(action)
	if actor == "" || action == "" {
		return iam.AuditRecord{}, fmt.Errorf("%w: actor and action are required", iam.ErrInvalidInput)
	}
	rec := iam.AuditRecord{Actor: actor, Action: action, Target: target}
	err := s.db.QueryRowContext(ctx, `
		insert into audit_log (actor, action, target)
		values ($1, $2, $3)
		returning id, occurred_at
	`, actor, action, target).Scan(&rec.ID, &rec.OccurredAt)
	if err != nil {
		return iam.AuditRecord{}, storageErr("append audit", err)
	}
	obs.CountAuditRecord()
	return rec, nil
}

func (s *Store) QueryAudit(ctx context.Context, filter iam.AuditFilter) (iam.AuditCursor, error) {
	var (
		where []string
		args  []any
		idx   = 1
	)
	if filter.Actor != "" {
		where = append(where, fmt.Sprintf("actor = $%d", idx))
		args = append(args, filter.Actor)
		idx++
	}
	if filter.Action != "" {
		where = append(where, fmt.Sprintf("action = $%d", idx))
		args = append(args, filter.Action)
		idx++
	}

	query := `select id, actor, action, target, occurred_at from audit_log`
	if len(where) > 0 {
		query += " where " + strings.Join(where, " and ")
	}
	if filter.Ascending {
		query += " order by id asc"
	} else {
		query += " order by id desc"
	}
	if filter.Limit > 0 {
		query += fmt.Sprintf(" limit $%d", idx)
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("query audit", err)
	}
	return &rowsCursor{rows: rows}, nil
}

// rowsCursor adapts sql.Rows to the forward-only audit cursor contract.
type rowsCursor struct {
	rows    *sql.Rows
	current iam.AuditRecord
	err     error
}

func (c *rowsCursor) Next() bool {
	if c.err != nil {
		return false
	}
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	if err := c.rows.Scan(&c.current.ID, &c.current.Actor, &c.current.Action, &c.current.Target, &c.current.OccurredAt); err != nil {
		c.err = err
		return false
	}
	return true
}

func (c *rowsCursor) Record() iam.AuditRecord { return c.current }

func (c *rowsCursor) Err() error { return c.err }

func (c *rowsCursor) Close() error { return c.rows.Close() }
