package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
)

// Audit action verbs. The persisted ledger and the journal mirror share
// this vocabulary.
const (
	ActionAssignRole = "ASSIGN_ROLE"
	ActionRevokeRole = "REVOKE_ROLE"
)

// Target renders the human-readable description of the entity a role change
// affected. Reports grep this for both names, keep it stable.
func Target(username, roleName string) string {
	return fmt.Sprintf("user %s role %s", username, roleName)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the provisioning request identifier to the context
// for journal correlation.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// LogEvent mirrors an audit-relevant event to the structured log. The
// durable record lives in the store; this line exists for operators tailing
// the journal.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := map[string]any{
		"ts":    time.Now().UTC().Format(time.RFC3339Nano),
		"type":  "audit",
		"event": event,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		entry["request_id"] = rid
	}
	if len(fields) > 0 {
		copyFields := make(map[string]any, len(fields))
		for k, v := range fields {
			copyFields[k] = v
		}
		entry["fields"] = copyFields
	} else {
		entry["fields"] = map[string]any{}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}

// RecordFields flattens a persisted record into journal fields.
func RecordFields(rec iam.AuditRecord) map[string]any {
	return map[string]any{
		"audit_id": rec.ID,
		"actor":    rec.Actor,
		"action":   rec.Action,
		"target":   rec.Target,
	}
}
