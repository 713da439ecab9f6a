package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"ruqsat.org/internal/iam"
	"ruqsat.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")

	rec := iam.AuditRecord{ID: 7, Actor: "root", Action: ActionAssignRole, Target: Target("alice", "IAM_ADMIN")}
	if err := LogEvent(ctx, "provision.role_change", RecordFields(rec)); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "provision.role_change" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["actor"] != "root" {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
	target, _ := fields["target"].(string)
	if !strings.Contains(target, "alice") || !strings.Contains(target, "IAM_ADMIN") {
		t.Fatalf("target does not name user and role: %q", target)
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for blank event name")
	}
}
