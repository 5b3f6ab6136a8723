// Audit logging for texmill: structured JSONL events recording every external
// tool invocation and build lifecycle transition. The audit trail is what
// postmortems lean on when a build went sideways.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType defines the type of audit event
type AuditEventType string

const (
	// Build lifecycle events
	AuditBuildStart    AuditEventType = "build_start"
	AuditBuildComplete AuditEventType = "build_complete"
	AuditBuildSkipped  AuditEventType = "build_skipped"
	AuditBuildError    AuditEventType = "build_error"

	// External tool execution events
	AuditToolInvoke   AuditEventType = "tool_invoke"
	AuditToolComplete AuditEventType = "tool_complete"
	AuditToolKilled   AuditEventType = "tool_killed"
	AuditToolError    AuditEventType = "tool_error"

	// Watcher events
	AuditWatchStart   AuditEventType = "watch_start"
	AuditWatchTrigger AuditEventType = "watch_trigger"
	AuditWatchStop    AuditEventType = "watch_stop"

	// Housekeeping events
	AuditClean    AuditEventType = "clean"
	AuditScaffold AuditEventType = "scaffold"
)

// AuditEvent represents a structured audit log entry.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	RunID      string                 `json:"run,omitempty"`
	Document   string                 `json:"doc,omitempty"`
	Tool       string                 `json:"tool,omitempty"`
	Args       []string               `json:"args,omitempty"`
	Success    bool                   `json:"success"`
	ExitCode   int                    `json:"exit_code,omitempty"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// AuditLogger appends audit events to a JSONL file.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

var (
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// InitAudit opens the audit log for the workspace. A nil return with no error
// means auditing is disabled (production mode).
func InitAudit(ws string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger != nil {
		return nil
	}
	if !IsDebugMode() {
		return nil
	}

	dir := filepath.Join(ws, ".texmill", "logs")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	path := filepath.Join(dir, fmt.Sprintf("%s_audit.jsonl", date))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}

	auditLogger = &AuditLogger{file: file}
	return nil
}

// Audit records an event. Safe to call before InitAudit; it is then a no-op.
func Audit(event AuditEvent) {
	auditMu.Lock()
	al := auditLogger
	auditMu.Unlock()

	if al == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	al.write(event)
}

func (al *AuditLogger) write(event AuditEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	al.mu.Lock()
	defer al.mu.Unlock()
	al.file.Write(data)
	al.file.Write([]byte("\n"))
}

// CloseAudit closes the audit log (call at shutdown).
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditLogger != nil {
		auditLogger.mu.Lock()
		auditLogger.file.Close()
		auditLogger.mu.Unlock()
		auditLogger = nil
	}
}
