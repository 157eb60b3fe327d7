package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditCertificateIssued AuditEventType = "certificate_issued"
	AuditOptionsChanged    AuditEventType = "options_changed"
	AuditVerification      AuditEventType = "verification"
	AuditExport            AuditEventType = "export"
	AuditEventsIngested    AuditEventType = "events_ingested"
	AuditKeyGenerated      AuditEventType = "key_generated"
	AuditConfigChange      AuditEventType = "config_change"
	AuditStartup           AuditEventType = "startup"
	AuditShutdown          AuditEventType = "shutdown"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultDenied  = "denied"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	UserID    string         `json:"user_id,omitempty"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Error     string         `json:"error,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// AuditLogger writes one JSON audit event per line.
type AuditLogger struct {
	w         io.Writer
	closer    io.Closer
	component string
	mu        sync.Mutex
	now       func() time.Time
}

// NewAuditLogger writes audit events to w.
func NewAuditLogger(w io.Writer, component string) *AuditLogger {
	a := &AuditLogger{w: w, component: component, now: time.Now}
	if c, ok := w.(io.Closer); ok {
		a.closer = c
	}
	return a
}

// OpenAuditLog appends audit events to a rotating file at path.
func OpenAuditLog(path string, maxSizeMB int64, maxBackups int) (*AuditLogger, error) {
	f, err := OpenRotatingFile(path, maxSizeMB, maxBackups)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return NewAuditLogger(f, "provcert"), nil
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}

	data = append(data, '\n')
	if _, err := a.w.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

func result(ok bool) string {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// LogCertificateIssued records a new certificate.
func (a *AuditLogger) LogCertificateIssued(ctx context.Context, userID, certificateID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditCertificateIssued,
		UserID:    userID,
		Action:    "issue",
		Resource:  certificateID,
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogOptionsChanged records a display option change.
func (a *AuditLogger) LogOptionsChanged(ctx context.Context, userID, certificateID string, details map[string]any) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditOptionsChanged,
		UserID:    userID,
		Action:    "update_options",
		Resource:  certificateID,
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogVerification records a public verification attempt. Resource is the
// certificate ID when one was resolved.
func (a *AuditLogger) LogVerification(ctx context.Context, resource, outcome, sourceIP string, ok bool) error {
	res := result(ok)
	if outcome == "access_denied" {
		res = ResultDenied
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditVerification,
		Action:    "verify",
		Resource:  resource,
		Result:    res,
		SourceIP:  sourceIP,
		Details:   map[string]any{"outcome": outcome},
	})
}

// LogExport records a JSON export download.
func (a *AuditLogger) LogExport(ctx context.Context, certificateID, sourceIP string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditExport,
		Action:    "export",
		Resource:  certificateID,
		Result:    ResultSuccess,
		SourceIP:  sourceIP,
	})
}

// LogEventsIngested records an event batch stored for a document.
func (a *AuditLogger) LogEventsIngested(ctx context.Context, documentID string, received, stored int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventsIngested,
		Action:    "ingest",
		Resource:  documentID,
		Result:    ResultSuccess,
		Details:   map[string]any{"received": received, "stored": stored},
	})
}

// LogKeyGenerated records creation of a signing secret. The secret itself
// is never logged.
func (a *AuditLogger) LogKeyGenerated(ctx context.Context, path string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditKeyGenerated,
		Action:    "generate",
		Resource:  path,
		Result:    ResultSuccess,
	})
}

// LogConfigChange records a configuration reload.
func (a *AuditLogger) LogConfigChange(ctx context.Context, setting, oldValue, newValue string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditConfigChange,
		Action:    "modify",
		Resource:  setting,
		Result:    ResultSuccess,
		Details:   map[string]any{"old_value": oldValue, "new_value": newValue},
	})
}

// LogStartup records service start.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = map[string]any{}
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditStartup,
		Action:    "start",
		Result:    ResultSuccess,
		Details:   details,
	})
}

// LogShutdown records service shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string, err error) error {
	ev := AuditEvent{
		EventType: AuditShutdown,
		Action:    "stop",
		Result:    result(err == nil),
		Details:   map[string]any{"reason": reason},
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return a.Log(ctx, ev)
}

// Close closes the underlying writer when it is closable.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
