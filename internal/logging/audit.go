package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup    AuditEventType = "startup"
	AuditEventShutdown   AuditEventType = "shutdown"
	AuditEventConfigLoad AuditEventType = "config_load"
	AuditEventProtect    AuditEventType = "quarantine_protect"
	AuditEventRestore    AuditEventType = "quarantine_restore"
	AuditEventBurst      AuditEventType = "burst"
	AuditEventPermission AuditEventType = "permission"
	AuditEventError      AuditEventType = "error"
)

// Audit results.
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// AuditEvent represents a security-relevant event.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource,omitempty"`
	Result    string         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	PID       int            `json:"pid"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   DefaultLogPath("audit.log"),
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "ransomwatch",
	}
}

// AuditLogger appends one JSON object per line for every security-relevant
// action.
type AuditLogger struct {
	config *AuditLoggerConfig
	w      io.Writer
	closer io.Closer
	mu     sync.Mutex
	now    func() time.Time
}

// NewAuditLogger opens the rotating audit file.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	f, err := newRotatingFile(cfg.FilePath, cfg.MaxSize, cfg.MaxAge, cfg.MaxBackups, cfg.Compress)
	if err != nil {
		return nil, fmt.Errorf("create audit log: %w", err)
	}

	return &AuditLogger{
		config: cfg,
		w:      f,
		closer: f,
		now:    time.Now,
	}, nil
}

// NewAuditWriter returns an AuditLogger writing to w. A nil w discards.
func NewAuditWriter(w io.Writer, component string) *AuditLogger {
	if w == nil {
		w = io.Discard
	}
	return &AuditLogger{
		config: &AuditLoggerConfig{Component: component},
		w:      w,
		now:    time.Now,
	}
}

// Log writes an audit event.
func (a *AuditLogger) Log(_ context.Context, event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = a.now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}
	event.PID = os.Getpid()

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

// LogStartup records daemon startup.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]any) error {
	if details == nil {
		details = make(map[string]any)
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "daemon_started",
		Details:   details,
	})
}

// LogShutdown records daemon shutdown.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "daemon_stopped",
		Details:   map[string]any{"reason": reason},
	})
}

// LogConfigLoad records which configuration file was applied.
func (a *AuditLogger) LogConfigLoad(ctx context.Context, path string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventConfigLoad,
		Action:    "config_loaded",
		Resource:  path,
	})
}

// LogQuarantine records a protect or restore attempt on dir.
func (a *AuditLogger) LogQuarantine(ctx context.Context, protect bool, dir string, err error) error {
	event := AuditEvent{
		EventType: AuditEventRestore,
		Action:    "directory_restored",
		Resource:  dir,
	}
	if protect {
		event.EventType = AuditEventProtect
		event.Action = "directory_protected"
	}
	if err != nil {
		event.Result = ResultFailure
		event.Error = err.Error()
	}
	return a.Log(ctx, event)
}

// LogBurst records a fired burst.
func (a *AuditLogger) LogBurst(ctx context.Context, dir string, count int) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventBurst,
		Action:    "burst_detected",
		Resource:  dir,
		Details:   map[string]any{"events_in_window": count},
	})
}

// LogError records a failed operation.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    ResultFailure,
		Error:     err.Error(),
	})
}

// Close closes the audit file.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	return a.closer.Close()
}
