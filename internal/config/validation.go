package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"ransomwatch/internal/logging"
	"ransomwatch/internal/scan"
)

// ErrInvalidConfig is returned when validation fails.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Is lets errors.Is(err, ErrInvalidConfig) match.
func (e ValidationErrors) Is(target error) bool {
	return target == ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	fields := make([]string, len(e))
	for i, err := range e {
		fields[i] = err.Field
	}
	return fields
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateEntropy(&c.Entropy)...)
	errs = append(errs, validateEvents(&c.Events)...)
	errs = append(errs, validateQuarantine(&c.Quarantine)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateAudit(&c.Audit)...)
	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateNATS(&c.NATS)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateEntropy(e *EntropyConfig) ValidationErrors {
	var errs ValidationErrors

	if e.Root == "" {
		errs = append(errs, *RequiredFieldError("entropy.root"))
	}

	if _, err := scan.ParseMode(e.Mode); err != nil {
		errs = append(errs, ValidationError{
			Field:   "entropy.mode",
			Message: fmt.Sprintf("unknown mode %q (valid: individual, subdirectory-total, subdirectory-average, directory-total, directory-average or 1-5)", e.Mode),
		})
	}

	if e.PollIntervalMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "entropy.poll_interval_ms",
			Message: "poll interval must be at least 1ms",
		})
	}

	if e.EntropyThreshold <= 0 || e.EntropyThreshold > 8 {
		errs = append(errs, *RangeError("entropy.entropy_threshold", "0 (exclusive)", 8))
	}

	if e.ChangeThreshold <= 0 {
		errs = append(errs, ValidationError{
			Field:   "entropy.change_threshold",
			Message: "change threshold must be positive",
		})
	}

	for i, name := range e.Ignore {
		if name == "" || strings.ContainsRune(name, '/') {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("entropy.ignore[%d]", i),
				Message: fmt.Sprintf("ignore entries are single names, got %q", name),
			})
		}
	}

	return errs
}

func validateEvents(e *EventsConfig) ValidationErrors {
	var errs ValidationErrors

	switch e.Source {
	case SourceFSNotify, SourceStdin:
	case SourceInotifywait:
		if e.InotifywaitPath == "" {
			errs = append(errs, *RequiredFieldError("events.inotifywait_path"))
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "events.source",
			Message: fmt.Sprintf("invalid source: %s (valid: fsnotify, inotifywait, stdin)", e.Source),
		})
	}

	if e.EventThreshold < 1 {
		errs = append(errs, ValidationError{
			Field:   "events.event_threshold",
			Message: "event threshold must be at least 1",
		})
	}

	if e.TimeWindowMs < 1 {
		errs = append(errs, ValidationError{
			Field:   "events.time_window_ms",
			Message: "time window must be at least 1ms",
		})
	}

	if e.CooldownMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "events.cooldown_ms",
			Message: "cooldown cannot be negative",
		})
	}

	if e.RecentEvents < 0 {
		errs = append(errs, ValidationError{
			Field:   "events.recent_events",
			Message: "recent events cannot be negative",
		})
	}

	return errs
}

func validateQuarantine(q *QuarantineConfig) ValidationErrors {
	var errs ValidationErrors

	mode, err := parseFileMode(q.RestoreMode)
	if err != nil {
		errs = append(errs, ValidationError{
			Field:   "quarantine.restore_mode",
			Message: fmt.Sprintf("%v (expected octal like 0700)", err),
		})
	} else if mode == 0 {
		errs = append(errs, ValidationError{
			Field:   "quarantine.restore_mode",
			Message: "restore mode 0000 would leave the directory quarantined",
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	if _, err := logging.ParseLevel(l.Level); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	if _, err := logging.ParseFormat(l.Format); err != nil {
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: "file path is required when output is 'file' or 'both'",
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	errs = append(errs, validateRotation("logging", l.MaxSizeMB, l.MaxBackups, l.MaxAgeDays)...)
	return errs
}

func validateAudit(a *AuditConfig) ValidationErrors {
	if !a.Enabled {
		return nil
	}

	var errs ValidationErrors
	if a.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "audit.file_path",
			Message: "file path is required when audit is enabled",
		})
	}
	errs = append(errs, validateRotation("audit", a.MaxSizeMB, a.MaxBackups, a.MaxAgeDays)...)
	return errs
}

func validateRotation(section string, maxSizeMB, maxBackups, maxAgeDays int) ValidationErrors {
	var errs ValidationErrors

	if maxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   section + ".max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}

	if maxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   section + ".max_backups",
			Message: "max backups cannot be negative",
		})
	}

	if maxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   section + ".max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateStorage(s *StorageConfig) ValidationErrors {
	if !s.Enabled {
		return nil
	}

	var errs ValidationErrors
	if s.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.path",
			Message: "database path is required when storage is enabled",
		})
	}

	if s.BusyTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.busy_timeout_ms",
			Message: "busy timeout cannot be negative",
		})
	}
	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		}}
	}
	return nil
}

func validateNATS(n *NATSConfig) ValidationErrors {
	if !n.Enabled {
		return nil
	}

	var errs ValidationErrors
	if !isValidNATSURL(n.URL) {
		errs = append(errs, ValidationError{
			Field:   "nats.url",
			Message: fmt.Sprintf("invalid URL: %s (expected nats://, tls:// or ws://)", n.URL),
		})
	}

	if n.Subject == "" || strings.ContainsAny(n.Subject, " \t*>") {
		errs = append(errs, ValidationError{
			Field:   "nats.subject",
			Message: fmt.Sprintf("invalid publish subject %q", n.Subject),
		})
	}

	if n.ConnectTimeoutMs < 0 {
		errs = append(errs, ValidationError{
			Field:   "nats.connect_timeout_ms",
			Message: "connect timeout cannot be negative",
		})
	}
	return errs
}

// isValidNATSURL accepts a comma-separated server list.
func isValidNATSURL(raw string) bool {
	if raw == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		u, err := url.Parse(strings.TrimSpace(part))
		if err != nil || u.Host == "" {
			return false
		}
		switch u.Scheme {
		case "nats", "tls", "ws", "wss":
		default:
			return false
		}
	}
	return true
}

// RequiredFieldError creates a validation error for a required field.
func RequiredFieldError(field string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: "required field is missing",
	}
}

// RangeError creates a validation error for an out-of-range value.
func RangeError(field string, min, max any) *ValidationError {
	return &ValidationError{
		Field:   field,
		Message: fmt.Sprintf("value must be between %v and %v", min, max),
	}
}
