// Package logging wraps zerolog with the event fields, redaction and
// truncation rules every component shares. Request scope (request id, session
// id, group) is threaded explicitly; no hidden context extraction.
package logging

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// Scope carries the request-scoped identifiers appended to every event when
// present. A zero Scope adds nothing.
type Scope struct {
	RequestID string
	SessionID string
	Group     string
}

// Logger emits structured key/value events. Warning and error events are
// expected to carry operation, stage, dependency, cause_type and remediation
// fields; Warn and Error take them positionally so call sites cannot forget.
type Logger struct {
	zl   zerolog.Logger
	sink *Sink
}

// New builds a Logger on top of an existing zerolog.Logger. sink may be nil.
func New(zl zerolog.Logger, sink *Sink) *Logger {
	return &Logger{zl: zl, sink: sink}
}

// Nop returns a logger that discards everything; used in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

const (
	maxValueLen     = 2048
	truncatedMarker = "...[truncated]"
	redactedValue   = "[REDACTED]"
)

var (
	sensitiveKeyRe = regexp.MustCompile(`(?i)(token|secret|password|authorization|api_key)`)
	// Long unbroken base64/hex runs and JWT-shaped values are masked even
	// under innocent field names.
	credentialValueRe = regexp.MustCompile(`^(eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+|[A-Fa-f0-9]{40,}|[A-Za-z0-9+/=_-]{64,})$`)
)

func sanitizeValue(key, val string) string {
	if sensitiveKeyRe.MatchString(key) {
		return redactedValue
	}
	if credentialValueRe.MatchString(val) {
		return redactedValue
	}
	if len(val) > maxValueLen {
		return val[:maxValueLen] + truncatedMarker
	}
	return val
}

func (l *Logger) emit(ev *zerolog.Event, event string, scope Scope, fields map[string]string) {
	ev = ev.Str("event", event)
	if scope.RequestID != "" {
		ev = ev.Str("request_id", scope.RequestID)
	}
	if scope.SessionID != "" {
		ev = ev.Str("session_id", scope.SessionID)
	}
	if scope.Group != "" {
		ev = ev.Str("group", scope.Group)
	}
	for k, v := range fields {
		ev = ev.Str(k, sanitizeValue(k, v))
	}
	ev.Msg(event)
	if l.sink != nil {
		l.sink.Enqueue(event, scope, fields)
	}
}

// Event emits an info-level event with arbitrary fields.
func (l *Logger) Event(event string, scope Scope, fields map[string]string) {
	l.emit(l.zl.Info(), event, scope, fields)
}

// Debug emits a debug-level event.
func (l *Logger) Debug(event string, scope Scope, fields map[string]string) {
	l.emit(l.zl.Debug(), event, scope, fields)
}

// Warn emits a warning with the required taxonomy fields.
func (l *Logger) Warn(event string, scope Scope, operation, stage, dependency, causeType, remediation string, extra map[string]string) {
	l.emit(l.zl.Warn(), event, scope, withRequired(extra, operation, stage, dependency, causeType, remediation))
}

// Error emits an error with the required taxonomy fields.
func (l *Logger) Error(event string, scope Scope, operation, stage, dependency, causeType, remediation string, extra map[string]string) {
	l.emit(l.zl.Error(), event, scope, withRequired(extra, operation, stage, dependency, causeType, remediation))
}

func withRequired(extra map[string]string, operation, stage, dependency, causeType, remediation string) map[string]string {
	out := make(map[string]string, len(extra)+5)
	for k, v := range extra {
		out[k] = v
	}
	out["operation"] = operation
	out["stage"] = stage
	out["dependency"] = dependency
	out["cause_type"] = causeType
	out["remediation"] = remediation
	return out
}

// CauseType reduces an error to a short classification string for the
// cause_type field.
func CauseType(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "context deadline exceeded"):
		return "timeout"
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"):
		return "connect"
	default:
		if i := strings.IndexByte(msg, ':'); i > 0 && i < 40 {
			return msg[:i]
		}
		if len(msg) > 40 {
			return msg[:40]
		}
		return msg
	}
}
