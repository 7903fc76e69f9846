package log

import (
	"fmt"
	stdlog "log"
	"os"
	"strings"
)

// At package initialisation configure the standard logger to include
// timestamps and file/line information.  This aids in debugging while
// remaining light weight.  If you wish to integrate with a more
// sophisticated structured logger such as Zap or Logrus you can do so
// here.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelError
)

var minLevel = LevelError

func init() {
	stdlog.SetFlags(stdlog.LstdFlags | stdlog.Lshortfile)
	switch strings.ToLower(strings.TrimSpace(os.Getenv("LOG_LEVEL"))) {
	case "debug":
		minLevel = LevelDebug
	case "info":
		minLevel = LevelInfo
	default:
		minLevel = LevelError
	}
}

// Entry provides a minimal structure for logging contextual
// information.  Each Entry carries the owning user identifier and the
// gateway instance name which are included in log output.  The service
// name is hard coded as "secretaria".
type Entry struct {
	UserID   string
	Instance string
}

// WithUser constructs a new Entry with the given user ID.  Use this
// helper when logging events associated with a particular user's
// integration.
func WithUser(userID string) *Entry {
	return &Entry{UserID: userID}
}

// WithInstance returns a copy of the current entry with the supplied
// gateway instance name set.  This is useful when logging actions
// related to a specific messaging instance.
func (e *Entry) WithInstance(instance string) *Entry {
	return &Entry{UserID: e.UserID, Instance: instance}
}

// Info emits an informational log message.  The service, user and
// instance identifiers are automatically included as structured fields.
func (e *Entry) Info(format string, args ...interface{}) {
	if minLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	stdlog.Printf("level=info service=secretaria user_id=%s instance=%s %s", e.UserID, e.Instance, msg)
}

// Error emits an error log message.  The service, user and instance
// identifiers are automatically included as structured fields.
func (e *Entry) Error(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	stdlog.Printf("level=error service=secretaria user_id=%s instance=%s %s", e.UserID, e.Instance, msg)
}

// Debug emits a debug log message gated by LOG_LEVEL.
func (e *Entry) Debug(format string, args ...interface{}) {
	if minLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	stdlog.Printf("level=debug service=secretaria user_id=%s instance=%s %s", e.UserID, e.Instance, msg)
}

// Package-level helpers for logs not tied to a particular Entry/user
func Debugf(format string, args ...interface{}) {
	if minLevel > LevelDebug {
		return
	}
	stdlog.Printf("level=debug service=secretaria %s", fmt.Sprintf(format, args...))
}

func Infof(format string, args ...interface{}) {
	if minLevel > LevelInfo {
		return
	}
	stdlog.Printf("level=info service=secretaria %s", fmt.Sprintf(format, args...))
}

func Errorf(format string, args ...interface{}) {
	stdlog.Printf("level=error service=secretaria %s", fmt.Sprintf(format, args...))
}
