// package shared holds the helpers every other package leans on: logging,
// ids, configuration, errors, and database access.
package shared

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// NewLogger returns a [log.Logger] writing to w with timestamps and caller
// reporting on. A nil writer falls back to [os.Stderr].
func NewLogger(w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}
	opts := log.Options{ReportTimestamp: true, ReportCaller: true}
	return log.NewWithOptions(w, opts)
}

// WithLogger returns a child of l carrying the given key-value pairs on
// every entry. Components use it to tag their log lines.
func WithLogger(l *log.Logger, kv ...any) *log.Logger {
	return l.With(kv...)
}

// SetLogLevel adjusts l's minimum level.
func SetLogLevel(l *log.Logger, ll log.Level) {
	l.SetLevel(ll)
}

// GenerateID returns a fresh v4 UUID string. Job and row ids all come from
// here.
func GenerateID() string {
	return uuid.New().String()
}
