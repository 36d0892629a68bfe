// Package audit provides the default batch.AuditSink: a structured log
// line per call, written through the standard logger with a bracketed
// subsystem tag, matching the rest of the daemon's logging convention.
package audit

import (
	"log"

	"github.com/fleetops/sshbatch/internal/cmdvalidate"
)

// LogSink writes audit entries through the standard library logger.
// The zero value is ready to use.
type LogSink struct{}

// NewLogSink returns a ready-to-use LogSink.
func NewLogSink() *LogSink { return &LogSink{} }

// Log writes one audit line. details is masked for common secret field
// patterns and truncated to 200 characters before being logged; callers
// may still pass pre-truncated details, in which case truncation is a no-op.
func (LogSink) Log(level, action, details string) {
	log.Printf("[audit] %s %s: %s", level, action, cmdvalidate.MaskSensitive(details))
}
