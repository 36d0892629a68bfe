// Package batch implements the batch SSH command executor: given a list of
// target hosts and a single shell command, it schedules per-host work over
// a bounded worker pool, streams ordered completion events, consolidates a
// final result list, and optionally retries hosts that did not succeed.
package batch

import (
	"github.com/fleetops/sshbatch/internal/sshconn"
)

// HostEntry is what a host-list loader produces; the core only depends on
// its shape, never on how it was parsed.
type HostEntry struct {
	IP       string
	Port     *int
	Hostname string
	Metadata map[string]string
}

// Request is one batch invocation.
type Request struct {
	Hosts             []HostEntry
	ConfigTemplate    sshconn.Config // host/port are overwritten per host
	Command           string
	MaxConcurrent     int // default 50
	RetryFailedHosts  bool
	RetryIntervalSecs int // default 30
	SkipValidation    bool
}

// ResultEntry is the per-host outcome. Exactly one of Result/Error is set.
type ResultEntry struct {
	Host   string
	Result *sshconn.CommandResult
	Error  *string
}

// CommandValidator is consumed once per batch before dispatch, unless the
// request opts out via SkipValidation.
type CommandValidator interface {
	Validate(command string) error
}

// AuditSink receives structured audit log calls at batch start, per-host
// start/finish, retry boundaries, cancel, and batch end.
type AuditSink interface {
	Log(level, action, details string)
}

// EventSink receives the three ordered per-batch events.
type EventSink interface {
	Emit(event string, payload any)
}

// BatchResultPayload is the batch-result event payload.
type BatchResultPayload struct {
	Entry ResultEntry
}

// BatchProgressPayload is the batch-progress event payload.
type BatchProgressPayload struct {
	Completed int
	Total     int
	Host      string
}

// BatchCompletePayload is the batch-complete event payload.
type BatchCompletePayload struct {
	ExecutionID  uint64
	TotalResults int
}
