package sshconn

import (
	"sync/atomic"
	"time"
)

// CancelToken is an observable, process-wide cancellation flag shared by a
// batch's workers and its retry-backoff sleeps. It replaces the global
// mutable boolean the original design used with an explicit dependency any
// owner can construct, reset and pass by reference.
type CancelToken struct {
	flag atomic.Bool
}

// NewCancelToken returns a token in the not-cancelled state.
func NewCancelToken() *CancelToken {
	return &CancelToken{}
}

// Cancel sets the flag. Idempotent.
func (t *CancelToken) Cancel() { t.flag.Store(true) }

// Reset clears the flag, e.g. at the start of a new batch.
func (t *CancelToken) Reset() { t.flag.Store(false) }

// IsCancelled reports the current state.
func (t *CancelToken) IsCancelled() bool { return t.flag.Load() }

const pollInterval = 100 * time.Millisecond

// SleepOrCancel sleeps for d, polling token every 100ms, and returns true
// as soon as cancellation is observed (returning before d has elapsed).
// Shared by the connect-retry backoff and the batch executor's retry-pass
// sleep so both honour the same 100ms cancellation granularity.
func SleepOrCancel(d time.Duration, token *CancelToken) (cancelled bool) {
	deadline := time.Now().Add(d)
	for {
		if token != nil && token.IsCancelled() {
			return true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if remaining > pollInterval {
			time.Sleep(pollInterval)
		} else {
			time.Sleep(remaining)
		}
	}
}

// backoffDelay computes the exponential, capped backoff for a 0-indexed
// connect attempt: base * 2^min(attempt,5), capped at 32s.
func backoffDelay(base time.Duration, attempt int) time.Duration {
	shift := attempt
	if shift > 5 {
		shift = 5
	}
	d := base * time.Duration(uint64(1)<<uint(shift))
	const capped = 32 * time.Second
	if d > capped {
		d = capped
	}
	return d
}
