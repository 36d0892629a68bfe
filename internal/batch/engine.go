package batch

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fleetops/sshbatch/internal/sshconn"
)

const (
	defaultMaxConcurrent  = 50
	defaultRetryIntervalS = 30
	maxRetryPasses        = 10
)

const (
	errSuperseded   = "execution superseded"
	errCancelledMsg = "execution cancelled"
)

// sshSession is the subset of *sshconn.Connection the engine depends on.
// It exists as a seam so tests can substitute a fake transport without a
// real network.
type sshSession interface {
	Execute(command string, opts sshconn.ExecuteOptions) (*sshconn.CommandResult, error)
	Close() error
}

// connectionFactory is the subset of *sshconn.Factory the engine depends on.
type connectionFactory interface {
	CreateCancellable(cfg sshconn.Config, token *sshconn.CancelToken) (sshSession, error)
}

// factoryAdapter lets the concrete *sshconn.Factory satisfy connectionFactory;
// Go requires an exact return-type match for interface satisfaction, so the
// adapter re-exposes Connection as the narrower sshSession.
type factoryAdapter struct{ f *sshconn.Factory }

func (a factoryAdapter) CreateCancellable(cfg sshconn.Config, token *sshconn.CancelToken) (sshSession, error) {
	return a.f.CreateCancellable(cfg, token)
}

// Engine owns the batch executor's process-wide mutable state (execution
// identity, cancellation flag) as explicit fields on a value constructed
// once at startup, rather than as package-level globals.
type Engine struct {
	Factory   connectionFactory
	Validator CommandValidator
	Audit     AuditSink

	executionCounter atomic.Uint64
	currentExecution atomic.Uint64
	cancel           sshconn.CancelToken
}

// NewEngine constructs an Engine. validator and audit may be nil, in which
// case validation and audit logging are skipped.
func NewEngine(factory *sshconn.Factory, validator CommandValidator, audit AuditSink) *Engine {
	return &Engine{Factory: factoryAdapter{f: factory}, Validator: validator, Audit: audit}
}

// newEngineWithFactory wires an arbitrary connectionFactory, e.g. a fake
// used by tests.
func newEngineWithFactory(factory connectionFactory, validator CommandValidator, audit AuditSink) *Engine {
	return &Engine{Factory: factory, Validator: validator, Audit: audit}
}

// Cancel requests cancellation of the in-flight batch, if any.
func (e *Engine) Cancel() {
	e.cancel.Cancel()
}

func (e *Engine) log(level, action, details string) {
	if e.Audit == nil {
		return
	}
	if len(details) > 200 {
		details = details[:200]
	}
	e.Audit.Log(level, action, details)
}

type hostJob struct {
	host sshconn.Config
	ip   string
}

// ExecuteBatch runs req to completion, following the sequence described for
// the batch executor: execution-id allocation, preflight validation,
// bounded dispatch, ordered event forwarding, and an optional retry loop.
func (e *Engine) ExecuteBatch(req Request, sink EventSink) ([]ResultEntry, error) {
	executionID := e.executionCounter.Add(1)
	e.currentExecution.Store(executionID)
	e.cancel.Reset()

	if len(req.Hosts) == 0 {
		return nil, errors.New("batch: host list is empty")
	}

	if !req.SkipValidation && e.Validator != nil {
		if err := e.Validator.Validate(req.Command); err != nil {
			return nil, fmt.Errorf("batch: command validation: %w", err)
		}
	}

	if req.ConfigTemplate.Auth.Kind == sshconn.AuthPrivateKey {
		if req.ConfigTemplate.Auth.KeyPath == "" {
			return nil, errors.New("batch: private key auth configured with no key_path")
		}
		if _, err := os.Stat(req.ConfigTemplate.Auth.KeyPath); err != nil {
			return nil, fmt.Errorf("batch: key_path %s: %w", req.ConfigTemplate.Auth.KeyPath, err)
		}
	}
	if req.ConfigTemplate.Auth.Kind == sshconn.AuthPuttyKey {
		if req.ConfigTemplate.Auth.PuttyPath == "" {
			return nil, errors.New("batch: putty key auth configured with no ppk_path")
		}
		if _, err := os.Stat(req.ConfigTemplate.Auth.PuttyPath); err != nil {
			return nil, fmt.Errorf("batch: ppk_path %s: %w", req.ConfigTemplate.Auth.PuttyPath, err)
		}
	}

	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = defaultMaxConcurrent
	}

	e.log("INFO", "batch_start", fmt.Sprintf("execution #%d: %d hosts", executionID, len(req.Hosts)))

	entries := make([]ResultEntry, len(req.Hosts))
	jobs := buildJobs(req)

	e.runPass(executionID, jobs, req.Command, maxConcurrent, sink, entries)

	total := len(entries)
	if sink != nil {
		sink.Emit("batch-complete", BatchCompletePayload{ExecutionID: executionID, TotalResults: total})
	}
	e.log("INFO", "batch_end", fmt.Sprintf("execution #%d complete: %d results", executionID, total))

	if e.cancel.IsCancelled() {
		e.log("INFO", "batch_cancelled", fmt.Sprintf("execution #%d cancelled", executionID))
		return entries, nil
	}

	if req.RetryFailedHosts {
		e.retryLoop(executionID, req, sink, entries)
	}

	return entries, nil
}

func buildJobs(req Request) []hostJob {
	jobs := make([]hostJob, len(req.Hosts))
	for i, h := range req.Hosts {
		cfg := req.ConfigTemplate
		cfg.Host = h.IP
		if h.Port != nil {
			cfg.Port = *h.Port
		}
		jobs[i] = hostJob{host: cfg, ip: h.IP}
	}
	return jobs
}

// runPass executes jobs over a bounded worker pool and writes results
// directly into entries at the same index order as req.Hosts, forwarding
// ordered events through sink.
func (e *Engine) runPass(executionID uint64, jobs []hostJob, command string, maxConcurrent int, sink EventSink, entries []ResultEntry) {
	type indexedEntry struct {
		index int
		entry ResultEntry
	}

	eventsCh := make(chan indexedEntry, len(jobs))
	var forwarderWG sync.WaitGroup
	forwarderWG.Add(1)
	completed := 0
	go func() {
		defer forwarderWG.Done()
		for ie := range eventsCh {
			if e.currentExecution.Load() != executionID {
				continue // stale execution, dropped at the forwarder per the supersession contract
			}
			completed++
			if sink != nil {
				sink.Emit("batch-result", BatchResultPayload{Entry: ie.entry})
				sink.Emit("batch-progress", BatchProgressPayload{Completed: completed, Total: len(jobs), Host: ie.entry.Host})
			}
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrent)

	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			entry := e.runOneHost(executionID, job, command)
			entries[i] = entry
			eventsCh <- indexedEntry{index: i, entry: entry}
			return nil
		})
	}
	g.Wait()
	close(eventsCh)
	forwarderWG.Wait()
}

func (e *Engine) runOneHost(executionID uint64, job hostJob, command string) ResultEntry {
	if e.currentExecution.Load() != executionID {
		return errorEntry(job.ip, errSuperseded)
	}
	if e.cancel.IsCancelled() {
		return errorEntry(job.ip, errCancelledMsg)
	}

	e.log("DEBUG", "batch_host_start", fmt.Sprintf("connecting to %s", job.ip))

	conn, err := e.Factory.CreateCancellable(job.host, &e.cancel)
	if err != nil {
		if e.cancel.IsCancelled() {
			return errorEntry(job.ip, errCancelledMsg)
		}
		msg := friendlyConnectError(job.ip, err)
		e.log("ERROR", "batch_host_connection_error", msg)
		return errorEntry(job.ip, msg)
	}
	defer conn.Close()

	if e.cancel.IsCancelled() {
		return errorEntry(job.ip, errCancelledMsg)
	}

	result, err := conn.Execute(command, sshconn.ExecuteOptions{})
	if e.currentExecution.Load() != executionID {
		return errorEntry(job.ip, errSuperseded)
	}
	if err != nil {
		if e.cancel.IsCancelled() {
			return errorEntry(job.ip, errCancelledMsg)
		}
		e.log("ERROR", "batch_host_error", fmt.Sprintf("%s: %v", job.ip, err))
		msg := err.Error()
		return ResultEntry{Host: job.ip, Error: &msg}
	}

	e.log("DEBUG", "batch_host_finish", fmt.Sprintf("%s exit=%d", job.ip, result.ExitStatus))
	return ResultEntry{Host: job.ip, Result: result}
}

func errorEntry(host, msg string) ResultEntry {
	m := msg
	return ResultEntry{Host: host, Error: &m}
}

// friendlyConnectError maps common low-level failures to an operator
// facing message, following the same branches the original used for
// connect-time errors.
func friendlyConnectError(host string, err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "key_path is empty") || strings.Contains(msg, "ppk_path is empty"):
		return fmt.Sprintf("connecting to %s: no key path configured", host)
	case strings.Contains(msg, "key file") && strings.Contains(msg, "no such file"):
		return fmt.Sprintf("connecting to %s: key file not found, check the configured path", host)
	case strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "authentication") || strings.Contains(msg, "permission denied"):
		return fmt.Sprintf("connecting to %s: authentication failed; verify the key, passphrase and remote user", host)
	case strings.Contains(msg, "connection refused"):
		return fmt.Sprintf("connecting to %s: connection refused; verify the host is reachable and the port is correct", host)
	case strings.Contains(msg, "i/o timeout") || strings.Contains(msg, "timed out"):
		return fmt.Sprintf("connecting to %s: timed out; verify the host is reachable and check the configured timeout", host)
	default:
		return fmt.Sprintf("connecting to %s: %s", host, msg)
	}
}

// retryLoop runs up to maxRetryPasses additional passes over hosts whose
// entry still has no Result, sleeping RetryIntervalSecs between passes
// (polled for cancellation), runs each pass through runPass (so every
// retried host's outcome is also streamed through sink), and merges
// successes into entries in place.
func (e *Engine) retryLoop(executionID uint64, req Request, sink EventSink, entries []ResultEntry) {
	interval := req.RetryIntervalSecs
	if interval <= 0 {
		interval = defaultRetryIntervalS
	}

	hostsByIP := make(map[string]HostEntry, len(req.Hosts))
	for _, h := range req.Hosts {
		hostsByIP[h.IP] = h
	}

	for pass := 0; pass < maxRetryPasses; pass++ {
		var failedIdx []int
		for i, entry := range entries {
			if entry.Result == nil {
				failedIdx = append(failedIdx, i)
			}
		}
		if len(failedIdx) == 0 {
			return
		}

		e.log("INFO", "batch_retry_pass", fmt.Sprintf("execution #%d retry pass %d: %d hosts", executionID, pass+1, len(failedIdx)))

		if sshconn.SleepOrCancel(time.Duration(interval)*time.Second, &e.cancel) {
			e.log("INFO", "batch_retry_cancelled", fmt.Sprintf("execution #%d retry loop cancelled", executionID))
			return
		}

		jobs := make([]hostJob, len(failedIdx))
		for j, idx := range failedIdx {
			h := hostsByIP[entries[idx].Host]
			cfg := req.ConfigTemplate
			cfg.Host = h.IP
			if h.Port != nil {
				cfg.Port = *h.Port
			}
			jobs[j] = hostJob{host: cfg, ip: h.IP}
		}

		maxConcurrent := req.MaxConcurrent
		if maxConcurrent <= 0 {
			maxConcurrent = defaultMaxConcurrent
		}
		results := make([]ResultEntry, len(jobs))
		e.runPass(executionID, jobs, req.Command, maxConcurrent, sink, results)

		for j, idx := range failedIdx {
			merged := results[j]
			if merged.Result != nil {
				entries[idx] = merged
			} else if merged.Error != nil {
				entries[idx].Error = merged.Error
			}
		}
	}
}
