package batch

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fleetops/sshbatch/internal/sshconn"
)

type fakeConn struct {
	host    string
	execute func() (*sshconn.CommandResult, error)
	closed  bool
}

func (c *fakeConn) Execute(command string, opts sshconn.ExecuteOptions) (*sshconn.CommandResult, error) {
	return c.execute()
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

// fakeFactory dispatches per-host behavior from a map keyed by IP, falling
// back to a default behavior for hosts not listed.
type fakeFactory struct {
	mu       sync.Mutex
	behavior map[string]func() (*sshconn.CommandResult, error)
	fail     map[string]error
	attempts map[string]int
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		behavior: make(map[string]func() (*sshconn.CommandResult, error)),
		fail:     make(map[string]error),
		attempts: make(map[string]int),
	}
}

func (f *fakeFactory) CreateCancellable(cfg sshconn.Config, token *sshconn.CancelToken) (sshSession, error) {
	f.mu.Lock()
	f.attempts[cfg.Host]++
	f.mu.Unlock()

	if err, ok := f.fail[cfg.Host]; ok {
		return nil, err
	}
	exec, ok := f.behavior[cfg.Host]
	if !ok {
		exec = func() (*sshconn.CommandResult, error) {
			return &sshconn.CommandResult{Stdout: "ok", ExitStatus: 0, Host: cfg.Host}, nil
		}
	}
	return &fakeConn{host: cfg.Host, execute: exec}, nil
}

type nopAudit struct{}

func (nopAudit) Log(level, action, details string) {}

type collectingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *collectingSink) Emit(event string, payload any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func hostsOf(ips ...string) []HostEntry {
	out := make([]HostEntry, len(ips))
	for i, ip := range ips {
		out[i] = HostEntry{IP: ip}
	}
	return out
}

func TestExecuteBatchSingleSuccess(t *testing.T) {
	factory := newFakeFactory()
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	req := Request{
		Hosts:   hostsOf("10.0.0.1"),
		Command: "echo hi",
	}
	sink := &collectingSink{}
	entries, err := engine.ExecuteBatch(req, sink)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	if entries[0].Result == nil || entries[0].Error != nil {
		t.Fatalf("expected a successful result, got %+v", entries[0])
	}
}

func TestExecuteBatchEmptyHostsIsPreflightError(t *testing.T) {
	factory := newFakeFactory()
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	_, err := engine.ExecuteBatch(Request{Hosts: nil, Command: "echo hi"}, nil)
	if err == nil {
		t.Fatal("expected a preflight error for an empty host list")
	}
}

func TestExecuteBatchLengthMatchesHosts(t *testing.T) {
	factory := newFakeFactory()
	factory.fail["b"] = errors.New("connection refused")
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	req := Request{Hosts: hostsOf("a", "b", "c"), Command: "echo hi"}
	entries, err := engine.ExecuteBatch(req, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for _, e := range entries {
		hasResult := e.Result != nil
		hasError := e.Error != nil
		if hasResult == hasError {
			t.Errorf("entry %+v should have exactly one of result/error set", e)
		}
	}
}

func TestExecuteBatchExactlyOneAttemptWithNoReconnect(t *testing.T) {
	factory := newFakeFactory()
	factory.fail["flaky"] = errors.New("connection refused")
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	req := Request{Hosts: hostsOf("flaky"), Command: "echo hi"}
	if _, err := engine.ExecuteBatch(req, nil); err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if factory.attempts["flaky"] != 1 {
		t.Errorf("expected exactly 1 connect attempt, got %d", factory.attempts["flaky"])
	}
}

func TestExecuteBatchSkipValidationSkipsValidator(t *testing.T) {
	factory := newFakeFactory()
	validator := &countingValidator{rejectAll: true}
	engine := newEngineWithFactory(factory, validator, nopAudit{})

	req := Request{Hosts: hostsOf("a"), Command: "rm -rf /", SkipValidation: true}
	_, err := engine.ExecuteBatch(req, nil)
	if err != nil {
		t.Fatalf("expected validation to be skipped, got error: %v", err)
	}
	if validator.calls != 0 {
		t.Errorf("expected validator not to be called, got %d calls", validator.calls)
	}
}

func TestExecuteBatchValidatorRejectsCommand(t *testing.T) {
	factory := newFakeFactory()
	validator := &countingValidator{rejectAll: true}
	engine := newEngineWithFactory(factory, validator, nopAudit{})

	req := Request{Hosts: hostsOf("a"), Command: "rm -rf /"}
	if _, err := engine.ExecuteBatch(req, nil); err == nil {
		t.Fatal("expected validation error")
	}
	if validator.calls != 1 {
		t.Errorf("expected validator to be called once, got %d", validator.calls)
	}
}

type countingValidator struct {
	rejectAll bool
	calls     int
}

func (v *countingValidator) Validate(command string) error {
	v.calls++
	if v.rejectAll {
		return errors.New("rejected")
	}
	return nil
}

func TestExecuteBatchRetryRecovers(t *testing.T) {
	factory := newFakeFactory()
	var attempt int
	var mu sync.Mutex
	factory.behavior["x"] = func() (*sshconn.CommandResult, error) {
		mu.Lock()
		attempt++
		n := attempt
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("transient failure")
		}
		return &sshconn.CommandResult{Stdout: "ok", ExitStatus: 0, Host: "x"}, nil
	}
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	req := Request{
		Hosts:             hostsOf("x"),
		Command:           "echo hi",
		RetryFailedHosts:  true,
		RetryIntervalSecs: 0,
	}
	entries, err := engine.ExecuteBatch(req, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if entries[0].Result == nil {
		t.Fatalf("expected retry to recover, got %+v", entries[0])
	}
	if entries[0].Error != nil {
		t.Errorf("expected no error after recovery, got %v", *entries[0].Error)
	}
}

func TestExecuteBatchCancelMidFlight(t *testing.T) {
	factory := newFakeFactory()
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	started := make(chan struct{})
	var once sync.Once
	factory.behavior["slow"] = func() (*sshconn.CommandResult, error) {
		once.Do(func() { close(started) })
		time.Sleep(300 * time.Millisecond)
		return &sshconn.CommandResult{Stdout: "ok", Host: "slow"}, nil
	}

	req := Request{
		Hosts:         hostsOf("slow", "queued-1", "queued-2"),
		Command:       "echo hi",
		MaxConcurrent: 1,
	}

	go func() {
		<-started
		engine.Cancel()
	}()

	entries, err := engine.ExecuteBatch(req, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries even when cancelled, got %d", len(entries))
	}

	foundCancelled := false
	for _, e := range entries {
		if e.Error != nil && *e.Error == "execution cancelled" {
			foundCancelled = true
		}
	}
	if !foundCancelled {
		t.Error("expected at least one entry carrying \"execution cancelled\"")
	}
}

func TestExecuteBatchSupersededExecutionIsMarked(t *testing.T) {
	factory := newFakeFactory()
	engine := newEngineWithFactory(factory, nil, nopAudit{})

	blockA := make(chan struct{})
	factory.behavior["a-host"] = func() (*sshconn.CommandResult, error) {
		<-blockA
		return &sshconn.CommandResult{Stdout: "late", Host: "a-host"}, nil
	}

	doneA := make(chan []ResultEntry, 1)
	go func() {
		entries, _ := engine.ExecuteBatch(Request{Hosts: hostsOf("a-host"), Command: "echo a"}, nil)
		doneA <- entries
	}()

	// Give the first execution's worker time to observe its own
	// execution id before B supersedes it.
	time.Sleep(50 * time.Millisecond)

	entriesB, err := engine.ExecuteBatch(Request{Hosts: hostsOf("b-host"), Command: "echo b"}, nil)
	if err != nil {
		t.Fatalf("ExecuteBatch B: %v", err)
	}
	if entriesB[0].Result == nil {
		t.Fatalf("expected B to complete successfully, got %+v", entriesB[0])
	}

	close(blockA)
	entriesA := <-doneA
	if entriesA[0].Result != nil {
		t.Errorf("expected A's worker to observe supersession once it unblocks, got result %+v", entriesA[0])
	}
}
