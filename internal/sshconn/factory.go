package sshconn

import "github.com/fleetops/sshbatch/internal/vault"

// Factory is a thin constructor that produces a fresh Connection per
// request. It holds no cache: lifetime of a Connection equals the
// lifetime of its owning reference in the caller, typically a single
// Execute call inside the batch executor.
type Factory struct {
	MaxConcurrent int
	Vault         *vault.Vault
}

// NewFactory constructs a Factory backed by v with the given concurrency
// ceiling (advisory to callers; the factory itself does not enforce it —
// the batch executor's worker pool does).
func NewFactory(v *vault.Vault, maxConcurrent int) *Factory {
	return &Factory{MaxConcurrent: maxConcurrent, Vault: v}
}

// Create opens a fresh connection per cfg, honoring cfg.ReconnectAttempts.
func (f *Factory) Create(cfg Config) (*Connection, error) {
	return ConnectWithRetry(cfg, f.Vault, nil)
}

// CreateCancellable is identical to Create but threads token into the
// retry wrapper's backoff sleep.
func (f *Factory) CreateCancellable(cfg Config, token *CancelToken) (*Connection, error) {
	return ConnectWithRetry(cfg, f.Vault, token)
}
