package sshconn

import (
	"time"

	"github.com/fleetops/sshbatch/internal/vault"
)

// AuthKind identifies which variant of AuthMethod is populated.
type AuthKind int

const (
	AuthPassword AuthKind = iota
	AuthPrivateKey
	AuthPuttyKey
)

// AuthMethod is a tagged union over the three supported authentication
// variants. A tagged struct is used instead of an interface hierarchy
// because every variant is decrypted at the single call site inside
// Connect, per the vault's handling invariant.
type AuthMethod struct {
	Kind AuthKind

	// AuthPassword
	Password vault.EncryptedSecret

	// AuthPrivateKey
	KeyPath    string
	Passphrase vault.EncryptedSecret

	// AuthPuttyKey
	PuttyPath string
	// Passphrase (above) is reused for AuthPuttyKey.
}

// Config is the connection template for one (host, port, user, auth) attempt.
type Config struct {
	Host     string
	Port     int
	Username string
	Auth     AuthMethod

	Timeout time.Duration // bounds the TCP connect

	KeepAlive *time.Duration // advisory
	Compression *bool        // advisory
	CompressionLevel *int    // advisory

	ReconnectAttempts      int           // default 0
	ReconnectDelayBase     time.Duration // default 1s; doubled per attempt, capped at 32s

	KnownHostsPath string // advisory; "" disables the lookup
}

// CommandResult is what Execute returns for a single command.
type CommandResult struct {
	Stdout     string
	Stderr     string
	ExitStatus int // -1 when the channel reported none
	Host       string
	VehicleID  *string
}

// ExecuteOptions controls the optional vehicle_id side-channel read.
type ExecuteOptions struct {
	FetchVehicleID bool
}
