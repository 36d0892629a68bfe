// Package sshconn implements one SSH session per (host, port, user, auth)
// attempt: connect with optional cancellable backoff, authenticate via
// password, OpenSSH key or PuTTY PPK, execute a command, and release the
// underlying socket on Close.
package sshconn

import (
	"encoding/json"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/fleetops/sshbatch/internal/vault"
)

const vehicleIDPath = "/opt/mnt2/configurator/conf/main.json"

// Connection wraps one live SSH client. Callers must call Close exactly
// once; Close is safe even on a connection that never finished
// authenticating.
type Connection struct {
	host   string
	client *ssh.Client
}

// Host returns the hostname this connection was opened against.
func (c *Connection) Host() string { return c.host }

// Connect performs the full connect phase (resolve, dial, handshake,
// advisory known_hosts read, authenticate) with no retry.
func Connect(cfg Config, v *vault.Vault) (*Connection, error) {
	return connectOnce(cfg, v)
}

// ConnectWithRetry wraps Connect with the exponential, cancellable backoff
// described for ReconnectAttempts. token may be nil.
func ConnectWithRetry(cfg Config, v *vault.Vault, token *CancelToken) (*Connection, error) {
	var lastErr error
	attempts := cfg.ReconnectAttempts
	for attempt := 0; attempt <= attempts; attempt++ {
		if attempt > 0 {
			delay := backoffDelay(firstNonZero(cfg.ReconnectDelayBase, time.Second), attempt-1)
			if SleepOrCancel(delay, token) {
				return nil, ErrCancelled
			}
		}
		if token != nil && token.IsCancelled() {
			return nil, ErrCancelled
		}
		conn, err := connectOnce(cfg, v)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

func firstNonZero(d, fallback time.Duration) time.Duration {
	if d <= 0 {
		return fallback
	}
	return d
}

func connectOnce(cfg Config, v *vault.Vault) (*Connection, error) {
	username := cfg.Username
	if username == "" {
		username = "root"
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	authMethod, cleanup, err := buildAuthMethod(cfg.Auth, v)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	clientConfig := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: hostKeyCallback(cfg.KnownHostsPath),
		Timeout:         timeout,
	}

	if cfg.KeepAlive != nil {
		log.Printf("[sshconn] keep_alive is advisory only and is not forwarded to the transport")
	}
	if cfg.Compression != nil || cfg.CompressionLevel != nil {
		log.Printf("[sshconn] compression settings are advisory only and are not forwarded to the transport")
	}

	rawConn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, newErr(KindConnection, fmt.Sprintf("dial %s", addr), err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(rawConn, addr, clientConfig)
	if err != nil {
		rawConn.Close()
		return nil, newErr(KindConnection, fmt.Sprintf("handshake %s", addr), err)
	}

	client := ssh.NewClient(sshConn, chans, reqs)
	return &Connection{host: cfg.Host, client: client}, nil
}

// buildAuthMethod decrypts the secret(s) needed for the given auth variant
// and returns an ssh.AuthMethod plus a cleanup func that zeroizes any
// plaintext obtained along the way. cleanup must be called exactly once,
// after the handshake completes or fails.
func buildAuthMethod(auth AuthMethod, v *vault.Vault) (ssh.AuthMethod, func(), error) {
	noop := func() {}

	switch auth.Kind {
	case AuthPassword:
		if auth.Password.Empty() {
			return nil, noop, newErr(KindSecurity, "password auth selected but no secret present", nil)
		}
		plain, err := v.Decrypt(auth.Password)
		if err != nil {
			return nil, noop, newErr(KindSecurity, "decrypt password", err)
		}
		password := plain.String()
		return ssh.Password(password), func() { plain.Close() }, nil

	case AuthPrivateKey:
		if auth.KeyPath == "" {
			return nil, noop, newErr(KindFile, "private key auth selected but key_path is empty", nil)
		}
		if _, err := os.Stat(auth.KeyPath); err != nil {
			return nil, noop, newErr(KindFile, fmt.Sprintf("key file %s", auth.KeyPath), err)
		}
		keyBytes, err := os.ReadFile(auth.KeyPath)
		if err != nil {
			return nil, noop, newErr(KindFile, fmt.Sprintf("read key file %s", auth.KeyPath), err)
		}

		var signer ssh.Signer
		if !auth.Passphrase.Empty() {
			plain, err := v.Decrypt(auth.Passphrase)
			if err != nil {
				return nil, noop, newErr(KindSecurity, "decrypt key passphrase", err)
			}
			defer plain.Close()
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(plain.String()))
			if err != nil {
				return nil, noop, newErr(KindParse, "parse passphrase-protected private key", err)
			}
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
			if err != nil {
				return nil, noop, newErr(KindParse, "parse private key", err)
			}
		}
		return ssh.PublicKeys(signer), noop, nil

	case AuthPuttyKey:
		return buildPuttyKeyAuth(auth, v)

	default:
		return nil, noop, newErr(KindSecurity, "no auth method configured", nil)
	}
}

// Execute runs command to completion on a fresh channel and returns its
// stdout/stderr/exit status. opts.FetchVehicleID optionally reads the
// vehicle_id side channel afterward; it is skipped by default for
// throughput, per the batch executor's default call.
func (c *Connection) Execute(command string, opts ExecuteOptions) (*CommandResult, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return nil, newErr(KindSSH, "open session", err)
	}
	defer session.Close()

	var stdout, stderr strings.Builder
	session.Stdout = &stdout
	session.Stderr = &stderr

	exitStatus := -1
	runErr := session.Run(command)
	if runErr != nil {
		if exitErr, ok := runErr.(*ssh.ExitError); ok {
			exitStatus = exitErr.ExitStatus()
		} else {
			return nil, newErr(KindSSH, "run command", runErr)
		}
	} else {
		exitStatus = 0
	}

	result := &CommandResult{
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitStatus: exitStatus,
		Host:       c.host,
	}

	if opts.FetchVehicleID {
		result.VehicleID = c.readVehicleID()
	}

	return result, nil
}

// readVehicleID best-effort reads the vehicle_id metadata side channel.
// Any failure is logged at warn level and yields nil, never an error.
func (c *Connection) readVehicleID() *string {
	session, err := c.client.NewSession()
	if err != nil {
		log.Printf("[sshconn] vehicle_id: open session: %v", err)
		return nil
	}
	defer session.Close()

	var out strings.Builder
	session.Stdout = &out
	if err := session.Run("cat " + vehicleIDPath); err != nil {
		log.Printf("[sshconn] vehicle_id: read %s: %v", vehicleIDPath, err)
		return nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(out.String()), &doc); err != nil {
		log.Printf("[sshconn] vehicle_id: parse JSON: %v", err)
		return nil
	}

	if id := digString(doc, "bp", "gjkz", "VehicleID"); id != "" {
		return &id
	}
	if id := digString(doc, "bp", "VehicleID"); id != "" {
		return &id
	}
	if id := digString(doc, "VehicleID"); id != "" {
		return &id
	}
	log.Printf("[sshconn] vehicle_id: key not found in %s", vehicleIDPath)
	return nil
}

func digString(doc map[string]any, path ...string) string {
	var cur any = doc
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return ""
		}
		cur, ok = m[key]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}

// Close sends a best-effort disconnect and releases the underlying socket.
// Safe to call on a connection that never finished authenticating.
func (c *Connection) Close() error {
	if c.client == nil {
		return nil
	}
	if err := c.client.Close(); err != nil {
		log.Printf("[sshconn] close %s: %v", c.host, err)
	}
	return nil
}
