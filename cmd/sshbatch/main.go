// sshbatch runs a single shell command across a list of SSH hosts.
//
// Usage:
//
//	sshbatch --hosts hosts.txt --command "systemctl status nginx" --password-stdin
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fleetops/sshbatch/internal/audit"
	"github.com/fleetops/sshbatch/internal/batch"
	"github.com/fleetops/sshbatch/internal/cmdvalidate"
	"github.com/fleetops/sshbatch/internal/hostfile"
	"github.com/fleetops/sshbatch/internal/sshconn"
	"github.com/fleetops/sshbatch/internal/vault"
)

var (
	flagDefaults      = flag.String("defaults", "", "optional YAML defaults file")
	flagHosts         = flag.String("hosts", "", "host list file (.json or one ip[:port] per line)")
	flagCommand       = flag.String("command", "", "shell command to run on every host")
	flagUsername      = flag.String("username", "", "SSH username (overrides defaults file)")
	flagKeyPath       = flag.String("key", "", "private key path (mutually exclusive with --password-stdin)")
	flagPuttyPath     = flag.String("ppk", "", "PuTTY private key path (mutually exclusive with --key/--password-stdin)")
	flagPasswordStdin = flag.Bool("password-stdin", false, "read the SSH password from stdin")
	flagMaxConcurrent = flag.Int("max-concurrent", 0, "worker pool size (overrides defaults file)")
	flagRetry         = flag.Bool("retry-failed", false, "retry hosts that did not succeed")
	flagSkipValidate  = flag.Bool("skip-validation", false, "skip the command safety validator")
	flagVersion       = flag.Bool("version", false, "print version and exit")
)

const version = "0.1.0"

func main() {
	flag.Parse()
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if *flagVersion {
		fmt.Println("sshbatch", version)
		return
	}

	defaults, err := loadDefaults(*flagDefaults)
	if err != nil {
		log.Fatalf("[sshbatch] load defaults: %v", err)
	}

	if *flagHosts == "" || *flagCommand == "" {
		fmt.Fprintln(os.Stderr, "usage: sshbatch --hosts <file> --command <cmd> [--password-stdin | --key <path> | --ppk <path>]")
		os.Exit(2)
	}

	hosts, err := hostfile.Load(*flagHosts)
	if err != nil {
		log.Fatalf("[sshbatch] load hosts: %v", err)
	}

	v := vault.New()
	if err := v.Init(defaults.VaultDir); err != nil {
		log.Fatalf("[sshbatch] vault init: %v", err)
	}

	auth, err := buildAuth(v)
	if err != nil {
		log.Fatalf("[sshbatch] %v", err)
	}

	username := defaults.Username
	if *flagUsername != "" {
		username = *flagUsername
	}

	maxConcurrent := defaults.MaxConcurrent
	if *flagMaxConcurrent > 0 {
		maxConcurrent = *flagMaxConcurrent
	}

	req := batch.Request{
		Hosts:   hosts,
		Command: *flagCommand,
		ConfigTemplate: sshconn.Config{
			Username:          username,
			Port:              defaults.Port,
			Auth:              auth,
			Timeout:           defaults.connectTimeout(),
			ReconnectAttempts: defaults.ReconnectAttempts,
			KnownHostsPath:    defaults.KnownHostsPath,
		},
		MaxConcurrent:     maxConcurrent,
		RetryFailedHosts:  *flagRetry || defaults.RetryFailedHosts,
		RetryIntervalSecs: defaults.RetryIntervalSecs,
		SkipValidation:    *flagSkipValidate,
	}

	factory := sshconn.NewFactory(v, maxConcurrent)
	engine := batch.NewEngine(factory, cmdvalidate.New(), audit.NewLogSink())

	_, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("[sshbatch] received %v, cancelling in-flight batch", sig)
		engine.Cancel()
		cancel()
	}()

	sink := &stderrSink{}
	entries, err := engine.ExecuteBatch(req, sink)
	if err != nil {
		log.Fatalf("[sshbatch] batch failed: %v", err)
	}

	if err := json.NewEncoder(os.Stdout).Encode(entries); err != nil {
		log.Fatalf("[sshbatch] encode results: %v", err)
	}

	for _, e := range entries {
		if e.Error != nil {
			os.Exit(1)
		}
	}
}

// buildAuth assembles an sshconn.AuthMethod from the mutually exclusive
// --key/--ppk/--password-stdin flags, encrypting any secret read from
// stdin through the vault before it touches the rest of the program.
func buildAuth(v *vault.Vault) (sshconn.AuthMethod, error) {
	set := 0
	for _, f := range []bool{*flagKeyPath != "", *flagPuttyPath != "", *flagPasswordStdin} {
		if f {
			set++
		}
	}
	if set != 1 {
		return sshconn.AuthMethod{}, fmt.Errorf("exactly one of --key, --ppk or --password-stdin is required")
	}

	switch {
	case *flagKeyPath != "":
		return sshconn.AuthMethod{Kind: sshconn.AuthPrivateKey, KeyPath: *flagKeyPath}, nil
	case *flagPuttyPath != "":
		return sshconn.AuthMethod{Kind: sshconn.AuthPuttyKey, PuttyPath: *flagPuttyPath}, nil
	default:
		password, err := readLineFromStdin()
		if err != nil {
			return sshconn.AuthMethod{}, fmt.Errorf("read password from stdin: %w", err)
		}
		secret, err := v.Encrypt(password)
		if err != nil {
			return sshconn.AuthMethod{}, fmt.Errorf("encrypt password: %w", err)
		}
		return sshconn.AuthMethod{Kind: sshconn.AuthPassword, Password: secret}, nil
	}
}

func readLineFromStdin() (string, error) {
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("no input")
	}
	return strings.TrimRight(scanner.Text(), "\r\n"), nil
}

// stderrSink prints progress to stderr so stdout stays a clean JSON
// results stream suitable for piping.
type stderrSink struct{}

func (stderrSink) Emit(event string, payload any) {
	switch p := payload.(type) {
	case batch.BatchProgressPayload:
		fmt.Fprintf(os.Stderr, "[%d/%d] %s\n", p.Completed, p.Total, p.Host)
	case batch.BatchCompletePayload:
		fmt.Fprintf(os.Stderr, "execution #%d complete: %d results\n", p.ExecutionID, p.TotalResults)
	}
}
