package sshconn

import (
	"log"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// hostKeyCallback builds the advisory host-key check described for Connect
// step 4: if path is set and parses, host keys are verified against it;
// any read/parse failure, or an empty path, falls back to accepting any
// host key (logged at warn level). A missing known_hosts file is never
// treated as fatal.
func hostKeyCallback(path string) ssh.HostKeyCallback {
	if path == "" {
		return ssh.InsecureIgnoreHostKey()
	}
	if _, err := os.Stat(path); err != nil {
		log.Printf("[sshconn] known_hosts %s unavailable (%v); skipping host key verification", path, err)
		return ssh.InsecureIgnoreHostKey()
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		log.Printf("[sshconn] known_hosts %s failed to parse (%v); skipping host key verification", path, err)
		return ssh.InsecureIgnoreHostKey()
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := cb(hostname, remote, key); err != nil {
			log.Printf("[sshconn] host key check failed for %s: %v", hostname, err)
			return err
		}
		return nil
	}
}
