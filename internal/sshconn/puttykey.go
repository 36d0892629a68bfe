package sshconn

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/fleetops/sshbatch/internal/ppkconvert"
	"github.com/fleetops/sshbatch/internal/vault"
)

// buildPuttyKeyAuth verifies the PPK file exists, decrypts its passphrase,
// runs the PPK converter, writes the OpenSSH result to a unique temp file,
// tries key-file auth first without a passphrase (the converter may
// already have produced a decrypted key) and then with it, always
// deleting the temp file on every exit path.
func buildPuttyKeyAuth(auth AuthMethod, v *vault.Vault) (ssh.AuthMethod, func(), error) {
	noop := func() {}

	if auth.PuttyPath == "" {
		return nil, noop, newErr(KindFile, "putty key auth selected but ppk_path is empty", nil)
	}
	if _, err := os.Stat(auth.PuttyPath); err != nil {
		return nil, noop, newErr(KindFile, fmt.Sprintf("ppk file %s", auth.PuttyPath), err)
	}

	var passphrase string
	if !auth.Passphrase.Empty() {
		plain, err := v.Decrypt(auth.Passphrase)
		if err != nil {
			return nil, noop, newErr(KindSecurity, "decrypt ppk passphrase", err)
		}
		defer plain.Close()
		passphrase = plain.String()
	}

	converted, err := ppkconvert.Convert(auth.PuttyPath, passphrase)
	if err != nil {
		return nil, noop, newErr(KindParse, "convert ppk to openssh", err)
	}

	tempPath := filepath.Join(os.TempDir(), "sshbatch_key_"+uuid.New().String())
	if err := os.WriteFile(tempPath, []byte(converted), 0o600); err != nil {
		return nil, noop, newErr(KindFile, "write temp key file", err)
	}
	defer os.Remove(tempPath)

	keyBytes, err := os.ReadFile(tempPath)
	if err != nil {
		return nil, noop, newErr(KindFile, "read back temp key file", err)
	}

	if signer, err := ssh.ParsePrivateKey(keyBytes); err == nil {
		return ssh.PublicKeys(signer), noop, nil
	}

	if passphrase != "" {
		if signer, err := ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(passphrase)); err == nil {
			return ssh.PublicKeys(signer), noop, nil
		}
	}

	return nil, noop, newErr(KindParse, "converted ppk key did not parse as an openssh private key", nil)
}
