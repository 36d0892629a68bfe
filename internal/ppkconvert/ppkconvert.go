// Package ppkconvert converts PuTTY .ppk private-key files to OpenSSH
// format, preferring the external puttygen tool and falling back to a
// best-effort textual parser for unencrypted keys.
package ppkconvert

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

// ErrEncryptedKey is returned when the fallback parser encounters an
// encrypted PPK file it cannot decrypt.
var ErrEncryptedKey = errors.New("ppkconvert: key is encrypted, automatic conversion is not supported")

func candidatePuttygenPaths() []string {
	if runtime.GOOS != "windows" {
		return []string{"puttygen"}
	}
	paths := []string{"puttygen.exe"}
	if pf := os.Getenv("ProgramFiles"); pf != "" {
		paths = append(paths, pf+`\PuTTY\puttygen.exe`)
	}
	if pf86 := os.Getenv("ProgramFiles(x86)"); pf86 != "" {
		paths = append(paths, pf86+`\PuTTY\puttygen.exe`)
	}
	if local := os.Getenv("LOCALAPPDATA"); local != "" {
		paths = append(paths, local+`\Programs\PuTTY\puttygen.exe`)
	}
	return paths
}

// Convert transforms the PPK file at ppkPath into OpenSSH private-key text.
// passphrase is used only if the key is encrypted; pass "" for unencrypted
// keys.
func Convert(ppkPath, passphrase string) (string, error) {
	if out, err := convertViaPuttygen(ppkPath, passphrase); err == nil {
		return out, nil
	}
	return convertFallback(ppkPath)
}

func convertViaPuttygen(ppkPath, passphrase string) (string, error) {
	tempOut := uuid.New().String() + ".key"
	tempPath := inTempDir(tempOut)
	defer os.Remove(tempPath)

	var lastErr error
	for _, bin := range candidatePuttygenPaths() {
		args := []string{ppkPath, "-O", "private-openssh", "-o", tempPath}
		if passphrase != "" {
			args = append(args, "-P", passphrase)
		}
		cmd := exec.Command(bin, args...)
		out, err := cmd.CombinedOutput()
		if err != nil {
			lastErr = fmt.Errorf("puttygen %s: %w", bin, err)
			continue
		}
		if cmd.ProcessState != nil && !cmd.ProcessState.Success() {
			msg := strings.TrimSpace(string(out))
			if msg == "" {
				msg = "puttygen exited non-zero"
			}
			if strings.Contains(msg, "unrecognised option") || strings.Contains(msg, "unrecognized option") {
				// This puttygen build predates -O; no other candidate path will differ.
				break
			}
			lastErr = fmt.Errorf("puttygen conversion failed: %s", msg)
			continue
		}
		data, err := os.ReadFile(tempPath)
		if err != nil {
			lastErr = fmt.Errorf("read converted key: %w", err)
			continue
		}
		return string(data), nil
	}
	if lastErr == nil {
		lastErr = errors.New("no puttygen binary available")
	}
	return "", lastErr
}

// convertFallback implements the best-effort textual parser: it extracts
// Key-Type, Encryption and the base64 Private-Lines block, and wraps it in
// PEM headers chosen by key type. It does not re-encode the PPK's internal
// ASN.1 structure, so the result may still fail authentication.
func convertFallback(ppkPath string) (string, error) {
	f, err := os.Open(ppkPath)
	if err != nil {
		return "", fmt.Errorf("ppkconvert: read PPK file: %w", err)
	}
	defer f.Close()

	keyType := "ssh-rsa"
	encryption := "none"
	var keyData strings.Builder
	inKey := false

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "PuTTY-User-Key-File-"):
			keyType = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			continue
		case strings.HasPrefix(line, "Encryption:"):
			encryption = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			continue
		case strings.HasPrefix(line, "Key-Type:"):
			keyType = strings.TrimSpace(strings.SplitN(line, ":", 2)[1])
			continue
		case strings.HasPrefix(line, "Private-Lines:"):
			inKey = true
			continue
		}
		if inKey {
			// Base64 never contains ':', so any header line (Private-MAC:,
			// Public-Lines:) ends the block.
			if strings.TrimSpace(line) == "" || strings.Contains(line, ":") {
				break
			}
			keyData.WriteString(strings.TrimSpace(line))
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("ppkconvert: read PPK file: %w", err)
	}

	if encryption != "none" {
		return "", fmt.Errorf("%w (%s); convert manually with PuTTYgen GUI: Conversions -> Export OpenSSH key", ErrEncryptedKey, encryption)
	}
	if keyData.Len() == 0 {
		return "", errors.New("ppkconvert: no key data found in PPK file")
	}

	decoded, err := base64.StdEncoding.DecodeString(keyData.String())
	if err != nil {
		return "", fmt.Errorf("ppkconvert: decode PPK key data: %w", err)
	}

	formatted := wrap64(base64.StdEncoding.EncodeToString(decoded))
	return wrapPEM(keyType, formatted), nil
}

func wrap64(s string) string {
	var b strings.Builder
	for len(s) > 64 {
		b.WriteString(s[:64])
		b.WriteByte('\n')
		s = s[64:]
	}
	b.WriteString(s)
	return b.String()
}

func wrapPEM(keyType, body string) string {
	kt := strings.ToLower(keyType)
	var header string
	switch {
	case strings.Contains(kt, "rsa"):
		header = "RSA PRIVATE KEY"
	case strings.Contains(kt, "ed25519"):
		header = "OPENSSH PRIVATE KEY"
	case strings.Contains(kt, "ecdsa"):
		header = "EC PRIVATE KEY"
	default:
		header = "PRIVATE KEY"
	}
	return fmt.Sprintf("-----BEGIN %s-----\n%s\n-----END %s-----\n", header, body, header)
}
