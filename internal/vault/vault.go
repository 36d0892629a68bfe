// Package vault provides authenticated encryption for short-lived secrets
// (passwords, key passphrases) held in memory by the SSH connection layer,
// plus the unrelated settings-password hashing (HashForStorage/Verify).
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	keySize = 32 // AES-256

	// BcryptCost matches the cost used for the appliance's other
	// password-at-rest feature rather than bcrypt's library default.
	BcryptCost = 12

	keyFileName = "encryption.key"
)

var (
	// ErrNotInitialised is returned when encrypt/decrypt is called before a key exists.
	ErrNotInitialised = errors.New("vault: not initialised")
	// ErrKeyFileWrongSize is returned when an on-disk key file is not keySize bytes.
	ErrKeyFileWrongSize = errors.New("vault: key file has wrong size")
	// ErrAuthFailed wraps any AEAD open failure. It must never be retried automatically.
	ErrAuthFailed = errors.New("vault: decryption authentication failed")
)

// EncryptedSecret is an AEAD ciphertext/nonce pair. The zero value
// (both fields nil) is the sentinel for "no secret".
type EncryptedSecret struct {
	Ciphertext []byte
	Nonce      []byte
}

// Empty reports whether s represents "no secret".
func (s EncryptedSecret) Empty() bool {
	return len(s.Ciphertext) == 0 && len(s.Nonce) == 0
}

// Vault holds one process-wide AES-256-GCM key, optionally persisted to disk.
type Vault struct {
	mu  sync.Mutex
	key []byte // nil until Init succeeds
}

// New constructs an uninitialised Vault. Call Init before Encrypt/Decrypt.
func New() *Vault {
	return &Vault{}
}

// Init loads the key from <dir>/encryption.key, generating and persisting
// one if absent. If dir is empty, a process-local key is generated and a
// warning is logged, since secrets will not survive a restart.
func (v *Vault) Init(dir string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if dir == "" {
		log.Printf("[vault] no app-data directory configured; using a process-local key (secrets will not survive a restart)")
		k := make([]byte, keySize)
		if _, err := io.ReadFull(rand.Reader, k); err != nil {
			return fmt.Errorf("vault: generate process-local key: %w", err)
		}
		v.key = k
		return nil
	}

	path := filepath.Join(dir, keyFileName)
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != keySize {
			return ErrKeyFileWrongSize
		}
		v.key = data
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("vault: read key file: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("vault: create app-data directory: %w", err)
	}
	k := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, k); err != nil {
		return fmt.Errorf("vault: generate key: %w", err)
	}
	if err := os.WriteFile(path, k, 0o600); err != nil {
		return fmt.Errorf("vault: persist key: %w", err)
	}
	if runtime.GOOS != "windows" {
		if err := os.Chmod(path, 0o600); err != nil {
			log.Printf("[vault] chmod %s: %v", path, err)
		}
	}
	v.key = k
	return nil
}

func (v *Vault) gcm() (cipher.AEAD, error) {
	if v.key == nil {
		return nil, ErrNotInitialised
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under a fresh 96-bit nonce.
func (v *Vault) Encrypt(plaintext string) (EncryptedSecret, error) {
	v.mu.Lock()
	gcm, err := v.gcm()
	v.mu.Unlock()
	if err != nil {
		return EncryptedSecret{}, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return EncryptedSecret{}, fmt.Errorf("vault: %w", err)
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	return EncryptedSecret{Ciphertext: ciphertext, Nonce: nonce}, nil
}

// Decrypt opens an EncryptedSecret and returns a ZeroizingString holding the
// plaintext. Callers MUST defer Close on the result so the backing bytes are
// overwritten before the memory is released.
func (v *Vault) Decrypt(secret EncryptedSecret) (*ZeroizingString, error) {
	v.mu.Lock()
	gcm, err := v.gcm()
	v.mu.Unlock()
	if err != nil {
		return nil, err
	}

	plaintext, err := gcm.Open(nil, secret.Nonce, secret.Ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}
	return newZeroizingString(plaintext), nil
}

// HashForStorage hashes a settings password with bcrypt.
func (v *Vault) HashForStorage(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("vault: %w", err)
	}
	return string(hash), nil
}

// Verify checks a settings password against its bcrypt hash.
func (v *Vault) Verify(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
