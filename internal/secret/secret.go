// SPDX-License-Identifier: MPL-2.0

// Package secret holds ephemeral sudo/SSH passwords encrypted in memory
// and materializes one-shot askpass scripts for sudo -A, matching spec
// §4.9. Encryption uses AES-256-GCM the way the stdlib crypto/cipher
// examples recommend: a random per-secret salt/IV, authenticated
// ciphertext, and a key that never leaves the process.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrDisposed is returned by every Handler method once Dispose has run.
var ErrDisposed = errors.New("secret: handler disposed")

type sealed struct {
	salt       [16]byte
	nonce      [12]byte
	ciphertext []byte
}

// Handler is a per-instance AES-256-GCM secret store plus askpass-script
// bookkeeping. The zero value is not usable; construct with NewHandler.
type Handler struct {
	mu       sync.Mutex
	key      [32]byte
	secrets  map[string]sealed
	tempDirs string
	tempFile map[string]string
	disposed bool
}

// NewHandler returns a ready Handler backed by a fresh random key.
// tempDir overrides os.TempDir for askpass script placement; empty
// means "use the OS default."
func NewHandler(tempDir string) (*Handler, error) {
	var key [32]byte
	if _, err := rand.Read(key[:]); err != nil {
		return nil, fmt.Errorf("secret: generate key: %w", err)
	}
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Handler{
		key:      key,
		secrets:  make(map[string]sealed),
		tempDirs: tempDir,
		tempFile: make(map[string]string),
	}, nil
}

// StorePassword encrypts plaintext under id.
func (h *Handler) StorePassword(id, plaintext string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return ErrDisposed
	}

	block, err := aes.NewCipher(h.key[:])
	if err != nil {
		return fmt.Errorf("secret: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("secret: new gcm: %w", err)
	}

	var s sealed
	if _, err := rand.Read(s.salt[:]); err != nil {
		return fmt.Errorf("secret: salt: %w", err)
	}
	if _, err := rand.Read(s.nonce[:]); err != nil {
		return fmt.Errorf("secret: nonce: %w", err)
	}
	s.ciphertext = gcm.Seal(nil, s.nonce[:], []byte(plaintext), s.salt[:])

	h.secrets[id] = s
	return nil
}

// RetrievePassword decrypts the secret stored under id.
func (h *Handler) RetrievePassword(id string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return "", ErrDisposed
	}

	s, ok := h.secrets[id]
	if !ok {
		return "", fmt.Errorf("secret: %q not found", id)
	}

	block, err := aes.NewCipher(h.key[:])
	if err != nil {
		return "", fmt.Errorf("secret: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret: new gcm: %w", err)
	}

	plaintext, err := gcm.Open(nil, s.nonce[:], s.ciphertext, s.salt[:])
	if err != nil {
		return "", fmt.Errorf("secret: decrypt %q: %w", id, err)
	}
	return string(plaintext), nil
}

// EscapeSingleQuotes performs the exhaustive ' -> '\'' substitution
// every sudo-delivery method in the ssh adapter relies on, applied
// exactly once per embedding.
func EscapeSingleQuotes(s string) string {
	return strings.ReplaceAll(s, "'", `'\''`)
}

// CreateAskPassScript writes a minimal `#!/bin/sh\necho '<escaped>'`
// script with mode 0700 under a random id in the handler's temp
// directory, tracks it for cleanup, and returns its path.
func (h *Handler) CreateAskPassScript(password string) (string, error) {
	h.mu.Lock()
	if h.disposed {
		h.mu.Unlock()
		return "", ErrDisposed
	}
	dir := h.tempDirs
	h.mu.Unlock()

	id := uuid.NewString()
	path := filepath.Join(dir, "askpass-"+id+".sh")
	content := "#!/bin/sh\necho '" + EscapeSingleQuotes(password) + "'\n"

	if err := os.WriteFile(path, []byte(content), 0o700); err != nil {
		return "", fmt.Errorf("secret: write askpass script: %w", err)
	}

	h.mu.Lock()
	h.tempFile[path] = path
	h.mu.Unlock()
	return path, nil
}

// RemoveAskPassScript deletes a previously created script and stops
// tracking it. Called on the command's cleanup path regardless of
// whether the command itself succeeded — cleanup is scheduled
// independently of execution outcome (spec §4.9 contract (b)).
func (h *Handler) RemoveAskPassScript(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.tempFile, path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("secret: remove askpass script: %w", err)
	}
	return nil
}

// MaskPassword replaces every occurrence of password in command with
// ***MASKED*** — the last line of defense before a command string
// reaches a log line or error message.
func MaskPassword(command, password string) string {
	if password == "" {
		return command
	}
	return strings.ReplaceAll(command, password, "***MASKED***")
}

// Dispose zeros every stored ciphertext, deletes every tracked temp
// file, and marks the handler unusable. Safe to call more than once.
func (h *Handler) Dispose() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.disposed {
		return nil
	}
	h.disposed = true

	for id, s := range h.secrets {
		zero(s.ciphertext)
		zero(s.salt[:])
		zero(s.nonce[:])
		delete(h.secrets, id)
	}
	zero(h.key[:])

	var firstErr error
	for path := range h.tempFile {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
		delete(h.tempFile, path)
	}
	return firstErr
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
