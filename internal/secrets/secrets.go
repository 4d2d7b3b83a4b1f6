// Package secrets manages rotation of the two long-lived credentials
// the operator holds outside the trading vault: the HMAC secret
// ingress signatures are verified against, and the upstream signal
// provider's API credential. Each rotates independently when Rotate is
// called (cmd/operatord runs no rotation timer) and both honor a grace window during
// which the previous value still verifies, so a rotation never races
// an in-flight signed request. The on-disk record of the previous
// secret is sealed with ChaCha20-Poly1305 rather than written in the
// clear, mirroring the vault's "never persist key material unsealed"
// rule even though this is a lower-value secret than the trading key.
package secrets

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
)

// Kind distinguishes the two rotating secrets tracked here.
type Kind string

const (
	KindIngressMAC  Kind = "ingress_mac"
	KindUpstreamAPI Kind = "upstream_api"
)

// Secret is one rotating credential with its grace-expired predecessor.
type Secret struct {
	Current          []byte
	Previous         []byte
	PreviousExpiresAt time.Time
}

// Manager holds the live secrets behind a mutex (rotation is rare and
// infrequent enough that a plain lock, not an atomic pointer, is the
// right tool here -- unlike internal/config's hot path of frequent
// reads).
type Manager struct {
	mu      sync.RWMutex
	secrets map[Kind]*Secret

	path string
	seal cipher
}

type cipher interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
}

// record is the on-disk shape: one sealed blob per secret file.
type record struct {
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// New creates a manager backed by dataDir/secrets.sealed, encrypted
// with sealKey (32 bytes, typically derived from the vault's trading
// key via Vault.SharedSecret or an operator-supplied master key).
func New(dataDir string, sealKey [32]byte) (*Manager, error) {
	aead, err := chacha20poly1305.New(sealKey[:])
	if err != nil {
		return nil, fmt.Errorf("secrets: init aead: %w", err)
	}
	m := &Manager{
		secrets: make(map[Kind]*Secret),
		path:    filepath.Join(dataDir, "secrets.sealed"),
		seal:    aead,
	}
	if err := m.load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	return m, nil
}

// Bootstrap generates an initial random secret for kind if none
// exists yet.
func (m *Manager) Bootstrap(kind Kind, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.secrets[kind]; ok {
		return nil
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return fmt.Errorf("secrets: generate %s: %w", kind, err)
	}
	m.secrets[kind] = &Secret{Current: buf}
	return m.persistLocked()
}

// Rotate replaces the current secret for kind with a freshly
// generated one of the same length, demoting the old value to
// Previous with an expiry of graceWindow from now. Requests signed
// with the old secret keep verifying until it expires.
func (m *Manager) Rotate(kind Kind, graceWindow time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.secrets[kind]
	if !ok {
		return fmt.Errorf("secrets: %s not bootstrapped", kind)
	}
	fresh := make([]byte, len(existing.Current))
	if _, err := io.ReadFull(rand.Reader, fresh); err != nil {
		return fmt.Errorf("secrets: generate replacement for %s: %w", kind, err)
	}

	m.secrets[kind] = &Secret{
		Current:           fresh,
		Previous:          existing.Current,
		PreviousExpiresAt: time.Now().Add(graceWindow),
	}
	return m.persistLocked()
}

// Verify reports whether candidate matches either the current secret
// or the not-yet-expired previous one for kind.
func (m *Manager) Verify(kind Kind, candidate []byte, matches func(secret, candidate []byte) bool) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.secrets[kind]
	if !ok {
		return false
	}
	if matches(s.Current, candidate) {
		return true
	}
	if s.Previous != nil && time.Now().Before(s.PreviousExpiresAt) {
		return matches(s.Previous, candidate)
	}
	return false
}

// Current returns the active secret bytes for kind, for signing
// outgoing requests (e.g. the upstream API credential).
func (m *Manager) Current(kind Kind) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.secrets[kind]
	if !ok {
		return nil, fmt.Errorf("secrets: %s not bootstrapped", kind)
	}
	out := make([]byte, len(s.Current))
	copy(out, s.Current)
	return out, nil
}

// ExpirePrevious drops previous secrets past their grace window.
// cmd/operatord does not call it on a schedule.
func (m *Manager) ExpirePrevious() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	now := time.Now()
	for _, s := range m.secrets {
		if s.Previous != nil && now.After(s.PreviousExpiresAt) {
			s.Previous = nil
			s.PreviousExpiresAt = time.Time{}
			changed = true
		}
	}
	if changed {
		return m.persistLocked()
	}
	return nil
}

func (m *Manager) persistLocked() error {
	plaintext, err := json.Marshal(m.secrets)
	if err != nil {
		return fmt.Errorf("secrets: marshal: %w", err)
	}

	nonce := make([]byte, m.seal.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("secrets: generate nonce: %w", err)
	}
	ciphertext := m.seal.Seal(nil, nonce, plaintext, nil)

	rec := record{Nonce: nonce, Ciphertext: ciphertext}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("secrets: marshal record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(m.path), 0o700); err != nil {
		return fmt.Errorf("secrets: create dir: %w", err)
	}
	return os.WriteFile(m.path, data, 0o600)
}

func (m *Manager) load() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return fmt.Errorf("secrets: parse record: %w", err)
	}
	plaintext, err := m.seal.Open(nil, rec.Nonce, rec.Ciphertext, nil)
	if err != nil {
		return errors.New("secrets: unable to open sealed record (wrong key or corrupt file)")
	}
	return json.Unmarshal(plaintext, &m.secrets)
}
