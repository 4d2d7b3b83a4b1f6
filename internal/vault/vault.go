// Package vault stores the operator's on-chain trading keypair
// encrypted at rest, unlocked by an operator-supplied passphrase. It
// generalizes the same NaCl primitives the node identity layer uses
// for P2P message encryption to a single-secret, disk-resident
// keystore: a 32-byte symmetric key derived via HKDF-SHA512 from the
// passphrase seals an Ed25519 seed with secretbox, and a BIP-39 mnemonic gives the
// operator an offline backup that does not depend on the vault file
// surviving.
package vault

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"filippo.io/edwards25519"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	saltSize  = 16
	nonceSize = 24
	seedSize  = ed25519.SeedSize // 32
)

var (
	ErrLocked       = errors.New("vault: locked")
	ErrWrongPassphrase = errors.New("vault: wrong passphrase or corrupt vault")
)

// sealedFile is the on-disk JSON envelope.
type sealedFile struct {
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// Vault holds the encrypted trading key on disk and, once unlocked,
// the live signing key in memory.
type Vault struct {
	path string

	unlocked   bool
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
}

// New returns a handle over the vault file at path. Callers must call
// either Unlock or GenerateAndSeal before Sign/PublicKey work.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether a sealed vault file is already present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// GenerateAndSeal creates a fresh Ed25519 trading keypair, seals it
// with passphrase, writes it to disk, and returns the BIP-39 mnemonic
// encoding the seed for offline backup. The vault is left unlocked
// (holding the new key) so the caller can start trading immediately.
func (v *Vault) GenerateAndSeal(passphrase string) (mnemonic string, publicKey ed25519.PublicKey, err error) {
	seed := make([]byte, seedSize)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return "", nil, fmt.Errorf("vault: generate seed: %w", err)
	}

	mnemonic, err = bip39.NewMnemonic(seed)
	if err != nil {
		return "", nil, fmt.Errorf("vault: encode mnemonic: %w", err)
	}

	if err := v.sealSeed(seed, passphrase); err != nil {
		return "", nil, err
	}

	priv := ed25519.NewKeyFromSeed(seed)
	v.privateKey = priv
	v.publicKey = priv.Public().(ed25519.PublicKey)
	v.unlocked = true
	return mnemonic, v.publicKey, nil
}

// RestoreFromMnemonic re-derives the seed from a BIP-39 mnemonic
// (the operator's offline backup) and reseals the vault under a new
// passphrase, the recovery path when the vault file itself is lost.
func (v *Vault) RestoreFromMnemonic(mnemonic, newPassphrase string) (ed25519.PublicKey, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("vault: invalid mnemonic")
	}
	entropy, err := bip39.EntropyFromMnemonic(mnemonic)
	if err != nil {
		return nil, fmt.Errorf("vault: decode mnemonic: %w", err)
	}
	if len(entropy) != seedSize {
		return nil, fmt.Errorf("vault: unexpected seed length %d", len(entropy))
	}

	if err := v.sealSeed(entropy, newPassphrase); err != nil {
		return nil, err
	}
	priv := ed25519.NewKeyFromSeed(entropy)
	v.privateKey = priv
	v.publicKey = priv.Public().(ed25519.PublicKey)
	v.unlocked = true
	return v.publicKey, nil
}

// Unlock decrypts the on-disk vault with passphrase, loading the
// trading key into memory.
func (v *Vault) Unlock(passphrase string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("vault: read %s: %w", v.path, err)
	}
	var sf sealedFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return fmt.Errorf("vault: parse %s: %w", v.path, err)
	}
	if len(sf.Nonce) != nonceSize || len(sf.Salt) != saltSize {
		return ErrWrongPassphrase
	}

	key, err := deriveKey(passphrase, sf.Salt)
	if err != nil {
		return err
	}

	var nonce [nonceSize]byte
	copy(nonce[:], sf.Nonce)
	seed, ok := secretbox.Open(nil, sf.Ciphertext, &nonce, &key)
	if !ok {
		return ErrWrongPassphrase
	}
	if len(seed) != seedSize {
		return ErrWrongPassphrase
	}

	priv := ed25519.NewKeyFromSeed(seed)
	v.privateKey = priv
	v.publicKey = priv.Public().(ed25519.PublicKey)
	v.unlocked = true
	return nil
}

// Lock discards the in-memory key material.
func (v *Vault) Lock() {
	for i := range v.privateKey {
		v.privateKey[i] = 0
	}
	v.privateKey = nil
	v.unlocked = false
}

// PublicKey returns the trading key's public half. Available even
// when locked if the vault has been unlocked at least once this
// process lifetime, since the public key is not secret.
func (v *Vault) PublicKey() (ed25519.PublicKey, error) {
	if v.publicKey == nil {
		return nil, ErrLocked
	}
	return v.publicKey, nil
}

// Sign signs msg with the trading key. Used by the bundle builder to
// authorize outgoing transactions; never exposes the raw private key
// to callers.
func (v *Vault) Sign(msg []byte) ([]byte, error) {
	if !v.unlocked {
		return nil, ErrLocked
	}
	return ed25519.Sign(v.privateKey, msg), nil
}

func (v *Vault) sealSeed(seed []byte, passphrase string) error {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("vault: generate salt: %w", err)
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return err
	}

	var nonce [nonceSize]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := secretbox.Seal(nil, seed, &nonce, &key)
	sf := sealedFile{Salt: salt, Nonce: nonce[:], Ciphertext: ciphertext}

	data, err := json.Marshal(sf)
	if err != nil {
		return fmt.Errorf("vault: marshal sealed file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("vault: create vault dir: %w", err)
	}
	return os.WriteFile(v.path, data, 0o600)
}

// deriveKey stretches passphrase+salt into a 32-byte secretbox key
// via HKDF-SHA512. Unlike a P2P ephemeral key exchange, there is no
// peer public key here: the "shared secret" is the passphrase itself,
// so HKDF's info parameter pins the derivation to this vault's
// purpose.
func deriveKey(passphrase string, salt []byte) ([32]byte, error) {
	var key [32]byte
	kdf := hkdf.New(sha512.New, []byte(passphrase), salt, []byte("operatord/vault/trading-key"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return key, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}

// x25519PublicFromEd25519 converts the vault's Ed25519 public key to
// its X25519 Montgomery form, for components that need to run a
// Diffie-Hellman exchange (e.g. an encrypted operator-API channel)
// against the same identity key rather than provisioning a second
// keypair.
func x25519PublicFromEd25519(pub ed25519.PublicKey) ([32]byte, error) {
	var out [32]byte
	point, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("vault: invalid ed25519 public key: %w", err)
	}
	copy(out[:], point.BytesMontgomery())
	return out, nil
}

// SharedSecret derives an X25519 ECDH shared secret between this
// vault's trading key and a peer's Ed25519 public key, grounding the
// same curve25519.X25519 call the node identity layer uses for P2P
// message encryption.
func (v *Vault) SharedSecret(peerEd25519Pub ed25519.PublicKey) ([]byte, error) {
	if !v.unlocked {
		return nil, ErrLocked
	}
	h := sha512.Sum512(v.privateKey.Seed())
	h[0] &= 248
	h[31] &= 127
	h[31] |= 64
	var localPriv [32]byte
	copy(localPriv[:], h[:32])

	peerX25519, err := x25519PublicFromEd25519(peerEd25519Pub)
	if err != nil {
		return nil, err
	}
	return curve25519.X25519(localPriv[:], peerX25519[:])
}
