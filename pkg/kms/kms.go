// Package kms owns the lifecycle of the vault's symmetric keys.
//
// Keys are versioned. Rotation adds a new active version while older versions
// stay available so values sealed under them can still be opened and
// re-sealed.
package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length.
const KeySize = 32

var (
	// ErrUnknownVersion is returned when a key version is not in the keyring.
	ErrUnknownVersion = errors.New("kms: unknown key version")

	// ErrDerivedKeyring is returned when rotating or importing into a keyring
	// derived from a master secret. Its key changes only with the secret.
	ErrDerivedKeyring = errors.New("kms: keyring is derived from a master secret")
)

// Keyring hands out versioned 32-byte keys.
type Keyring interface {
	// ActiveVersion returns the version new values are sealed under.
	ActiveVersion() int
	// Key returns the raw key for version.
	Key(version int) ([]byte, error)
	// Rotate generates a new active key. Old keys remain for decryption.
	Rotate() (int, error)
}

// Keystore is the on-disk JSON format for persisted keys.
type Keystore struct {
	ActiveVersion int               `json:"active_version"`
	Keys          map[string]string `json:"keys"` // version -> base64 key
}

// LocalKMS is a Keyring persisted as a JSON keystore file. With an empty
// path it is memory-only and its keys die with the process.
type LocalKMS struct {
	mu      sync.RWMutex
	path    string
	active  int
	keys    map[int][]byte
	derived bool
}

// NewMemoryKMS returns a memory-only keyring with a freshly generated key.
func NewMemoryKMS() (*LocalKMS, error) {
	key, err := generateKey()
	if err != nil {
		return nil, err
	}
	return &LocalKMS{active: 1, keys: map[int][]byte{1: key}}, nil
}

// NewDerivedKMS derives version 1 from a shared master secret with HKDF-SHA256.
// The same secret and label always yield the same key, so several processes
// can open each other's values without sharing a keystore file.
func NewDerivedKMS(secret []byte, label string) (*LocalKMS, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("kms: master secret too short (%d bytes, need 16)", len(secret))
	}
	r := hkdf.New(sha256.New, secret, []byte("gatekeeper-vault-kdf"), []byte(label))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("kms: hkdf derivation: %w", err)
	}
	return &LocalKMS{active: 1, keys: map[int][]byte{1: key}, derived: true}, nil
}

// NewLocalKMS loads or creates a keystore at path. A missing file is created
// with a new version 1 key.
func NewLocalKMS(path string) (*LocalKMS, error) {
	k := &LocalKMS{path: path, keys: make(map[int][]byte)}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("kms: create dir: %w", err)
		}
		key, err := generateKey()
		if err != nil {
			return nil, err
		}
		k.active = 1
		k.keys[1] = key
		if err := k.persist(); err != nil {
			return nil, err
		}
		return k, nil
	}
	if err != nil {
		return nil, fmt.Errorf("kms: read keystore: %w", err)
	}

	var ks Keystore
	if err := json.Unmarshal(data, &ks); err != nil {
		return nil, fmt.Errorf("kms: parse keystore: %w", err)
	}
	for vStr, encoded := range ks.Keys {
		v, err := strconv.Atoi(vStr)
		if err != nil {
			return nil, fmt.Errorf("kms: invalid version %q: %w", vStr, err)
		}
		key, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("kms: decode key v%d: %w", v, err)
		}
		if len(key) != KeySize {
			return nil, fmt.Errorf("kms: key v%d invalid length %d (need %d)", v, len(key), KeySize)
		}
		k.keys[v] = key
	}
	if _, ok := k.keys[ks.ActiveVersion]; !ok {
		return nil, fmt.Errorf("kms: active version %d not in keystore", ks.ActiveVersion)
	}
	k.active = ks.ActiveVersion
	return k, nil
}

// Derived reports whether the keyring comes from a master secret.
func (k *LocalKMS) Derived() bool { return k.derived }

// ImportKey installs rawKey as version and makes it active. A version of 0
// picks the next free one. Existing versions are never overwritten.
func (k *LocalKMS) ImportKey(rawKey []byte, version int) (int, error) {
	if k.derived {
		return 0, ErrDerivedKeyring
	}
	if len(rawKey) != KeySize {
		return 0, fmt.Errorf("kms: import key must be %d bytes, got %d", KeySize, len(rawKey))
	}
	if version < 0 {
		return 0, fmt.Errorf("kms: invalid key version %d", version)
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if version == 0 {
		version = k.nextVersion()
	}
	if _, taken := k.keys[version]; taken {
		return 0, fmt.Errorf("kms: key version %d already exists", version)
	}
	prev := k.active
	k.keys[version] = append([]byte(nil), rawKey...)
	k.active = version
	if err := k.persist(); err != nil {
		delete(k.keys, version)
		k.active = prev
		return 0, err
	}
	return version, nil
}

// nextVersion is the lowest unused version above the active one. Callers
// hold k.mu.
func (k *LocalKMS) nextVersion() int {
	next := k.active + 1
	for {
		if _, taken := k.keys[next]; !taken {
			return next
		}
		next++
	}
}

func (k *LocalKMS) ActiveVersion() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.active
}

func (k *LocalKMS) Key(version int) ([]byte, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.keys[version]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVersion, version)
	}
	return key, nil
}

func (k *LocalKMS) Rotate() (int, error) {
	if k.derived {
		return 0, ErrDerivedKeyring
	}
	key, err := generateKey()
	if err != nil {
		return 0, err
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	next := k.nextVersion()
	k.keys[next] = key
	prev := k.active
	k.active = next
	if err := k.persist(); err != nil {
		delete(k.keys, next)
		k.active = prev
		return 0, err
	}
	return next, nil
}

// persist writes the keystore atomically with owner-only permissions.
// Callers hold k.mu.
func (k *LocalKMS) persist() error {
	if k.path == "" {
		return nil
	}
	ks := Keystore{ActiveVersion: k.active, Keys: make(map[string]string, len(k.keys))}
	for v, key := range k.keys {
		ks.Keys[strconv.Itoa(v)] = base64.StdEncoding.EncodeToString(key)
	}
	data, err := json.MarshalIndent(ks, "", "  ")
	if err != nil {
		return fmt.Errorf("kms: marshal keystore: %w", err)
	}
	tmp := k.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("kms: write keystore: %w", err)
	}
	if err := os.Rename(tmp, k.path); err != nil {
		return fmt.Errorf("kms: install keystore: %w", err)
	}
	return nil
}

func generateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("kms: generate key: %w", err)
	}
	return key, nil
}

// Seal encrypts plaintext with AES-256-GCM under a fresh random nonce and
// returns nonce || ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("kms: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Open reverses Seal. Truncated or tampered input is an error.
func Open(key, sealed []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(sealed) < gcm.NonceSize()+gcm.Overhead() {
		return nil, errors.New("kms: ciphertext too short")
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	pt, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("kms: open: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: aes cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: gcm: %w", err)
	}
	return gcm, nil
}
