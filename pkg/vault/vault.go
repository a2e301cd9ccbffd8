// Package vault stores credentials encrypted at rest behind opaque handles.
//
// Callers only ever see a Reference. Raw values leave the vault solely as the
// return value of Get.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/gatekeeper/pkg/fault"
	"github.com/Mindburn-Labs/gatekeeper/pkg/kms"
)

const handlePrefix = "tok_"

// Reference is the only form of a credential handed to callers.
type Reference struct {
	ID             string `json:"id"`
	CredentialName string `json:"credential_name"`
	TokenHandle    string `json:"token_handle"`
}

// Entry is the private stored form of a credential. Sealed is nonce || ciphertext
// under key KeyVersion.
type Entry struct {
	ID         string
	Name       string
	Handle     string
	KeyVersion int
	Sealed     []byte
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (e Entry) reference() Reference {
	return Reference{ID: e.ID, CredentialName: e.Name, TokenHandle: e.Handle}
}

// Backend persists entries. Get and Delete return an error wrapping
// fault.ErrNotFound for unknown handles.
type Backend interface {
	Put(ctx context.Context, e Entry) error
	Get(ctx context.Context, handle string) (Entry, error)
	Delete(ctx context.Context, handle string) error
	List(ctx context.Context) ([]Entry, error)
}

// Vault encrypts values with the keyring's active key before handing them to
// the backend.
type Vault struct {
	backend Backend
	keys    kms.Keyring
	now     func() time.Time
	log     *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(v *Vault) { v.now = now }
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

// New returns a vault over backend. A nil keyring gets a fresh memory-only key,
// which makes stored values unreadable after the process exits.
func New(backend Backend, keys kms.Keyring, opts ...Option) (*Vault, error) {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	if keys == nil {
		mk, err := kms.NewMemoryKMS()
		if err != nil {
			return nil, err
		}
		keys = mk
	}
	v := &Vault{
		backend: backend,
		keys:    keys,
		now:     func() time.Time { return time.Now().UTC() },
		log:     slog.Default().With("component", "vault"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// Store encrypts value and returns a reference with a fresh random handle.
func (v *Vault) Store(ctx context.Context, name, value string) (Reference, error) {
	handle, err := newHandle()
	if err != nil {
		return Reference{}, err
	}
	version := v.keys.ActiveVersion()
	sealed, err := v.seal(version, value)
	if err != nil {
		return Reference{}, err
	}
	now := v.now()
	e := Entry{
		ID:         uuid.NewString(),
		Name:       name,
		Handle:     handle,
		KeyVersion: version,
		Sealed:     sealed,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := v.backend.Put(ctx, e); err != nil {
		return Reference{}, fmt.Errorf("vault: store: %w", err)
	}
	v.log.InfoContext(ctx, "credential stored", "credential_name", name, "key_version", version)
	return e.reference(), nil
}

// Get decrypts the value behind handle.
func (v *Vault) Get(ctx context.Context, handle string) (string, error) {
	e, err := v.backend.Get(ctx, handle)
	if err != nil {
		return "", err
	}
	pt, err := v.open(e)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Rotate replaces the value behind an existing handle. The handle and id are
// kept; the value is re-sealed under the active key with a new nonce.
func (v *Vault) Rotate(ctx context.Context, handle, newValue string) error {
	e, err := v.backend.Get(ctx, handle)
	if err != nil {
		return err
	}
	version := v.keys.ActiveVersion()
	sealed, err := v.seal(version, newValue)
	if err != nil {
		return err
	}
	e.KeyVersion = version
	e.Sealed = sealed
	e.UpdatedAt = v.now()
	if err := v.backend.Put(ctx, e); err != nil {
		return fmt.Errorf("vault: rotate: %w", err)
	}
	v.log.InfoContext(ctx, "credential rotated", "credential_name", e.Name)
	return nil
}

// Delete removes the credential behind handle.
func (v *Vault) Delete(ctx context.Context, handle string) error {
	return v.backend.Delete(ctx, handle)
}

// List returns references for every stored credential ordered by name and
// handle. Values are never included.
func (v *Vault) List(ctx context.Context) ([]Reference, error) {
	entries, err := v.backend.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("vault: list: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Name != entries[j].Name {
			return entries[i].Name < entries[j].Name
		}
		return entries[i].Handle < entries[j].Handle
	})
	refs := make([]Reference, 0, len(entries))
	for _, e := range entries {
		refs = append(refs, e.reference())
	}
	return refs, nil
}

// ReKey re-seals every entry not already under the active key version and
// returns how many were rewritten. Run it after kms Rotate.
func (v *Vault) ReKey(ctx context.Context) (int, error) {
	entries, err := v.backend.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("vault: rekey: %w", err)
	}
	active := v.keys.ActiveVersion()
	n := 0
	for _, e := range entries {
		if e.KeyVersion == active {
			continue
		}
		pt, err := v.open(e)
		if err != nil {
			return n, err
		}
		sealed, err := v.seal(active, string(pt))
		if err != nil {
			return n, err
		}
		e.KeyVersion = active
		e.Sealed = sealed
		e.UpdatedAt = v.now()
		if err := v.backend.Put(ctx, e); err != nil {
			return n, fmt.Errorf("vault: rekey %s: %w", e.Name, err)
		}
		n++
	}
	if n > 0 {
		v.log.InfoContext(ctx, "vault re-keyed", "entries", n, "key_version", active)
	}
	return n, nil
}

func (v *Vault) seal(version int, value string) ([]byte, error) {
	key, err := v.keys.Key(version)
	if err != nil {
		return nil, fmt.Errorf("vault: %w", err)
	}
	return kms.Seal(key, []byte(value))
}

func (v *Vault) open(e Entry) ([]byte, error) {
	key, err := v.keys.Key(e.KeyVersion)
	if err != nil {
		if errors.Is(err, kms.ErrUnknownVersion) {
			return nil, fmt.Errorf("%w: credential %s sealed under missing key v%d", fault.ErrCorruptedState, e.Handle, e.KeyVersion)
		}
		return nil, err
	}
	pt, err := kms.Open(key, e.Sealed)
	if err != nil {
		v.log.Error("credential decryption failed", "token_handle", e.Handle, "error", err)
		return nil, fmt.Errorf("%w: credential %s: %v", fault.ErrCorruptedState, e.Handle, err)
	}
	return pt, nil
}

func newHandle() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("vault: generate handle: %w", err)
	}
	return handlePrefix + hex.EncodeToString(b), nil
}
