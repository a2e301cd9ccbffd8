package kms

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tempKeystore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keys", "vault.key")
}

func TestLocalKMS_NewGeneratesKey(t *testing.T) {
	path := tempKeystore(t)

	k, err := NewLocalKMS(path)
	require.NoError(t, err)
	assert.Equal(t, 1, k.ActiveVersion())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLocalKMS_RotateKeepsOldVersions(t *testing.T) {
	path := tempKeystore(t)
	k, err := NewLocalKMS(path)
	require.NoError(t, err)

	v1, err := k.Key(1)
	require.NoError(t, err)

	v, err := k.Rotate()
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	v2, err := k.Key(2)
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2)

	reloaded, err := NewLocalKMS(path)
	require.NoError(t, err)
	assert.Equal(t, 2, reloaded.ActiveVersion())
	got, err := reloaded.Key(1)
	require.NoError(t, err)
	assert.Equal(t, v1, got)
}

func TestLocalKMS_UnknownVersion(t *testing.T) {
	k, err := NewMemoryKMS()
	require.NoError(t, err)
	_, err = k.Key(7)
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestLocalKMS_RejectsCorruptKeystore(t *testing.T) {
	path := tempKeystore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(`{"active_version":2,"keys":{"1":"AAAA"}}`), 0o600))

	_, err := NewLocalKMS(path)
	assert.Error(t, err)
}

func TestLocalKMS_ImportKey(t *testing.T) {
	k, err := NewLocalKMS(tempKeystore(t))
	require.NoError(t, err)

	raw := bytes.Repeat([]byte("k"), KeySize)
	v, err := k.ImportKey(raw, 5)
	require.NoError(t, err)
	assert.Equal(t, 5, v)
	assert.Equal(t, 5, k.ActiveVersion())

	_, err = k.ImportKey(bytes.Repeat([]byte("x"), KeySize), 1)
	assert.Error(t, err, "existing versions are never overwritten")
	_, err = k.ImportKey([]byte("short"), 6)
	assert.Error(t, err)

	v, err = k.ImportKey(bytes.Repeat([]byte("n"), KeySize), 0)
	require.NoError(t, err)
	assert.Equal(t, 6, v)

	reloaded, err := NewLocalKMS(k.path)
	require.NoError(t, err)
	assert.Equal(t, 6, reloaded.ActiveVersion())
	got, err := reloaded.Key(5)
	require.NoError(t, err)
	assert.Equal(t, raw, got)
}

func TestNewDerivedKMS_Deterministic(t *testing.T) {
	secret := []byte("a-shared-master-secret-of-some-length")
	a, err := NewDerivedKMS(secret, "vault")
	require.NoError(t, err)
	b, err := NewDerivedKMS(secret, "vault")
	require.NoError(t, err)
	c, err := NewDerivedKMS(secret, "other")
	require.NoError(t, err)

	ka, _ := a.Key(1)
	kb, _ := b.Key(1)
	kc, _ := c.Key(1)
	assert.Equal(t, ka, kb)
	assert.NotEqual(t, ka, kc)
	assert.Len(t, ka, KeySize)

	assert.True(t, a.Derived())
	_, err = a.Rotate()
	assert.ErrorIs(t, err, ErrDerivedKeyring)
	_, err = a.ImportKey(ka, 0)
	assert.ErrorIs(t, err, ErrDerivedKeyring)

	_, err = NewDerivedKMS([]byte("short"), "vault")
	assert.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte("a"), KeySize)

	sealed, err := Seal(key, []byte("sk-secret"))
	require.NoError(t, err)

	again, err := Seal(key, []byte("sk-secret"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must be fresh per value")

	pt, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", string(pt))

	_, err = Open(key, sealed[:10])
	assert.Error(t, err)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0xff
	_, err = Open(key, tampered)
	assert.Error(t, err)

	_, err = Open(bytes.Repeat([]byte("b"), KeySize), sealed)
	assert.Error(t, err)
}
