package security

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensed/internal/errors"
)

// 2048-bit keys keep the test fast; production uses 4096.
const testKeyBits = 2048

func TestGenerateAndLookup(t *testing.T) {
	k := NewKeyring(testKeyBits)

	id, err := k.Generate()
	require.NoError(t, err)
	assert.Contains(t, id, "lmk-")

	priv, err := k.SigningKey(id)
	require.NoError(t, err)
	assert.Equal(t, testKeyBits, priv.N.BitLen())

	pub, err := k.PublicKey(id)
	require.NoError(t, err)
	assert.Equal(t, priv.PublicKey.N, pub.N)

	assert.Equal(t, []string{id}, k.KeyIDs())
}

func TestUnknownKey(t *testing.T) {
	k := NewKeyring(testKeyBits)

	_, err := k.SigningKey("lmk-missing")
	assert.True(t, stderrors.Is(err, errors.ErrKeyNotFound))

	_, err = k.PublicKey("lmk-missing")
	assert.True(t, stderrors.Is(err, errors.ErrKeyNotFound))
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.enc")
	passphrase := []byte("correct horse battery staple")

	k := NewKeyring(testKeyBits)
	id1, err := k.Generate()
	require.NoError(t, err)
	id2, err := k.Generate()
	require.NoError(t, err)

	require.NoError(t, k.Save(path, passphrase))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := LoadKeyring(path, passphrase)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{id1, id2}, loaded.KeyIDs())

	orig, err := k.SigningKey(id1)
	require.NoError(t, err)
	got, err := loaded.SigningKey(id1)
	require.NoError(t, err)
	assert.Equal(t, orig.D, got.D)
}

func TestLoadWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.enc")

	k := NewKeyring(testKeyBits)
	_, err := k.Generate()
	require.NoError(t, err)
	require.NoError(t, k.Save(path, []byte("right")))

	_, err = LoadKeyring(path, []byte("wrong"))
	assert.True(t, stderrors.Is(err, errors.ErrInvalidSignature))
}

func TestLoadTamperedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keyring.enc")
	passphrase := []byte("secret")

	k := NewKeyring(testKeyBits)
	_, err := k.Generate()
	require.NoError(t, err)
	require.NoError(t, k.Save(path, passphrase))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	// Flip a byte inside the ciphertext region.
	raw[len(raw)/2] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = LoadKeyring(path, passphrase)
	assert.Error(t, err)
}

func TestSaveRequiresPassphrase(t *testing.T) {
	k := NewKeyring(testKeyBits)
	err := k.Save(filepath.Join(t.TempDir(), "keyring.enc"), nil)
	assert.True(t, stderrors.Is(err, errors.ErrInvalidRequest))
}
