package crypto

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T, passphrase string) []byte {
	t.Helper()
	salt, err := NewSalt()
	require.NoError(t, err)
	key, err := DeriveKey(passphrase, salt, KDFParams{Time: 1, MemoryKiB: 16, Threads: 1})
	require.NoError(t, err)
	return key
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	engine := NewEngine()
	key := testKey(t, "correct horse battery staple")

	plaintext := []byte("sk-test-1234567890abcdef")
	ciphertext, nonce, err := engine.Encrypt(plaintext, key)
	require.NoError(t, err)
	require.Len(t, nonce, NonceSize)
	assert.NotContains(t, string(ciphertext), "sk-test")

	decrypted, err := engine.Decrypt(ciphertext, nonce, key)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptWrongKeyFailsIntegrity(t *testing.T) {
	engine := NewEngine()
	key := testKey(t, "right passphrase")
	other := testKey(t, "wrong passphrase")

	ciphertext, nonce, err := engine.Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	decrypted, err := engine.Decrypt(ciphertext, nonce, other)
	assert.ErrorIs(t, err, ErrIntegrity)
	assert.Nil(t, decrypted)
}

func TestDecryptTamperedCiphertextFailsIntegrity(t *testing.T) {
	engine := NewEngine()
	key := testKey(t, "passphrase")

	ciphertext, nonce, err := engine.Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	ciphertext[0] ^= 0xff
	_, err = engine.Decrypt(ciphertext, nonce, key)
	assert.ErrorIs(t, err, ErrIntegrity)
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	engine := NewEngine()
	key := testKey(t, "passphrase")

	_, nonce1, err := engine.Encrypt([]byte("secret"), key)
	require.NoError(t, err)
	_, nonce2, err := engine.Encrypt([]byte("secret"), key)
	require.NoError(t, err)

	assert.False(t, bytes.Equal(nonce1, nonce2), "nonces must not repeat")
}

func TestEncryptRejectsBadKeyLength(t *testing.T) {
	engine := NewEngine()
	_, _, err := engine.Encrypt([]byte("secret"), []byte("short"))
	assert.Error(t, err)
}

func TestDeriveKeyDeterministic(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	params := KDFParams{Time: 1, MemoryKiB: 16, Threads: 1}

	k1, err := DeriveKey("passphrase", salt, params)
	require.NoError(t, err)
	k2, err := DeriveKey("passphrase", salt, params)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	salt2, err := NewSalt()
	require.NoError(t, err)
	k3, err := DeriveKey("passphrase", salt2, params)
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "different salts must derive different keys")
}

func TestDeriveKeyValidation(t *testing.T) {
	params := KDFParams{Time: 1, MemoryKiB: 16, Threads: 1}

	_, err := DeriveKey("", make([]byte, SaltSize), params)
	assert.Error(t, err)

	_, err = DeriveKey("passphrase", []byte("short"), params)
	assert.Error(t, err)
}

func TestZero(t *testing.T) {
	b := []byte("sensitive")
	Zero(b)
	assert.Equal(t, make([]byte, len(b)), b)
}
