package crypto

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = mustKey("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")

func mustKey(s string) []byte {
	k, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return k
}

func TestEncryptDecryptSecret(t *testing.T) {
	plaintext := "JBSWY3DPEHPK3PXP"

	encrypted, err := EncryptSecret(plaintext, testKey)
	require.NoError(t, err)

	// Hex layout: 12-byte nonce + ciphertext + 16-byte tag.
	raw, err := hex.DecodeString(encrypted)
	require.NoError(t, err)
	assert.Equal(t, 12+len(plaintext)+16, len(raw))

	decrypted, err := DecryptSecret(encrypted, testKey)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestDecryptSecret_Tampered(t *testing.T) {
	encrypted, err := EncryptSecret("secret", testKey)
	require.NoError(t, err)

	raw, _ := hex.DecodeString(encrypted)
	for i := range raw {
		tampered := make([]byte, len(raw))
		copy(tampered, raw)
		tampered[i] ^= 0x01

		_, err := DecryptSecret(hex.EncodeToString(tampered), testKey)
		assert.ErrorIs(t, err, ErrInvalidCiphertext, "byte %d", i)
	}
}

func TestDecryptSecret_WrongKey(t *testing.T) {
	encrypted, err := EncryptSecret("secret", testKey)
	require.NoError(t, err)

	otherKey := mustKey("ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff")
	_, err = DecryptSecret(encrypted, otherKey)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestDecryptSecret_Malformed(t *testing.T) {
	_, err := DecryptSecret("not-hex", testKey)
	assert.ErrorIs(t, err, ErrInvalidCiphertext)

	_, err = DecryptSecret("abcd", testKey) // shorter than a nonce
	assert.ErrorIs(t, err, ErrInvalidCiphertext)
}

func TestSealOpenBytes(t *testing.T) {
	payload := []byte(`{"users":[]}`)

	blob, nonce, err := SealBytes(payload, testKey)
	require.NoError(t, err)
	assert.Len(t, nonce, 12)
	assert.Equal(t, nonce, blob[:12])

	out, err := OpenBytes(blob, testKey)
	require.NoError(t, err)
	assert.Equal(t, payload, out)
}

func TestDeriveKey(t *testing.T) {
	salt, err := RandomBytes(32)
	require.NoError(t, err)

	k1 := DeriveKey("export-pwd", salt, KDFIterations)
	k2 := DeriveKey("export-pwd", salt, KDFIterations)
	assert.Len(t, k1, 32)
	assert.Equal(t, k1, k2)

	k3 := DeriveKey("wrong", salt, KDFIterations)
	assert.NotEqual(t, k1, k3)
}

func TestHashToken(t *testing.T) {
	a := HashToken("token-a")
	b := HashToken("token-a")
	c := HashToken("token-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64) // sha256 hex
}

func TestBcryptHasher(t *testing.T) {
	hasher := NewBcryptHasher()

	hash, err := hasher.Hash("correct-horse")
	require.NoError(t, err)

	assert.NoError(t, hasher.Compare(hash, "correct-horse"))
	assert.Error(t, hasher.Compare(hash, "wrong-horse"))
}

func TestGenerateSecureToken(t *testing.T) {
	t1, err := GenerateSecureToken(32)
	require.NoError(t, err)
	t2, err := GenerateSecureToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, t1, t2)
	assert.NotContains(t, t1, "=") // raw url encoding, cookie/URL safe
}

func TestSecureCompare(t *testing.T) {
	assert.True(t, SecureCompare("abc", "abc"))
	assert.False(t, SecureCompare("abc", "abd"))
	assert.False(t, SecureCompare("abc", "abcd"))
}
