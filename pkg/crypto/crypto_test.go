package crypto

import (
	"bytes"
	"crypto/rand"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := NewEncryptionKey()

	for _, size := range []int{0, 1, 15, 16, 17, 8191, 8192, 8193, 1 << 20} {
		plaintext := make([]byte, size)
		_, err := io.ReadFull(rand.Reader, plaintext)
		require.NoError(t, err)

		encrypted := new(bytes.Buffer)
		written, err := CopyEncrypt(key, bytes.NewReader(plaintext), encrypted)
		require.NoError(t, err)
		assert.Equal(t, int64(size+IVSize), written, "size %d", size)
		assert.Equal(t, size+IVSize, encrypted.Len(), "size %d", size)

		decrypted := new(bytes.Buffer)
		n, err := CopyDecrypt(key, encrypted, decrypted)
		require.NoError(t, err)
		assert.Equal(t, int64(size), n, "size %d", size)
		assert.True(t, bytes.Equal(plaintext, decrypted.Bytes()), "size %d", size)
	}
}

func TestEncryptZeroBytes(t *testing.T) {
	key := NewEncryptionKey()

	encrypted := new(bytes.Buffer)
	written, err := CopyEncrypt(key, bytes.NewReader(nil), encrypted)
	require.NoError(t, err)
	assert.Equal(t, int64(IVSize), written)
	assert.Equal(t, IVSize, encrypted.Len())
}

func TestEncryptionChangesBytes(t *testing.T) {
	key := NewEncryptionKey()
	plaintext := []byte("some file content that must not travel in the clear")

	encrypted := new(bytes.Buffer)
	_, err := CopyEncrypt(key, bytes.NewReader(plaintext), encrypted)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(encrypted.Bytes(), plaintext))
}

func TestDecryptShortIV(t *testing.T) {
	key := NewEncryptionKey()

	_, err := CopyDecrypt(key, bytes.NewReader([]byte{1, 2, 3}), new(bytes.Buffer))
	require.Error(t, err)
}

func TestDecryptWithWrongKey(t *testing.T) {
	plaintext := []byte("shared key deployments only")

	encrypted := new(bytes.Buffer)
	_, err := CopyEncrypt(NewEncryptionKey(), bytes.NewReader(plaintext), encrypted)
	require.NoError(t, err)

	decrypted := new(bytes.Buffer)
	_, err = CopyDecrypt(NewEncryptionKey(), encrypted, decrypted)
	require.NoError(t, err) // CTR has no MAC, the failure mode is garbage output
	assert.False(t, bytes.Equal(plaintext, decrypted.Bytes()))
}

func TestHashKey(t *testing.T) {
	// md5("a") is a well-known vector.
	assert.Equal(t, "0cc175b9c0f1b6a831c399e269772661", HashKey("a"))
	assert.Equal(t, HashKey("some key"), HashKey("some key"))
	assert.NotEqual(t, HashKey("some key"), HashKey("some other key"))
	assert.Len(t, HashKey("anything"), 32)
}

func TestGenerateID(t *testing.T) {
	id := GenerateID()
	assert.Len(t, id, 64)
	assert.NotEqual(t, id, GenerateID())
}

func TestDeriveKey(t *testing.T) {
	key := DeriveKey("correct horse battery staple", nil)
	assert.Len(t, key, KeySize)
	assert.Equal(t, key, DeriveKey("correct horse battery staple", nil))
	assert.NotEqual(t, key, DeriveKey("something else", nil))
	assert.NotEqual(t, key, DeriveKey("correct horse battery staple", []byte("other salt")))
}
