package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
)

const (
	// KeySize is the symmetric key length shared by every node in a
	// deployment.
	KeySize = 32
	// IVSize is the length of the initialization vector prepended to every
	// ciphertext stream.
	IVSize = aes.BlockSize
)

// GenerateID returns a random 64-character hex node identifier.
func GenerateID() string {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(buf)
}

// HashKey maps a user key to its hashed form used on the wire and on disk:
// the lowercase hex MD5 digest. The digest is for addressing, not security;
// short paths and uniform distribution are what matter here.
func HashKey(key string) string {
	sum := md5.Sum([]byte(key))
	return hex.EncodeToString(sum[:])
}

// NewEncryptionKey generates a random 32-byte key suitable for AES-256.
func NewEncryptionKey() []byte {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return key
}

const deriveSalt = "dfs.v1.shared-key"

// DeriveKey stretches a shared passphrase into a 32-byte key with argon2id.
// All nodes of a deployment derive the same key from the same passphrase;
// when salt is nil a fixed deployment-wide salt is used.
func DeriveKey(passphrase string, salt []byte) []byte {
	if len(salt) == 0 {
		salt = []byte(deriveSalt)
	}
	return argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, KeySize)
}

// copyStream pumps src through the cipher stream into dst in 32 KiB chunks.
// prefix accounts for bytes (the IV) already written by the caller.
func copyStream(stream cipher.Stream, prefix int, src io.Reader, dst io.Writer) (int64, error) {
	buf := make([]byte, 32*1024)
	written := int64(prefix)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			stream.XORKeyStream(buf[:n], buf[:n])
			nw, werr := dst.Write(buf[:n])
			if werr != nil {
				return written, werr
			}
			written += int64(nw)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// CopyEncrypt encrypts src into dst with AES-256-CTR. A fresh random IV is
// written first, so the returned count is the plaintext length plus IVSize.
// CTR mode adds no padding: any plaintext length round-trips, including zero.
func CopyEncrypt(key []byte, src io.Reader, dst io.Writer) (int64, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, err
	}
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return 0, err
	}
	if _, err := dst.Write(iv); err != nil {
		return 0, err
	}
	return copyStream(cipher.NewCTR(block, iv), block.BlockSize(), src, dst)
}

// CopyDecrypt reads the 16-byte IV from src and decrypts the remainder into
// dst, returning the plaintext byte count. Fails if fewer than IVSize bytes
// precede EOF. There is no authentication tag: integrity is not verified at
// this layer.
func CopyDecrypt(key []byte, src io.Reader, dst io.Writer) (int64, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return 0, err
	}
	iv := make([]byte, block.BlockSize())
	if _, err := io.ReadFull(src, iv); err != nil {
		return 0, fmt.Errorf("reading iv: %w", err)
	}
	return copyStream(cipher.NewCTR(block, iv), 0, src, dst)
}
