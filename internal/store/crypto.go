package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"io"

	"golang.org/x/crypto/argon2"

	"github.com/childguard/daemon/internal/errs"
)

const (
	saltSize   = 16
	argonKeyLen = 32
)

// deriveKey runs Argon2id over passphrase+salt using the configured cost
// parameters. The derived key never leaves process memory: callers keep it
// in an unexported [32]byte and it is never marshalled or logged.
func deriveKey(passphrase string, salt []byte, memoryKiB, iterations uint32, parallelism uint8) [32]byte {
	var key [32]byte
	copy(key[:], argon2.IDKey([]byte(passphrase), salt, iterations, memoryKiB, parallelism, argonKeyLen))
	return key
}

func newSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "generating store salt", err)
	}
	return salt, nil
}

// seal encrypts plaintext with AES-256-GCM under key, returning
// nonce||ciphertext||tag. AES-GCM comes from crypto/aes and crypto/cipher
// directly: no example in the pack ships an AEAD construction, and
// reimplementing one instead of using the standard library's audited
// implementation would be a regression, not an improvement.
func seal(key [32]byte, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "constructing AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "constructing GCM mode", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "generating nonce", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// open reverses seal, rejecting blobs that are too short to contain a
// nonce or that fail authentication.
func open(key [32]byte, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "constructing AES cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreUnavailable, "constructing GCM mode", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, errs.New(errs.CodeStoreCorrupt, "encrypted blob shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, errs.Wrap(errs.CodeStoreCorrupt, "decrypting blob: authentication failed", err)
	}
	return plaintext, nil
}
