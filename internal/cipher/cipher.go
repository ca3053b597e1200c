// Package cipher implements the symmetric message cipher. Message bodies
// are encrypted at rest; plaintext only crosses the wire inside an
// authenticated connection or response.
package cipher

import (
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"
)

const (
	// scryptN is the CPU/memory cost parameter for scrypt key derivation (2^15).
	scryptN = 32768

	// scryptR is the block size parameter for scrypt key derivation.
	scryptR = 8

	// scryptP is the parallelization parameter for scrypt key derivation.
	scryptP = 1

	// scryptKeyLen is the derived key length in bytes.
	scryptKeyLen = 32
)

// Cipher is the capability the message pipeline consumes. Implementations
// must satisfy Decrypt(Encrypt(p)) == p for every plaintext p.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// DeriveKey derives a 32-byte encryption key from passphrase and salt using
// scrypt (N=32768, r=8, p=1). Both inputs are normalized to NFKC first so
// visually identical Unicode spellings derive the same key.
func DeriveKey(passphrase, salt string) ([]byte, error) {
	passphrase = norm.NFKC.String(passphrase)
	salt = norm.NFKC.String(salt)

	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("deriving key: %w", err)
	}

	return key, nil
}

// ZeroKey overwrites the key material in the given slice. Call this
// immediately after passing the key to New to limit the window during
// which raw key bytes are accessible in memory.
func ZeroKey(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// AESGCM encrypts message bodies with AES-256-GCM. The wire/at-rest format
// is hex([12-byte IV][ciphertext+tag]) with a random IV per message.
type AESGCM struct {
	gcm gocipher.AEAD
}

// New creates an AESGCM cipher from a 32-byte key.
func New(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := gocipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &AESGCM{gcm: gcm}, nil
}

// Encrypt encrypts a message body with a random IV.
// Returns hex([IV][ciphertext+tag]).
func (c *AESGCM) Encrypt(plaintext string) (string, error) {
	iv := make([]byte, c.gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generating IV: %w", err)
	}

	ciphertext := c.gcm.Seal(nil, iv, []byte(plaintext), nil)
	result := make([]byte, len(iv)+len(ciphertext))
	copy(result, iv)
	copy(result[len(iv):], ciphertext)

	return hex.EncodeToString(result), nil
}

// Decrypt decodes and decrypts a stored message body.
func (c *AESGCM) Decrypt(ciphertext string) (string, error) {
	data, err := hex.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decoding hex: %w", err)
	}

	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(data))
	}

	plaintext, err := c.gcm.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypting: %w", err)
	}

	return string(plaintext), nil
}
