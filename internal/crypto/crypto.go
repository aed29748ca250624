// Package crypto provides the authenticated encryption used for credential
// records at rest and the keyed message authentication used for OAuth state.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	apperrors "github.com/alexjbarnes/shop-connector/internal/errors"
)

const (
	// KeySize is the required AES-256 key length in bytes.
	KeySize = 32

	// nonceSize is the GCM nonce length in bytes (96 bits).
	nonceSize = 12

	// tagSize is the GCM authentication tag length in bytes (128 bits).
	tagSize = 16

	// blobSeparator joins the hex-encoded nonce, ciphertext and tag.
	blobSeparator = ":"
)

// ParseKey decodes a hex-encoded 32-byte key.
func ParseKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(hexKey))
	if err != nil {
		return nil, fmt.Errorf("decoding key: %w", err)
	}

	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	return key, nil
}

// Cipher seals and opens payloads with AES-256-GCM under a single key.
// It holds no mutable state and is safe for concurrent use.
//
// Sealed blob format: hex(nonce) ":" hex(ciphertext) ":" hex(tag)
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a cipher from a 32-byte key.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCMWithTagSize(block, tagSize)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext under a fresh random nonce. Sealing the same
// plaintext twice yields different blobs.
func (c *Cipher) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}

	sealed := c.gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	return hex.EncodeToString(nonce) + blobSeparator +
		hex.EncodeToString(ciphertext) + blobSeparator +
		hex.EncodeToString(tag), nil
}

// Open decrypts a blob produced by Seal. Every failure, whether format,
// encoding, length, tag or key, matches errors.ErrDecryption. The wrapped
// reason is meant for internal logs only.
func (c *Cipher) Open(blob string) ([]byte, error) {
	parts := strings.Split(blob, blobSeparator)
	if len(parts) != 3 {
		return nil, decryptionError("expected 3 parts, got %d", len(parts))
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return nil, decryptionError("decoding nonce")
	}

	ciphertext, err := hex.DecodeString(parts[1])
	if err != nil {
		return nil, decryptionError("decoding ciphertext")
	}

	tag, err := hex.DecodeString(parts[2])
	if err != nil {
		return nil, decryptionError("decoding tag")
	}

	if len(nonce) != nonceSize {
		return nil, decryptionError("nonce length %d", len(nonce))
	}

	if len(tag) != tagSize {
		return nil, decryptionError("tag length %d", len(tag))
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, decryptionError("authentication failed")
	}

	return plaintext, nil
}

func decryptionError(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{apperrors.ErrDecryption}, args...)...)
}
