// Package tokenstore persists per-install credential records. Records are
// JSON encoded and sealed with AES-256-GCM before they reach any backend,
// so a backend only ever sees an install id, an opaque blob and
// timestamps.
package tokenstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/alexjbarnes/shop-connector/internal/crypto"
	"github.com/alexjbarnes/shop-connector/internal/logging"
	"github.com/alexjbarnes/shop-connector/internal/models"
)

// codec seals records for storage and opens them on the way out.
type codec struct {
	cipher *crypto.Cipher
	logger *slog.Logger

	decryptFailures atomic.Int64
}

func newCodec(key []byte, logger *slog.Logger) (*codec, error) {
	c, err := crypto.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &codec{cipher: c, logger: logger}, nil
}

// seal serializes the full record and encrypts it in memory.
func (c *codec) seal(creds models.Credentials) (string, error) {
	data, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encoding credentials: %w", err)
	}

	blob, err := c.cipher.Seal(data)
	if err != nil {
		return "", fmt.Errorf("sealing credentials: %w", err)
	}

	return blob, nil
}

// open decrypts a stored blob. Failures are logged and reported as a nil
// record so that a wrong key or a corrupt row looks the same as a
// missing one to callers.
func (c *codec) open(installID, blob string) *models.Credentials {
	data, err := c.cipher.Open(blob)
	if err != nil {
		c.unreadable(installID, "failed to decrypt credentials", err)
		return nil
	}

	var creds models.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		c.unreadable(installID, "failed to decode credentials", nil)
		return nil
	}

	return &creds
}

// unreadable records a stored row that could not be turned back into a
// record. err is only logged for failures that cannot echo plaintext.
func (c *codec) unreadable(installID, msg string, err error) {
	c.decryptFailures.Add(1)

	attrs := []any{slog.String("install_id", logging.Mask(installID))}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}

	c.logger.Warn("tokenstore: "+msg, attrs...)
}

// DecryptFailures returns how many stored records failed to open since
// the store was created.
func (c *codec) DecryptFailures() int64 {
	return c.decryptFailures.Load()
}
