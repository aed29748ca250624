package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// Tag returns the hex-encoded HMAC-SHA256 of message under secret.
func Tag(message, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)

	return hex.EncodeToString(mac.Sum(nil))
}

// Equal compares a and b in constant time with respect to their content.
// Only a length mismatch returns early.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}
