// Package auth implements the stateless OAuth state protocol used to bind
// an authorization round trip to an install. The server keeps no session
// table: the public nonce travels through the authorization server and
// the signed payload travels in an HTTP-only cookie.
package auth

import (
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/crypto"
)

const (
	// nonceBytes is the number of random bytes in a state nonce
	// (hex-encoded to twice this length).
	nonceBytes = 16

	fieldSeparator = ":"
)

// State is a freshly minted state token.
type State struct {
	// Nonce is the public value sent as the OAuth "state" parameter.
	Nonce string
	// Cookie is "installID:timestampMs:nonce:hmac" and must only be
	// stored in an HTTP-only cookie.
	Cookie string
}

// Verified is the outcome of VerifyState. InstallID is empty unless Valid.
type Verified struct {
	Valid     bool
	InstallID string
}

// MintState creates a state token for installID signed with secret.
func MintState(installID, secret string) State {
	return MintStateAt(installID, secret, time.Now())
}

// MintStateAt is MintState with an explicit clock.
func MintStateAt(installID, secret string, now time.Time) State {
	nonce := crypto.RandomHex(nonceBytes)
	payload := installID + fieldSeparator + strconv.FormatInt(now.UnixMilli(), 10) + fieldSeparator + nonce
	tag := crypto.Tag([]byte(payload), []byte(secret))

	return State{
		Nonce:  nonce,
		Cookie: payload + fieldSeparator + tag,
	}
}

// VerifyState checks a nonce returned by the authorization server against
// the signed cookie. It fails closed on any malformed, forged, mismatched
// or expired input. A state exactly ttl old is expired.
func VerifyState(nonce, cookie, secret string, ttl time.Duration) Verified {
	return VerifyStateAt(nonce, cookie, secret, ttl, time.Now())
}

// VerifyStateAt is VerifyState with an explicit clock.
func VerifyStateAt(nonce, cookie, secret string, ttl time.Duration, now time.Time) Verified {
	var fail Verified

	if nonce == "" || cookie == "" {
		return fail
	}

	idx := strings.LastIndex(cookie, fieldSeparator)
	if idx < 0 {
		return fail
	}

	payload, tag := cookie[:idx], cookie[idx+1:]

	// Nothing in the payload is read before the tag verifies.
	expected := crypto.Tag([]byte(payload), []byte(secret))
	if !crypto.Equal(tag, expected) {
		return fail
	}

	fields := strings.Split(payload, fieldSeparator)
	if len(fields) != 3 {
		return fail
	}

	installID, tsField, cookieNonce := fields[0], fields[1], fields[2]

	if !crypto.Equal(cookieNonce, nonce) {
		return fail
	}

	ts, err := strconv.ParseUint(tsField, 10, 63)
	if err != nil {
		return fail
	}

	if now.UnixMilli()-int64(ts) >= ttl.Milliseconds() {
		return fail
	}

	return Verified{Valid: true, InstallID: installID}
}
