package auth

import (
	"net/http"
	"net/url"
	"time"
)

// StateCookie builds the HTTP-only cookie that carries a state payload.
// Max-Age is the TTL rounded up to whole seconds. The value is
// path-escaped so install ids outside the cookie-octet range survive
// the round trip; read it back with StateCookieValue.
func StateCookie(name, value string, ttl time.Duration, secure bool) *http.Cookie {
	maxAge := int((ttl + time.Second - 1) / time.Second)
	if maxAge <= 0 {
		// net/http treats MaxAge 0 as "no attribute"; a zero TTL must
		// still produce a cookie that expires immediately.
		maxAge = -1
	}

	return &http.Cookie{
		Name:     name,
		Value:    url.PathEscape(value),
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// ClearStateCookie returns a cookie that removes the state cookie.
func ClearStateCookie(name string, secure bool) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// StateCookieValue decodes a cookie value written by StateCookie.
func StateCookieValue(c *http.Cookie) (string, error) {
	return url.PathUnescape(c.Value)
}
