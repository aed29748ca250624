// Package tiktok is a minimal client for the TikTok Shop authorization
// endpoints: building the seller authorization URL and trading an auth
// code or refresh token for a token grant.
package tiktok

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
	"unicode/utf8"

	"github.com/alexjbarnes/shop-connector/internal/models"
	"github.com/tidwall/gjson"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// APIError is a non-zero code in the TikTok response envelope.
type APIError struct {
	Code    int64
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("tiktok api error %d: %s", e.Code, e.Message)
}

const (
	DefaultAuthURL    = "https://services.tiktokshop.com/open/authorize"
	DefaultTokenURL   = "https://auth.tiktok-shops.com/api/v2/token/get"
	DefaultRefreshURL = "https://auth.tiktok-shops.com/api/v2/token/refresh"

	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads.
	maxAPIResponseBytes = 1024 * 1024
)

// Config identifies the partner application and its endpoints. Empty
// URLs fall back to the production defaults.
type Config struct {
	AppKey     string
	AppSecret  string
	AuthURL    string
	TokenURL   string
	RefreshURL string
}

// Client talks to the TikTok Shop authorization server.
type Client struct {
	httpClient *http.Client
	cfg        Config
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host, so the app secret in the query
// string never reaches another domain.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates a client with the given http.Client. If httpClient is
// nil, a client with a 30-second timeout and same-host redirect policy is
// created.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	if cfg.AuthURL == "" {
		cfg.AuthURL = DefaultAuthURL
	}

	if cfg.TokenURL == "" {
		cfg.TokenURL = DefaultTokenURL
	}

	if cfg.RefreshURL == "" {
		cfg.RefreshURL = DefaultRefreshURL
	}

	return &Client{httpClient: httpClient, cfg: cfg}
}

// AuthorizationURL returns the seller authorization page URL carrying
// state. The app secret is never part of it.
func (c *Client) AuthorizationURL(state string) string {
	u, err := url.Parse(c.cfg.AuthURL)
	if err != nil {
		u = &url.URL{}
	}

	q := u.Query()
	q.Set("app_key", c.cfg.AppKey)
	q.Set("state", state)
	u.RawQuery = q.Encode()

	return u.String()
}

// ExchangeCode trades an authorization code for a token grant.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*models.TokenGrant, error) {
	grant, err := c.tokenRequest(ctx, c.cfg.TokenURL, url.Values{
		"auth_code":  {code},
		"grant_type": {"authorized_code"},
	})
	if err != nil {
		return nil, fmt.Errorf("exchanging auth code: %w", err)
	}

	return grant, nil
}

// RefreshToken trades a refresh token for a new grant.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*models.TokenGrant, error) {
	grant, err := c.tokenRequest(ctx, c.cfg.RefreshURL, url.Values{
		"refresh_token": {refreshToken},
		"grant_type":    {"refresh_token"},
	})
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	return grant, nil
}

// tokenRequest issues a GET to endpoint with the app credentials and
// params, then decodes the {code, message, data} envelope. Errors never
// include the request URL, which carries the app secret.
func (c *Client) tokenRequest(ctx context.Context, endpoint string, params url.Values) (*models.TokenGrant, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.New("invalid token endpoint")
	}

	q := u.Query()
	q.Set("app_key", c.cfg.AppKey)
	q.Set("app_secret", c.cfg.AppSecret)

	for k, v := range params {
		q[k] = v
	}

	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.New("creating token request")
	}

	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// *url.Error embeds the full URL; keep only the cause.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}

		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", u.Host, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response from %s: %w", u.Host, err)
	}

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("%s returned status %d: %s", u.Host, resp.StatusCode, sanitizeResponseBody(body))
		if isTransientStatus(resp.StatusCode) {
			return nil, &TransientError{Err: err}
		}

		return nil, err
	}

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("decoding response from %s: invalid JSON: %s", u.Host, sanitizeResponseBody(body))
	}

	envelope := gjson.ParseBytes(body)
	if code := envelope.Get("code").Int(); code != 0 {
		return nil, &APIError{Code: code, Message: sanitizeResponseBody([]byte(envelope.Get("message").String()))}
	}

	data := envelope.Get("data")

	grant := &models.TokenGrant{
		AccessToken:       data.Get("access_token").String(),
		RefreshToken:      data.Get("refresh_token").String(),
		ExpiresIn:         data.Get("access_token_expire_in").Int(),
		RefreshExpiresIn:  data.Get("refresh_token_expire_in").Int(),
		ExternalAccountID: data.Get("open_id").String(),
		DisplayName:       data.Get("seller_name").String(),
	}

	if grant.AccessToken == "" {
		return nil, fmt.Errorf("response from %s has no access token", u.Host)
	}

	return grant, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
