// Package models defines types shared across internal packages.
package models

import "log/slog"

// Credentials is the decrypted credential record for one install. It is
// only ever persisted inside a sealed blob.
type Credentials struct {
	AccessToken          string `json:"accessToken"`
	RefreshToken         string `json:"refreshToken"`
	AccessTokenExpiresAt int64  `json:"accessTokenExpiresAt"` // epoch ms
	ExternalAccountID    string `json:"externalAccountId"`
	DisplayName          string `json:"displayName,omitempty"`
}

// LogValue keeps token material out of structured logs even if a record
// is passed to a logger by mistake.
func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("has_access_token", c.AccessToken != ""),
		slog.Bool("has_refresh_token", c.RefreshToken != ""),
		slog.Int64("access_token_expires_at", c.AccessTokenExpiresAt),
	)
}

// TokenGrant is what the authorization server returns for a code exchange.
type TokenGrant struct {
	AccessToken       string
	RefreshToken      string
	ExpiresIn         int64 // seconds
	RefreshExpiresIn  int64 // seconds
	ExternalAccountID string
	DisplayName       string
}

// LogValue hides token material, see Credentials.LogValue.
func (g TokenGrant) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Bool("has_access_token", g.AccessToken != ""),
		slog.Int64("expires_in", g.ExpiresIn),
	)
}
