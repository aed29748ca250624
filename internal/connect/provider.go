package connect

import (
	"context"

	"github.com/alexjbarnes/shop-connector/internal/models"
)

//go:generate mockgen -source=provider.go -destination=mock_provider_test.go -package=connect

// Provider is the external authorization server.
type Provider interface {
	// AuthorizationURL returns the URL the browser is sent to. state is
	// the public nonce and is echoed back on the callback.
	AuthorizationURL(state string) string

	// ExchangeCode trades an authorization code for a token grant.
	ExchangeCode(ctx context.Context, code string) (*models.TokenGrant, error)

	// RefreshToken trades a refresh token for a new grant.
	RefreshToken(ctx context.Context, refreshToken string) (*models.TokenGrant, error)
}
