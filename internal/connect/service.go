// Package connect orchestrates linking an install to a TikTok Shop seller
// account: starting the authorization round trip, completing it on the
// callback, and reporting or removing the stored link.
package connect

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/auth"
	apperrors "github.com/alexjbarnes/shop-connector/internal/errors"
	"github.com/alexjbarnes/shop-connector/internal/logging"
	"github.com/alexjbarnes/shop-connector/internal/models"
	"github.com/alexjbarnes/shop-connector/internal/tiktok"
)

// DefaultExchangeTimeout bounds a code exchange when Options leaves it unset.
const DefaultExchangeTimeout = 15 * time.Second

// Store is the subset of the credential store the service needs.
type Store interface {
	Get(ctx context.Context, installID string) (*models.Credentials, error)
	Upsert(ctx context.Context, installID string, creds models.Credentials) error
	Delete(ctx context.Context, installID string) (bool, error)
	HasTokens(ctx context.Context, installID string) (bool, error)
}

// Options configures a Service.
type Options struct {
	Provider        Provider
	Store           Store
	StateSecret     string
	StateTTL        time.Duration
	FrontendURL     string
	ExchangeTimeout time.Duration
	Logger          *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Service runs the connect flow. It holds no per-flow state.
type Service struct {
	provider        Provider
	store           Store
	stateSecret     string
	stateTTL        time.Duration
	frontendURL     *url.URL
	exchangeTimeout time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// StartResult is what the caller needs to send the browser to the
// authorization server.
type StartResult struct {
	AuthorizationURL string
	// Cookie is the signed state payload for the HTTP-only state cookie.
	Cookie string
}

// CallbackResult is a completed link.
type CallbackResult struct {
	InstallID   string
	RedirectURL string
}

// NewService validates opts and returns a Service.
func NewService(opts Options) (*Service, error) {
	if opts.Provider == nil {
		return nil, errors.New("connect: provider is required")
	}

	if opts.Store == nil {
		return nil, errors.New("connect: store is required")
	}

	if opts.StateSecret == "" {
		return nil, errors.New("connect: state secret is required")
	}

	if opts.StateTTL <= 0 {
		return nil, errors.New("connect: state TTL must be positive")
	}

	frontend, err := url.Parse(opts.FrontendURL)
	if err != nil || frontend.Scheme == "" || frontend.Host == "" {
		return nil, errors.New("connect: frontend URL must be absolute")
	}

	s := &Service{
		provider:        opts.Provider,
		store:           opts.Store,
		stateSecret:     opts.StateSecret,
		stateTTL:        opts.StateTTL,
		frontendURL:     frontend,
		exchangeTimeout: opts.ExchangeTimeout,
		logger:          opts.Logger,
		now:             opts.Now,
	}

	if s.exchangeTimeout <= 0 {
		s.exchangeTimeout = DefaultExchangeTimeout
	}

	if s.logger == nil {
		s.logger = slog.Default()
	}

	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

// StateTTL is the lifetime of a state minted by Start.
func (s *Service) StateTTL() time.Duration {
	return s.stateTTL
}

// Start mints a state for installID and returns where to send the browser.
// Install ids containing ':' are rejected because the state payload could
// never be parsed back.
func (s *Service) Start(installID string) (*StartResult, error) {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return nil, apperrors.Validation("Missing required query parameter: install_id")
	}

	if strings.Contains(installID, ":") {
		return nil, apperrors.Validation("install_id must not contain ':'")
	}

	st := auth.MintStateAt(installID, s.stateSecret, s.now())

	return &StartResult{
		AuthorizationURL: s.provider.AuthorizationURL(st.Nonce),
		Cookie:           st.Cookie,
	}, nil
}

// Callback completes the round trip: it verifies the state, exchanges the
// code and stores the resulting credentials under the verified install id.
// cookie is the state cookie value, empty when the browser sent none.
func (s *Service) Callback(ctx context.Context, code, nonce, cookie string) (*CallbackResult, error) {
	if code == "" || nonce == "" {
		return nil, apperrors.Validation("Missing code or state parameter")
	}

	if cookie == "" {
		return nil, apperrors.Forbidden("missing cookie")
	}

	verified := auth.VerifyStateAt(nonce, cookie, s.stateSecret, s.stateTTL, s.now())
	if !verified.Valid {
		return nil, apperrors.Forbidden("invalid state")
	}

	installID := verified.InstallID

	grant, err := s.exchange(ctx, installID, func(ctx context.Context) (*models.TokenGrant, error) {
		return s.provider.ExchangeCode(ctx, code)
	})
	if err != nil {
		return nil, err
	}

	creds := models.Credentials{
		AccessToken:          grant.AccessToken,
		RefreshToken:         grant.RefreshToken,
		AccessTokenExpiresAt: s.expiresAt(grant.ExpiresIn),
		ExternalAccountID:    grant.ExternalAccountID,
		DisplayName:          grant.DisplayName,
	}

	if err := s.store.Upsert(ctx, installID, creds); err != nil {
		return nil, fmt.Errorf("storing credentials: %w", err)
	}

	s.logger.Info("install connected",
		slog.String("install_id", logging.Mask(installID)),
		slog.Int64("refresh_expires_in", grant.RefreshExpiresIn),
	)

	return &CallbackResult{
		InstallID:   installID,
		RedirectURL: s.redirectURL(installID),
	}, nil
}

// Disconnect removes the stored credentials and reports whether any existed.
func (s *Service) Disconnect(ctx context.Context, installID string) (bool, error) {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return false, apperrors.Validation("Missing required field: installId")
	}

	deleted, err := s.store.Delete(ctx, installID)
	if err != nil {
		return false, fmt.Errorf("deleting credentials: %w", err)
	}

	if deleted {
		s.logger.Info("install disconnected", slog.String("install_id", logging.Mask(installID)))
	}

	return deleted, nil
}

// Status reports whether credentials are stored for installID. Nothing
// else about the record is exposed.
func (s *Service) Status(ctx context.Context, installID string) (bool, error) {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return false, apperrors.Validation("Missing required query parameter: install_id")
	}

	connected, err := s.store.HasTokens(ctx, installID)
	if err != nil {
		return false, fmt.Errorf("checking credentials: %w", err)
	}

	return connected, nil
}

// Refresh replaces the stored access token using the stored refresh token.
// It reports false when there is no usable record for installID.
func (s *Service) Refresh(ctx context.Context, installID string) (bool, error) {
	installID = strings.TrimSpace(installID)
	if installID == "" {
		return false, apperrors.Validation("Missing required field: installId")
	}

	current, err := s.store.Get(ctx, installID)
	if err != nil {
		return false, fmt.Errorf("reading credentials: %w", err)
	}

	if current == nil || current.RefreshToken == "" {
		return false, nil
	}

	grant, err := s.exchange(ctx, installID, func(ctx context.Context) (*models.TokenGrant, error) {
		return s.provider.RefreshToken(ctx, current.RefreshToken)
	})
	if err != nil {
		return false, err
	}

	next := models.Credentials{
		AccessToken:          grant.AccessToken,
		RefreshToken:         grant.RefreshToken,
		AccessTokenExpiresAt: s.expiresAt(grant.ExpiresIn),
		ExternalAccountID:    grant.ExternalAccountID,
		DisplayName:          grant.DisplayName,
	}

	if next.RefreshToken == "" {
		next.RefreshToken = current.RefreshToken
	}

	if next.ExternalAccountID == "" {
		next.ExternalAccountID = current.ExternalAccountID
	}

	if next.DisplayName == "" {
		next.DisplayName = current.DisplayName
	}

	if err := s.store.Upsert(ctx, installID, next); err != nil {
		return false, fmt.Errorf("storing credentials: %w", err)
	}

	s.logger.Info("install token refreshed",
		slog.String("install_id", logging.Mask(installID)),
		slog.Int64("refresh_expires_in", grant.RefreshExpiresIn),
	)

	return true, nil
}

// exchange runs call under the exchange timeout. Failures are logged with
// token-like substrings redacted and returned as ErrUpstream.
func (s *Service) exchange(ctx context.Context, installID string, call func(context.Context) (*models.TokenGrant, error)) (*models.TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, s.exchangeTimeout)
	defer cancel()

	grant, err := call(ctx)
	if err == nil && grant == nil {
		err = errors.New("empty token grant")
	}

	if err != nil {
		s.logger.Error("token exchange failed",
			slog.String("install_id", logging.Mask(installID)),
			slog.Bool("transient", tiktok.IsTransient(err)),
			slog.String("cause", logging.Redact(err.Error())),
		)

		return nil, fmt.Errorf("%w: %w", apperrors.ErrUpstream, err)
	}

	return grant, nil
}

func (s *Service) expiresAt(expiresIn int64) int64 {
	return s.now().UnixMilli() + expiresIn*1000
}

func (s *Service) redirectURL(installID string) string {
	u := *s.frontendURL

	q := u.Query()
	q.Set("install_id", installID)
	q.Set("connected", "true")
	u.RawQuery = q.Encode()

	return u.String()
}
