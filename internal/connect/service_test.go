package connect

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/auth"
	apperrors "github.com/alexjbarnes/shop-connector/internal/errors"
	"github.com/alexjbarnes/shop-connector/internal/models"
	"github.com/alexjbarnes/shop-connector/internal/tiktok"
	"github.com/alexjbarnes/shop-connector/internal/tokenstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const (
	testSecret   = "test-state-secret"
	testTTL      = 10 * time.Minute
	testFrontend = "https://app.example.com/settings"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testStore(t *testing.T) *tokenstore.BoltStore {
	t.Helper()

	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}

	s, err := tokenstore.OpenBolt(filepath.Join(t.TempDir(), "credentials.db"), key, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s
}

type fixture struct {
	svc      *Service
	provider *MockProvider
	store    *tokenstore.BoltStore
	now      time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		provider: NewMockProvider(gomock.NewController(t)),
		store:    testStore(t),
		now:      time.UnixMilli(1_700_000_000_000),
	}

	svc, err := NewService(Options{
		Provider:    f.provider,
		Store:       f.store,
		StateSecret: testSecret,
		StateTTL:    testTTL,
		FrontendURL: testFrontend,
		Logger:      testLogger(),
		Now:         func() time.Time { return f.now },
	})
	require.NoError(t, err)

	f.svc = svc

	return f
}

// start runs Start for installID and returns the nonce the provider saw
// alongside the result.
func (f *fixture) start(t *testing.T, installID string) (string, *StartResult) {
	t.Helper()

	var nonce string

	f.provider.EXPECT().AuthorizationURL(gomock.Any()).DoAndReturn(func(state string) string {
		nonce = state
		return "https://auth.example.com/authorize?state=" + state
	})

	res, err := f.svc.Start(installID)
	require.NoError(t, err)

	return nonce, res
}

func testGrant() *models.TokenGrant {
	return &models.TokenGrant{
		AccessToken:       "A",
		RefreshToken:      "R",
		ExpiresIn:         3600,
		RefreshExpiresIn:  86400,
		ExternalAccountID: "open_123",
		DisplayName:       "Test Shop",
	}
}

// --- NewService ---

func TestNewService_RequiresDependencies(t *testing.T) {
	provider := NewMockProvider(gomock.NewController(t))
	store := testStore(t)

	valid := Options{Provider: provider, Store: store, StateSecret: testSecret, StateTTL: testTTL, FrontendURL: testFrontend}

	cases := map[string]func(o *Options){
		"no provider":       func(o *Options) { o.Provider = nil },
		"no store":          func(o *Options) { o.Store = nil },
		"no secret":         func(o *Options) { o.StateSecret = "" },
		"zero ttl":          func(o *Options) { o.StateTTL = 0 },
		"relative frontend": func(o *Options) { o.FrontendURL = "/settings" },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			opts := valid
			mutate(&opts)

			_, err := NewService(opts)
			require.Error(t, err)
		})
	}

	svc, err := NewService(valid)
	require.NoError(t, err)
	assert.Equal(t, DefaultExchangeTimeout, svc.exchangeTimeout)
	assert.Equal(t, testTTL, svc.StateTTL())
}

// --- Start ---

func TestStart_RejectsBlankInstallID(t *testing.T) {
	f := newFixture(t)

	for _, id := range []string{"", "   ", "\t"} {
		_, err := f.svc.Start(id)
		require.ErrorIs(t, err, apperrors.ErrValidation)
	}
}

func TestStart_RejectsSeparatorInInstallID(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Start("shop:1")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestStart_MintsVerifiableState(t *testing.T) {
	f := newFixture(t)

	nonce, res := f.start(t, "  install-abc  ")

	assert.Contains(t, res.AuthorizationURL, "state="+nonce)
	assert.NotContains(t, res.AuthorizationURL, "install-abc")
	assert.True(t, strings.HasPrefix(res.Cookie, "install-abc:"), "install id is trimmed")

	v := auth.VerifyStateAt(nonce, res.Cookie, testSecret, testTTL, f.now)
	assert.True(t, v.Valid)
	assert.Equal(t, "install-abc", v.InstallID)
}

// --- Callback ---

func TestCallback_MissingParams(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Callback(context.Background(), "", "nonce", "cookie")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.Callback(context.Background(), "code", "", "cookie")
	require.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestCallback_MissingCookie(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Callback(context.Background(), "code", "nonce", "")
	require.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Equal(t, "missing cookie", apperrors.PublicMessage(err, ""))
}

func TestCallback_InvalidState(t *testing.T) {
	f := newFixture(t)
	_, res := f.start(t, "install-abc")

	_, err := f.svc.Callback(context.Background(), "code", "not-the-nonce", res.Cookie)
	require.ErrorIs(t, err, apperrors.ErrForbidden)
	assert.Equal(t, "invalid state", apperrors.PublicMessage(err, ""))
}

func TestCallback_ExpiredState(t *testing.T) {
	f := newFixture(t)
	nonce, res := f.start(t, "install-abc")

	f.now = f.now.Add(testTTL)

	_, err := f.svc.Callback(context.Background(), "code", nonce, res.Cookie)
	require.ErrorIs(t, err, apperrors.ErrForbidden)

	has, err := f.store.HasTokens(context.Background(), "install-abc")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCallback_StoresCredentialsAndRedirects(t *testing.T) {
	f := newFixture(t)
	nonce, res := f.start(t, "install-abc")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "auth_code_123").Return(testGrant(), nil)

	out, err := f.svc.Callback(context.Background(), "auth_code_123", nonce, res.Cookie)
	require.NoError(t, err)
	assert.Equal(t, "install-abc", out.InstallID)

	u, err := url.Parse(out.RedirectURL)
	require.NoError(t, err)
	assert.Equal(t, "app.example.com", u.Host)
	assert.Equal(t, "/settings", u.Path)
	assert.Equal(t, "install-abc", u.Query().Get("install_id"))
	assert.Equal(t, "true", u.Query().Get("connected"))
	assert.NotContains(t, out.RedirectURL, "A")
	assert.NotContains(t, out.RedirectURL, "open_123")

	creds, err := f.store.Get(context.Background(), "install-abc")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, models.Credentials{
		AccessToken:          "A",
		RefreshToken:         "R",
		AccessTokenExpiresAt: f.now.UnixMilli() + 3600*1000,
		ExternalAccountID:    "open_123",
		DisplayName:          "Test Shop",
	}, *creds)
}

func TestCallback_ExchangeFailureIsUpstream(t *testing.T) {
	var logs bytes.Buffer

	f := newFixture(t)
	f.svc.logger = slog.New(slog.NewTextHandler(&logs, nil))

	nonce, res := f.start(t, "install-abc")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code").
		Return(nil, errors.New("upstream said app_secret=supersecretvalue is wrong"))

	_, err := f.svc.Callback(context.Background(), "code", nonce, res.Cookie)
	require.ErrorIs(t, err, apperrors.ErrUpstream)

	assert.Contains(t, logs.String(), "token exchange failed")
	assert.Contains(t, logs.String(), "transient=false")
	assert.NotContains(t, logs.String(), "supersecretvalue")

	has, err := f.store.HasTokens(context.Background(), "install-abc")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestCallback_TransientFailureIsLogged(t *testing.T) {
	var logs bytes.Buffer

	f := newFixture(t)
	f.svc.logger = slog.New(slog.NewTextHandler(&logs, nil))

	nonce, res := f.start(t, "install-abc")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code").
		Return(nil, &tiktok.TransientError{Err: errors.New("server error (HTTP 503)")})

	_, err := f.svc.Callback(context.Background(), "code", nonce, res.Cookie)
	require.ErrorIs(t, err, apperrors.ErrUpstream)
	assert.Contains(t, logs.String(), "transient=true")
}

func TestCallback_LogsRefreshLifetime(t *testing.T) {
	var logs bytes.Buffer

	f := newFixture(t)
	f.svc.logger = slog.New(slog.NewTextHandler(&logs, nil))

	nonce, res := f.start(t, "install-abc")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code").Return(testGrant(), nil)

	_, err := f.svc.Callback(context.Background(), "code", nonce, res.Cookie)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "refresh_expires_in=86400")
	assert.NotContains(t, logs.String(), "install-abc")
}

func TestCallback_NilGrantIsUpstream(t *testing.T) {
	f := newFixture(t)
	nonce, res := f.start(t, "install-abc")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code").Return(nil, nil)

	_, err := f.svc.Callback(context.Background(), "code", nonce, res.Cookie)
	require.ErrorIs(t, err, apperrors.ErrUpstream)
}

func TestCallback_ExchangeIsBoundedByTimeout(t *testing.T) {
	f := newFixture(t)
	f.svc.exchangeTimeout = 20 * time.Millisecond

	nonce, res := f.start(t, "install-abc")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code").
		DoAndReturn(func(ctx context.Context, _ string) (*models.TokenGrant, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	_, err := f.svc.Callback(context.Background(), "code", nonce, res.Cookie)
	require.ErrorIs(t, err, apperrors.ErrUpstream)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCallback_NonceSubstitutionRejected(t *testing.T) {
	f := newFixture(t)
	victimNonce, _ := f.start(t, "victim-install")
	_, attacker := f.start(t, "attacker-install")

	_, err := f.svc.Callback(context.Background(), "code", victimNonce, attacker.Cookie)
	require.ErrorIs(t, err, apperrors.ErrForbidden)
}

// --- Disconnect / Status ---

func TestDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Disconnect(ctx, " ")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	deleted, err := f.svc.Disconnect(ctx, "install-abc")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, f.store.Upsert(ctx, "install-abc", models.Credentials{AccessToken: "A"}))

	deleted, err = f.svc.Disconnect(ctx, "install-abc")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Status(ctx, "")
	require.ErrorIs(t, err, apperrors.ErrValidation)

	connected, err := f.svc.Status(ctx, "install-abc")
	require.NoError(t, err)
	assert.False(t, connected)

	require.NoError(t, f.store.Upsert(ctx, "install-abc", models.Credentials{AccessToken: "A"}))

	connected, err = f.svc.Status(ctx, "install-abc")
	require.NoError(t, err)
	assert.True(t, connected)
}

// --- Refresh ---

func TestRefresh_NoRecord(t *testing.T) {
	f := newFixture(t)

	refreshed, err := f.svc.Refresh(context.Background(), "install-abc")
	require.NoError(t, err)
	assert.False(t, refreshed)
}

func TestRefresh_ReplacesTokensKeepsAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Upsert(ctx, "install-abc", models.Credentials{
		AccessToken:       "old-access",
		RefreshToken:      "old-refresh",
		ExternalAccountID: "open_123",
		DisplayName:       "Test Shop",
	}))

	f.provider.EXPECT().RefreshToken(gomock.Any(), "old-refresh").
		Return(&models.TokenGrant{AccessToken: "new-access", ExpiresIn: 60}, nil)

	refreshed, err := f.svc.Refresh(ctx, "install-abc")
	require.NoError(t, err)
	assert.True(t, refreshed)

	creds, err := f.store.Get(ctx, "install-abc")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "new-access", creds.AccessToken)
	assert.Equal(t, "old-refresh", creds.RefreshToken)
	assert.Equal(t, "open_123", creds.ExternalAccountID)
	assert.Equal(t, "Test Shop", creds.DisplayName)
	assert.Equal(t, f.now.UnixMilli()+60_000, creds.AccessTokenExpiresAt)
}

func TestRefresh_UpstreamFailureKeepsRecord(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Upsert(ctx, "install-abc", models.Credentials{AccessToken: "A", RefreshToken: "R"}))

	f.provider.EXPECT().RefreshToken(gomock.Any(), "R").Return(nil, errors.New("refresh token expired"))

	_, err := f.svc.Refresh(ctx, "install-abc")
	require.ErrorIs(t, err, apperrors.ErrUpstream)

	creds, err := f.store.Get(ctx, "install-abc")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "A", creds.AccessToken)
}

// --- Lifecycle ---

func TestConnectStatusDisconnectLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	nonce, res := f.start(t, "install-xyz")

	f.provider.EXPECT().ExchangeCode(gomock.Any(), "code-1").Return(&models.TokenGrant{
		AccessToken:  "A",
		RefreshToken: "R",
		ExpiresIn:    3600,
	}, nil)

	out, err := f.svc.Callback(ctx, "code-1", nonce, res.Cookie)
	require.NoError(t, err)
	assert.Equal(t, "install-xyz", out.InstallID)

	connected, err := f.svc.Status(ctx, "install-xyz")
	require.NoError(t, err)
	assert.True(t, connected)

	creds, err := f.store.Get(ctx, "install-xyz")
	require.NoError(t, err)
	require.NotNil(t, creds)
	assert.Equal(t, "A", creds.AccessToken)
	assert.Equal(t, "R", creds.RefreshToken)

	deleted, err := f.svc.Disconnect(ctx, "install-xyz")
	require.NoError(t, err)
	assert.True(t, deleted)

	connected, err = f.svc.Status(ctx, "install-xyz")
	require.NoError(t, err)
	assert.False(t, connected)
}
