package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/shop-connector/internal/config"
	"github.com/alexjbarnes/shop-connector/internal/connect"
	"github.com/alexjbarnes/shop-connector/internal/crypto"
	"github.com/alexjbarnes/shop-connector/internal/logging"
	"github.com/alexjbarnes/shop-connector/internal/server"
	"github.com/alexjbarnes/shop-connector/internal/tiktok"
	"github.com/alexjbarnes/shop-connector/internal/tokenstore"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle gen-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "gen-key" {
		fmt.Println(crypto.RandomHex(crypto.KeySize))
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("shop-connector starting",
		slog.String("version", Version),
		slog.String("environment", cfg.Environment),
		slog.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := tokenstore.Open(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening credential store: %w", err)
	}
	defer store.Close()

	if n, err := store.Count(ctx); err == nil {
		logger.Info("credential store ready", slog.Int("installs", n))
	}

	provider := tiktok.NewClient(tiktok.Config{
		AppKey:     cfg.TikTokAppKey,
		AppSecret:  cfg.TikTokAppSecret,
		AuthURL:    cfg.TikTokAuthURL,
		TokenURL:   cfg.TikTokTokenURL,
		RefreshURL: cfg.TikTokRefreshURL,
	}, nil)

	svc, err := connect.NewService(connect.Options{
		Provider:        provider,
		Store:           store,
		StateSecret:     cfg.StateSecret,
		StateTTL:        cfg.StateTTL(),
		FrontendURL:     cfg.FrontendURL,
		ExchangeTimeout: cfg.ExchangeTimeout,
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: server.NewHandler(server.MuxConfig{
			Service:         svc,
			Stats:           store,
			CookieName:      cfg.StateCookieName,
			SecureCookie:    cfg.IsProduction(),
			Logger:          logger,
			RateLimitMax:    cfg.RateLimitMax,
			RateLimitWindow: cfg.RateLimitWindow(),
			TrustProxy:      cfg.TrustProxy,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("listening",
			slog.String("addr", cfg.ListenAddr),
			slog.String("callback_url", cfg.CallbackURL),
			slog.String("frontend_url", cfg.FrontendURL),
		)

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server error: %w", err)
		}

		return nil
	})

	// Shutdown when context is cancelled.
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down", slog.Int64("decrypt_failures", store.DecryptFailures()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
