package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taskline/taskline/internal/api"
	"github.com/taskline/taskline/internal/auth"
	"github.com/taskline/taskline/internal/cipher"
	"github.com/taskline/taskline/internal/config"
	"github.com/taskline/taskline/internal/gateway"
	"github.com/taskline/taskline/internal/logging"
	"github.com/taskline/taskline/internal/pipeline"
	"github.com/taskline/taskline/internal/presence"
	"github.com/taskline/taskline/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// logNotifier writes one-time codes to the log instead of delivering
// them. Useful until a mail transport is configured; never enabled in
// production.
type logNotifier struct {
	logger *slog.Logger
}

func (n logNotifier) SendOTP(_ context.Context, email, _, code string) error {
	n.logger.Info("one-time code issued",
		slog.String("email", email),
		slog.String("code", code),
	)

	return nil
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.ValidateServer(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("taskline server starting",
		slog.String("version", Version),
		slog.String("listen", cfg.ListenAddr),
		slog.String("db", cfg.DBPath),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	logger.Info("deriving message cipher key")
	key, err := cipher.DeriveKey(cfg.CipherPassphrase, cfg.CipherSalt)
	if err != nil {
		return fmt.Errorf("deriving cipher key: %w", err)
	}

	msgCipher, err := cipher.New(key)
	if err != nil {
		return fmt.Errorf("creating cipher: %w", err)
	}

	issuer := auth.NewIssuer(cfg.TokenSecret, cfg.AccessTokenTTL, cfg.RefreshTokenTTL)

	var notifier auth.Notifier
	if !cfg.IsProduction() {
		notifier = logNotifier{logger: logger}
	}
	authSvc := auth.NewService(st, issuer, notifier, logger)

	registry := presence.NewRegistry(logger)
	pl := pipeline.New(st, msgCipher, registry, logger)
	gw := gateway.New(issuer, registry, pl, cfg.AllowedOrigin, logger)
	handler := api.NewHandler(authSvc, issuer, pl, st, gw, logger)

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}
