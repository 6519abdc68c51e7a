// Conductor control plane — the HTTP-facing process.
//
// Runs as a standalone binary. Serves:
//   - OAuth login/installation/session flow (internal/auth)
//   - REST API for projects, runs, and operator actions (internal/httpapi)
//   - The forge webhook receiver (internal/webhook)
//   - The live run event stream (internal/sse)
//   - Prometheus metrics and a health check
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-sh/conductor/internal/auth"
	"github.com/conductor-sh/conductor/internal/config"
	"github.com/conductor-sh/conductor/internal/events"
	"github.com/conductor-sh/conductor/internal/httpapi"
	"github.com/conductor-sh/conductor/internal/operator"
	"github.com/conductor-sh/conductor/internal/queue"
	"github.com/conductor-sh/conductor/internal/signing"
	"github.com/conductor-sh/conductor/internal/sse"
	"github.com/conductor-sh/conductor/internal/store"
	"github.com/conductor-sh/conductor/internal/webhook"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	configPath := flag.String("config", "", "optional JSON config file (env vars always win)")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := store.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer s.Close()

	q, err := queue.Open(cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("open queue", zap.Error(err))
	}
	defer q.Close()

	log := events.New(s, 256)
	dispatcher := operator.New(log, q)

	var authProvider *auth.Provider
	if cfg.GitHubClientID != "" {
		authProvider = auth.New(auth.Config{
			ClientID:       cfg.GitHubClientID,
			ClientSecret:   cfg.GitHubClientSecret,
			RedirectURL:    cfg.ExternalURL + "/auth/callback",
			AuthURL:        "https://github.com/login/oauth/authorize",
			TokenURL:       "https://github.com/login/oauth/access_token",
			UserInfoURL:    "https://api.github.com/user",
			StateSecret:    []byte(cfg.SigningKey),
			TokenCryptoKey: deriveKey(cfg.DatabaseEncryptionKey, "token-crypto"),
			Secure:         !cfg.IsDevelopment(),
		}, s, logger)
	} else {
		logger.Warn("no github oauth client id configured, login is disabled")
	}

	signer := signing.NewSigner([]byte(cfg.GitHubWebhookSecret))
	webhooks := webhook.New(s, q, signer, cfg.IsDevelopment(), logger)

	var stream *sse.Handler
	if authProvider != nil {
		stream = sse.New(log, s, sse.UserIdentifierFunc(authProvider.UserIDFromRequest), logger)
	}

	server := httpapi.New(s, dispatcher, authProvider, stream, webhooks, logger)

	mux := server.Mux()
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"version":"%s","commit":"%s","date":"%s"}`+"\n", version, commit, date)
	})

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.Info("starting control plane",
		zap.String("addr", cfg.ListenAddr),
		zap.String("environment", cfg.Environment),
		zap.String("version", version),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

// deriveKey stretches an operator-supplied passphrase (or, absent one, a
// clearly-labeled development default) into the fixed-size key auth.Config
// needs for at-rest token encryption.
func deriveKey(secret, label string) [32]byte {
	if secret == "" {
		secret = "insecure-development-only-" + label + "-do-not-use-in-prod"
	}
	return sha256.Sum256([]byte(secret))
}
