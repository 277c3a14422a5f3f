// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Gatehouse Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/gatehouse/gatehouse/internal/auth"
	"github.com/gatehouse/gatehouse/internal/auth/cache"
	"github.com/gatehouse/gatehouse/internal/auth/postgres"
	"github.com/gatehouse/gatehouse/internal/config"
	"github.com/gatehouse/gatehouse/internal/httpapi"
	"github.com/gatehouse/gatehouse/internal/logging"
	"github.com/gatehouse/gatehouse/internal/mail"
	"github.com/gatehouse/gatehouse/internal/observability"
	"github.com/gatehouse/gatehouse/internal/store"
)

const (
	shutdownTimeout     = 15 * time.Second
	maintenanceInterval = time.Hour
)

// NewServeCmd creates the serve subcommand.
func NewServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the authentication service",
		Long: `Start the HTTP API and observability servers, connecting to
PostgreSQL and (optionally) Redis per the configuration.`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile, cmd.Flags())
	if err != nil {
		return err
	}

	logging.SetDefault("gatehouse", version, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	databaseURL := cfg.Database.URL
	if env := os.Getenv("DATABASE_URL"); env != "" {
		databaseURL = env
	}
	if databaseURL == "" {
		return oops.Code("CONFIG_INVALID").Errorf("database.url (or DATABASE_URL) is required")
	}

	pool, err := store.Connect(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	users := postgres.NewUserRepository(pool)
	tokens := auth.NewTokenStore(postgres.NewTokenRepository(pool))

	sessionCache, limiter, err := buildCacheAndLimiter(cfg)
	if err != nil {
		return err
	}

	hasher, err := auth.NewPBKDF2Hasher(auth.HasherConfig{
		Iterations: cfg.Hasher.Iterations,
		SaltLength: cfg.Hasher.SaltLength,
		KeyLength:  cfg.Hasher.KeyLength,
	})
	if err != nil {
		return err
	}

	sessions := auth.NewSessionManager(tokens, users, sessionCache, cfg.Session.TTL)

	credentials, err := auth.NewCredentialService(users, sessions, hasher,
		auth.RevocationPolicy(cfg.Session.RevocationPolicy))
	if err != nil {
		return err
	}

	var notifier auth.Notifier = mail.NopMailer{}
	if cfg.SMTP.Host != "" {
		notifier = mail.NewSMTPMailer(mail.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		})
	}

	recovery := auth.NewRecoveryService(users, tokens, sessions, hasher, notifier, auth.RecoveryConfig{
		ResetTTL:  cfg.Recovery.ResetTTL,
		VerifyTTL: cfg.Recovery.VerifyTTL,
		BaseURL:   cfg.Server.BaseURL,
	})

	obs := observability.NewServer(cfg.Server.ObservabilityAddr, func() bool {
		pingCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return pool.Ping(pingCtx) == nil
	})
	obsErrCh, err := obs.Start()
	if err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Options{
		Addr:          cfg.Server.Addr,
		Credentials:   credentials,
		Sessions:      sessions,
		Recovery:      recovery,
		Limiter:       limiter,
		Metrics:       obs.Metrics(),
		SecureCookies: cfg.Server.SecureCookies,
	})
	apiErrCh, err := api.Start()
	if err != nil {
		stopServers(nil, obs)
		return err
	}

	go runMaintenance(ctx, tokens, limiter)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case serveErr := <-apiErrCh:
		if serveErr != nil {
			slog.Error("api server failed", "error", serveErr)
		}
	case serveErr := <-obsErrCh:
		if serveErr != nil {
			slog.Error("observability server failed", "error", serveErr)
		}
	}

	stopServers(api, obs)
	return nil
}

// buildCacheAndLimiter selects the shared Redis implementations when a
// Redis URL is configured, and the in-process ones otherwise.
func buildCacheAndLimiter(cfg config.Config) (auth.SessionCache, auth.RateLimiter, error) {
	policies := map[string]auth.BucketPolicy{
		auth.BucketLogin:       {MaxRequests: cfg.RateLimit.Login.MaxRequests, Window: cfg.RateLimit.Login.Window},
		auth.BucketRegister:    {MaxRequests: cfg.RateLimit.Register.MaxRequests, Window: cfg.RateLimit.Register.Window},
		auth.BucketReset:       {MaxRequests: cfg.RateLimit.Reset.MaxRequests, Window: cfg.RateLimit.Reset.Window},
		auth.BucketVerifyEmail: {MaxRequests: cfg.RateLimit.VerifyEmail.MaxRequests, Window: cfg.RateLimit.VerifyEmail.Window},
	}

	if cfg.Redis.URL == "" {
		return cache.NewMemory(), auth.NewMemoryRateLimiter(policies), nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, oops.Code("CONFIG_INVALID").
			With("operation", "parse redis url").
			Wrap(err)
	}
	client := redis.NewClient(opts)

	return cache.NewRedis(client), cache.NewRedisRateLimiter(client, policies), nil
}

// runMaintenance periodically purges expired tokens and elapsed in-process
// rate-limit windows until ctx is canceled. Resolution already treats
// expired tokens as missing; this just keeps the tables from growing.
func runMaintenance(ctx context.Context, tokens *auth.TokenStore, limiter auth.RateLimiter) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	namespaces := []auth.Namespace{auth.NamespaceSession, auth.NamespaceReset, auth.NamespaceVerification}

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ns := range namespaces {
				n, err := tokens.PurgeExpired(ctx, ns)
				if err != nil {
					slog.Warn("token purge failed", "namespace", string(ns), "error", err)
					continue
				}
				if n > 0 {
					slog.Info("purged expired tokens", "namespace", string(ns), "count", n)
				}
			}
			if m, ok := limiter.(*auth.MemoryRateLimiter); ok {
				m.Prune()
			}
		}
	}
}

func stopServers(api *httpapi.Server, obs *observability.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if api != nil {
		if err := api.Stop(shutdownCtx); err != nil {
			slog.Error("failed to stop api server", "error", err)
		}
	}
	if err := obs.Stop(shutdownCtx); err != nil {
		slog.Error("failed to stop observability server", "error", err)
	}
}
