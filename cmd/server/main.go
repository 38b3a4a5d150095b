// Copyright 2026 The TrustGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

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

	"github.com/redis/go-redis/v9"

	"github.com/trustgate/trustgate/internal/audit"
	"github.com/trustgate/trustgate/internal/cache"
	"github.com/trustgate/trustgate/internal/config"
	"github.com/trustgate/trustgate/internal/exchange"
	"github.com/trustgate/trustgate/internal/observability/logger"
	"github.com/trustgate/trustgate/internal/observability/metrics"
	"github.com/trustgate/trustgate/internal/observability/tracing"
	"github.com/trustgate/trustgate/internal/policy"
	"github.com/trustgate/trustgate/internal/rbac"
	"github.com/trustgate/trustgate/internal/revocation"
	"github.com/trustgate/trustgate/internal/store/postgres"
	"github.com/trustgate/trustgate/internal/token"
	transportHTTP "github.com/trustgate/trustgate/internal/transport/http"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger.InitLogger(logger.Config{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})
	slog.Info("starting trustgate token exchange core")

	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		if err := runMigrate(cfg); err != nil {
			fmt.Printf("Migration failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	// Initialize context
	ctx := context.Background()

	// Initialize tracer
	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.OTELEnabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   1.0,
	})
	if err != nil {
		slog.Error("failed to initialize tracer", logger.Error(err))
	}
	defer tracer.Shutdown(ctx)

	// Initialize meter
	meter, err := metrics.New(ctx, metrics.Config{
		Enabled: cfg.Observability.OTELEnabled,
	}, cfg.Observability.ServiceName)
	if err != nil {
		slog.Error("failed to initialize meter", logger.Error(err))
	}
	var exchangeMetrics *metrics.ExchangeMetrics
	if meter != nil {
		exchangeMetrics, err = metrics.NewExchangeMetrics(meter)
		if err != nil {
			slog.Error("failed to register exchange metrics", logger.Error(err))
		}
	}

	// Initialize database
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		slog.Error("failed to connect to database", logger.Error(err))
		os.Exit(1)
	}
	defer db.Close()
	slog.Info("connected to database")

	// Initialize redis
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		slog.Error("failed to connect to redis", logger.Error(err))
		os.Exit(1)
	}
	defer redisClient.Close()
	slog.Info("connected to redis")

	// Initialize repositories
	membershipRepo := postgres.NewMembershipRepository(db)
	policyRepo := postgres.NewPolicyRepository(db)

	// Initialize helpers
	auditLogger := audit.NewSlogLogger()
	snapshotCache := cache.NewRedisSnapshotCache(redisClient, cfg.Cache.SnapshotTTL)
	registry := revocation.NewRedisRegistry(redisClient)

	// Credential minter
	var keyPEM []byte
	if cfg.Token.SigningKeyPath != "" {
		keyPEM, err = os.ReadFile(cfg.Token.SigningKeyPath)
		if err != nil {
			slog.Error("failed to read signing key", logger.Error(err))
			os.Exit(1)
		}
	}
	signingKey, err := token.LoadSigningKey(keyPEM)
	if err != nil {
		slog.Error("failed to load signing key", logger.Error(err))
		os.Exit(1)
	}
	if len(keyPEM) == 0 {
		slog.Warn("no signing key configured, using an ephemeral key")
	}
	minter, err := token.NewMinter(cfg.Token.Issuer, signingKey, cfg.Token.MaxLifetime)
	if err != nil {
		slog.Error("failed to initialize credential minter", logger.Error(err))
		os.Exit(1)
	}

	// Assertion verification against the upstream identity provider
	keySet := token.NewRemoteKeySet(cfg.IdentityProvider.JWKSURL, cfg.IdentityProvider.JWKSTTL)
	assertions := token.NewAssertionVerifier(keySet, cfg.IdentityProvider.Issuer, cfg.IdentityProvider.Audience)

	// Initialize services
	resolver := rbac.NewResolver(membershipRepo, snapshotCache)
	engine := policy.NewEngine(policy.Config{
		PlatformAdminEmails: cfg.Policy.PlatformAdminEmails,
		PlatformTenantID:    cfg.Policy.PlatformTenantID,
	}, membershipRepo, policyRepo)

	exchangeService := exchange.NewService(
		assertions,
		minter,
		resolver,
		engine,
		registry,
		auditLogger,
		exchange.Options{
			RevocationTTL: cfg.Exchange.RevocationTTL,
			Timeout:       cfg.Exchange.RequestTimeout,
		},
	)

	// Rate Limiter
	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)

	// Initialize HTTP handler
	handler := transportHTTP.NewHandler(
		exchangeService,
		minter,
		engine,
		snapshotCache,
		auditLogger,
		exchangeMetrics,
	)

	// Create router
	router := transportHTTP.NewRouter(handler, rateLimiter)

	// Create HTTP server
	addr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server
	go func() {
		slog.Info("starting http server", logger.Component("server"), logger.Operation("listen"))
		slog.Info(fmt.Sprintf("listening on %s", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", logger.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", logger.Error(err))
	}

	slog.Info("server stopped")
}

func runMigrate(cfg *config.Config) error {
	ctx := context.Background()
	db, err := postgres.New(ctx, postgres.Config{
		Host:         cfg.Database.Host,
		Port:         cfg.Database.Port,
		User:         cfg.Database.User,
		Password:     cfg.Database.Password,
		Database:     cfg.Database.Database,
		SSLMode:      cfg.Database.SSLMode,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Applying initial schema...")
	if err := db.Migrate(ctx, postgres.InitialSchema); err != nil {
		return err
	}
	fmt.Println("Migration successful.")
	return nil
}
