// Package main is the entry point for the matcha server.
//
// The bootstrap sequence is:
//  1. Load configuration from environment variables.
//  2. Connect to PostgreSQL via pgxpool and apply migrations.
//  3. Create the repository, toggle registry, match scorer, and service.
//  4. Wire up the API key token validator.
//  5. Start the HTTP server and, when configured, the tsnet admin portal.
//  6. Wait for SIGINT/SIGTERM, then gracefully shut down.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/matcha-dating/matcha/internal/admin"
	"github.com/matcha-dating/matcha/internal/aiscorer"
	"github.com/matcha-dating/matcha/internal/config"
	"github.com/matcha-dating/matcha/internal/experiment"
	"github.com/matcha-dating/matcha/internal/logging"
	"github.com/matcha-dating/matcha/internal/match"
	"github.com/matcha-dating/matcha/internal/metrics"
	"github.com/matcha-dating/matcha/internal/middleware"
	"github.com/matcha-dating/matcha/internal/repository"
	"github.com/matcha-dating/matcha/internal/server"
	"github.com/matcha-dating/matcha/internal/service"
	"github.com/matcha-dating/matcha/internal/tracing"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"tailscale.com/tsnet"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.New(cfg.LogLevel)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()

	if err := runMigrations(pool); err != nil {
		return err
	}

	repo := repository.NewPostgresRepository(pool, repository.WithEventBatchSize(cfg.EventBatchSize))
	m := metrics.New()
	metrics.RegisterPoolMetrics(m.Registry, pool)

	registry, err := experiment.NewRegistry()
	if err != nil {
		return fmt.Errorf("init registry: %w", err)
	}

	var aiScorer match.AIScorer
	if cfg.AIScorerURL != "" {
		aiScorer = aiscorer.New(aiscorer.Config{
			BaseURL: cfg.AIScorerURL,
			APIKey:  cfg.AIScorerAPIKey,
		})
	}
	scorer := match.NewScorer(match.ScorerOptions{
		MaxDistanceKm: cfg.MaxDistanceKm,
		AIScorer:      aiScorer,
		AITimeout:     cfg.AIScorerTimeout,
		Logger:        log,
	})

	svc, err := service.New(ctx, repo, registry, scorer, service.Options{
		ResyncInterval: cfg.RegistryResyncInterval,
		OnRegistryReload: func(toggleCount int) {
			m.SetRegistrySize(float64(toggleCount))
			m.IncRegistryReloads()
		},
		OnInvalidation: m.IncRegistryInvalidations,
	})
	if err != nil {
		return fmt.Errorf("init service: %w", err)
	}

	authLimiter := middleware.NewRateLimiter(ctx, cfg.AuthRateLimit)
	defer authLimiter.Stop()
	authFailure := middleware.WithOnAuthFailure(func() { m.AuthFailuresTotal.Inc() })
	tokenValidator := &apiKeyTokenValidator{lookup: repo}
	apiHandler := server.NewHTTPHandlerWithOptions(svc, cfg.StreamPollInterval, m, server.WithMaxJSONBodySize(cfg.MaxJSONBodySize))
	httpHandler := middleware.HTTPRequestLogging(log)(newHTTPHandler(apiHandler, tokenValidator, authFailure, middleware.WithRateLimiter(authLimiter)))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           otelhttp.NewHandler(httpHandler, "matcha-http"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	// -------------------------------------------------------------------------
	// Admin Portal (Tailscale)
	// -------------------------------------------------------------------------
	var tsServer *tsnet.Server
	var adminLis net.Listener

	if cfg.AdminHostname != "" {
		if cfg.TSAuthKey == "" {
			return errors.New("ADMIN_HOSTNAME is set but TS_AUTH_KEY is missing")
		}

		dir := cfg.TSStateDir
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("create ts-state dir: %w", err)
		}

		tsServer = &tsnet.Server{
			Hostname: cfg.AdminHostname,
			AuthKey:  cfg.TSAuthKey,
			Dir:      dir,
			Logf:     func(format string, args ...any) { log.Debug(fmt.Sprintf(format, args...), "component", "tailscale") },
		}

		sessionMgr := admin.NewSessionManager(repo, cfg.SessionSecret)
		adminHandler := admin.NewHandler(repo, svc, sessionMgr, cfg.AdminHostname, log)

		// Listen on tailnet
		var err error
		adminLis, err = tsServer.Listen("tcp", ":80") // Standard HTTP port on tailnet IP
		if err != nil {
			return fmt.Errorf("listen tailnet: %w", err)
		}
		log.Info("admin portal listening", "hostname", cfg.AdminHostname, "transport", "tailscale")

		adminServer := &http.Server{Handler: adminHandler}
		go func() {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := adminServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server shutdown error", "error", err)
			}
		}()
		go func() {
			if err := adminServer.Serve(adminLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("admin server error", "error", err)
			}
		}()
	}

	httpListener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen HTTP %s: %w", cfg.HTTPAddr, err)
	}
	defer httpListener.Close()

	serveErrCh := make(chan error, 1)
	go func() {
		if err := httpServer.Serve(httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErrCh <- fmt.Errorf("serve HTTP: %w", err)
		}
	}()

	log.Info("server started", "http_addr", cfg.HTTPAddr)

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-serveErrCh:
	}
	stop()

	log.Info("server shutting down")

	httpShutdownCtx, cancelHTTP := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelHTTP()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		if serveErr != nil {
			return serveErr
		}
		return fmt.Errorf("shutdown HTTP: %w", err)
	}

	if tsServer != nil {
		tsServer.Close()
	}

	return serveErr
}

func newHTTPHandler(apiHandler http.Handler, tokenValidator middleware.TokenValidator, opts ...middleware.AuthOption) http.Handler {
	protectedAPIHandler := middleware.HTTPBearerAuthMiddleware(tokenValidator, opts...)(apiHandler)

	mux := http.NewServeMux()
	mux.Handle("/v1/", protectedAPIHandler)
	mux.Handle("GET /healthz", apiHandler)
	mux.Handle("GET /metrics", apiHandler)

	return mux
}

type apiKeyHashLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, error)
}

type apiKeyTokenValidator struct {
	lookup apiKeyHashLookup
}

func (v *apiKeyTokenValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, rawSecret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || rawSecret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, err := v.lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !middleware.APIKeyMatchesHash(keyHash, rawSecret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
