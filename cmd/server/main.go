// Farm voice gateway server.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/grandcat/zeroconf"
	"github.com/joho/godotenv"
	"github.com/krishimitra/farmvoice/internal/api"
	"github.com/krishimitra/farmvoice/internal/app"
	"github.com/krishimitra/farmvoice/internal/bridge"
	"github.com/krishimitra/farmvoice/internal/config"
	"github.com/krishimitra/farmvoice/internal/identity"
	"github.com/krishimitra/farmvoice/internal/middleware"
	"github.com/krishimitra/farmvoice/internal/store"
	"github.com/krishimitra/farmvoice/internal/voice"
	"github.com/krishimitra/farmvoice/web"
)

const (
	mdnsService      = "_farmvoice._tcp"
	tokenRateLimit   = 10
	tokenRateWindow  = time.Minute
	healthProbeEvery = 15 * time.Second
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "model", cfg.Realtime.Model)

	// Initialize dependencies.
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected")

	eventLog, err := app.NewEventLog(cfg, logger)
	if err != nil {
		slog.Error("Failed to initialize conversation logger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := eventLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	deps := app.NewDeps(cfg, logger)
	issuer := app.NewIssuer(cfg)
	if !issuer.Enabled() {
		slog.Info("Credential issuer disabled (OPENAI_API_KEY not set); TOKEN_URL must point at another issuer")
	}
	if deps.Knowledge == nil {
		slog.Info("Knowledge search disabled (VECTOR_URL not set)")
	}

	voices := bridge.NewManager(func(profileID string) (*voice.Controller, error) {
		return voice.New(deps.ControllerOptions(cfg, profileID, repo, eventLog, logger))
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize handlers.
	baseHandler := api.NewHandler(repo, logger)
	healthHandler := api.NewHealthHandler(repo, api.ClientConfig{
		IssuerEnabled:    issuer.Enabled(),
		KnowledgeEnabled: deps.Knowledge != nil,
		Model:            cfg.Realtime.Model,
		Voice:            cfg.Realtime.Voice,
		Tools:            deps.Tools.Names(),
		RetentionSeconds: int64(cfg.Retention.Seconds()),
	})
	limiter := api.NewRateLimiter(tokenRateLimit, tokenRateWindow)
	limiter.StartEviction(ctx)
	tokenHandler := api.NewTokenHandler(issuer, limiter, cfg.Realtime.TokenAuth, logger)
	wsHandler := bridge.NewWebSocketHandler(voices, cfg.FrontendURL, cfg.IsDevelopment(), logger)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS([]string{"*"}))
	r.Use(identity.Middleware(cfg.IsDevelopment()))

	// Public routes.
	healthHandler.RegisterHealth(r)
	api.NewPreferencesHandler(baseHandler).RegisterRoutes(r)
	api.NewConversationHandler(baseHandler).RegisterRoutes(r)
	tokenHandler.RegisterRoutes(r)

	// WebSocket endpoint.
	r.Get("/ws/voice", wsHandler.ServeHTTP)

	// Serve embedded status page.
	r.Handle("/*", web.Handler())

	// Sessions hold WebSocket connections open; no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	// Start retention worker.
	store.StartRetentionWorker(ctx, repo, cfg.Retention)

	if cfg.GRPCHealthAddr != "" {
		grpcHealth := api.NewGRPCHealth(repo, healthProbeEvery, logger)
		go func() {
			if err := grpcHealth.Serve(ctx, cfg.GRPCHealthAddr); err != nil {
				slog.Error("gRPC health server failed", "error", err)
			}
		}()
	}

	if cfg.MDNS.Enabled {
		port, _ := strconv.Atoi(cfg.Port)
		mdns, err := zeroconf.Register(cfg.MDNS.Name, mdnsService, "local.", port,
			[]string{"path=/", "model=" + cfg.Realtime.Model}, nil)
		if err != nil {
			slog.Warn("Failed to advertise gateway over mDNS", "error", err)
		} else {
			defer mdns.Shutdown()
			slog.Info("Gateway advertised over mDNS", "name", cfg.MDNS.Name, "service", mdnsService)
		}
	}

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Live sessions are flushed before the store closes.
	voices.CloseAll(shutdownCtx)

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
