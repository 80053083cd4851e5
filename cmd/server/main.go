// evalstream - conversational assessment server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/evalstream/internal/agent"
	"github.com/ashureev/evalstream/internal/api"
	"github.com/ashureev/evalstream/internal/app"
	"github.com/ashureev/evalstream/internal/config"
	"github.com/ashureev/evalstream/internal/identity"
	"github.com/ashureev/evalstream/internal/middleware"
	"github.com/ashureev/evalstream/internal/prompt"
	"github.com/ashureev/evalstream/internal/session"
	"github.com/ashureev/evalstream/internal/store"
	"github.com/ashureev/evalstream/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	if err := cfg.ValidateGenerator(); err != nil {
		slog.Error("Invalid generator configuration", "error", err)
		os.Exit(1)
	}

	logger := app.NewLogger(os.Stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "backend", cfg.Generator.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize dependencies.
	slots, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := slots.Close(); closeErr != nil {
			slog.Error("Failed to close session store", "error", closeErr)
		}
	}()

	if err := slots.Ping(ctx); err != nil {
		slog.Error("Database health check failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	records, err := app.OpenRemote(ctx, cfg.RemoteDSN, logger)
	if err != nil {
		slog.Error("Failed to connect to remote store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := records.Close(); closeErr != nil {
			slog.Error("Failed to close remote store", "error", closeErr)
		}
	}()

	gen, err := app.NewGenerator(ctx, cfg.Generator, records, logger)
	if err != nil {
		slog.Error("Failed to initialize generator", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := gen.Close(); closeErr != nil {
			slog.Warn("Failed to close generator", "error", closeErr)
		}
	}()

	catalog, err := prompt.Load(cfg.PromptFile)
	if err != nil {
		slog.Error("Failed to load prompt", "error", err)
		os.Exit(1)
	}

	// Initialize services.
	consumer := agent.NewConsumer(gen, cfg.Generator.IdleTimeout, logger)
	sessions := session.NewManager(func(ctx context.Context, id string) (*session.Session, error) {
		s := session.New(session.Options{
			Consumer:     consumer,
			Slot:         store.NewSlot(slots, "session:"+id),
			Remote:       records,
			Catalog:      catalog,
			PersistDelay: cfg.Session.PersistDelay,
			Logger:       logger.With("identity", id),
		})
		if _, err := s.Restore(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}, logger)

	limiter := api.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	defer limiter.Close()
	dashboards := api.NewDashboardRegistry()

	// Initialize handlers.
	checks := map[string]api.Pinger{
		"local_store":  slots,
		"remote_store": records,
	}
	if hc, ok := gen.(*agent.GrpcGenerator); ok {
		checks["generator"] = api.PingFunc(hc.Health)
	}
	healthHandler := api.NewHealthHandler(checks, 5*time.Second)
	assessmentHandler := api.NewAssessmentHandler(sessions, catalog, limiter, logger)
	adminHandler := api.NewAdminHandler(records, dashboards, cfg.AdminKey, allowedOrigins(cfg), logger)
	if cfg.AdminKey == "" {
		slog.Warn("ADMIN_KEY not set, admin dashboard disabled")
	}

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware(cfg.SecureCookies))

	// Public routes.
	healthHandler.RegisterHealth(r)
	assessmentHandler.RegisterRoutes(r)

	// Admin routes require the shared admin key.
	adminHandler.RegisterRoutes(r)

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// Note: SSE connections require long timeouts (no WriteTimeout)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,                 // 0 = no timeout for SSE support
		IdleTimeout:  120 * time.Second, // 2 minutes for idle connections
	}
	srv.RegisterOnShutdown(dashboards.CloseAll)

	// Start session sweeper.
	sweeperDone := sessions.StartSweeper(ctx, session.SweeperConfig{
		Interval: cfg.Session.SweepInterval,
		IdleTTL:  cfg.Session.IdleTTL,
		SlotTTL:  cfg.Session.SnapshotTTL,
		Slots:    slots,
	})
	slog.Info("Session sweeper started", "idle_ttl", cfg.Session.IdleTTL, "snapshot_ttl", cfg.Session.SnapshotTTL)

	// Start server.
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-sweeperDone

	if err := sessions.CloseAll(shutdownCtx); err != nil {
		slog.Error("Failed to close sessions", "error", err)
	}

	slog.Info("Server stopped successfully")
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.FrontendURL == "" || cfg.IsDevelopment() {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
