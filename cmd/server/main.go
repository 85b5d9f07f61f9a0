// Emotion Listener - follow-up interview chat server
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

	"github.com/emotionlistener/emotion-listener/internal/analysis"
	"github.com/emotionlistener/emotion-listener/internal/api"
	"github.com/emotionlistener/emotion-listener/internal/config"
	"github.com/emotionlistener/emotion-listener/internal/convlog"
	"github.com/emotionlistener/emotion-listener/internal/identity"
	"github.com/emotionlistener/emotion-listener/internal/middleware"
	"github.com/emotionlistener/emotion-listener/internal/render"
	"github.com/emotionlistener/emotion-listener/internal/session"
	"github.com/emotionlistener/emotion-listener/internal/store"
	"github.com/emotionlistener/emotion-listener/internal/stream"
	"github.com/emotionlistener/emotion-listener/internal/sweeper"
	"github.com/emotionlistener/emotion-listener/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
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

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "analysis_url", cfg.AnalysisURL)

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close repository", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		return err
	}
	slog.Info("Database connected", "path", cfg.DBPath)

	convLog, err := convlog.New(convlog.Config{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
		MaxSizeMB:     cfg.ConversationLog.MaxSizeMB,
		MaxBackups:    cfg.ConversationLog.MaxBackups,
		MaxAgeDays:    cfg.ConversationLog.MaxAgeDays,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := convLog.Close(); closeErr != nil {
			slog.Error("Failed to close conversation log", "error", closeErr)
		}
	}()

	client, err := analysis.NewClient(analysis.ClientConfig{
		BaseURL: cfg.AnalysisURL,
		Timeout: cfg.AnalysisTimeout,
	}, analysis.WithLogger(logger))
	if err != nil {
		return err
	}

	managerOpts := []session.ManagerOption{
		session.WithConversationLog(convLog),
		session.WithManagerLogger(logger),
	}
	if cfg.ArchiveEnabled {
		managerOpts = append(managerOpts, session.WithArchiver(repo))
	}
	sessions := session.NewManager(client, session.ManagerConfig{TTL: cfg.SessionTTL}, managerOpts...)
	// Flush live transcripts to the archive before the repository closes.
	defer sessions.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	renderer := render.New()
	registry := stream.NewRegistry()
	handler := api.NewHandler(ctx, repo, sessions, renderer, cfg)
	healthHandler := api.NewHealthHandler(repo, sessions)
	wsHandler := stream.NewHandler(ctx, sessions, renderer, registry, cfg.AllowedOrigins, cfg.IsDevelopment())

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	healthHandler.RegisterHealth(r)

	r.Group(func(r chi.Router) {
		r.Use(identity.Middleware(repo, cfg.IsDevelopment()))
		handler.RegisterRoutes(r)
		r.Get("/ws/session", wsHandler.ServeHTTP)
	})

	r.Handle("/*", web.SPAHandler())

	// Websockets are long-lived, so no WriteTimeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return sweeper.Run(egCtx, repo, cfg.TranscriptRetention, cfg.SweepInterval)
	})

	eg.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	eg.Go(func() error {
		<-egCtx.Done()
		slog.Info("Shutting down gracefully...")

		registry.CloseAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
