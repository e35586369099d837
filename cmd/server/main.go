package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/chronicle-db/chronicle/internal/config"
	"github.com/chronicle-db/chronicle/internal/db"
	"github.com/chronicle-db/chronicle/internal/export"
	"github.com/chronicle-db/chronicle/internal/httpapi"
	"github.com/chronicle-db/chronicle/internal/ingestion"
	"github.com/chronicle-db/chronicle/internal/middleware"
	"github.com/chronicle-db/chronicle/internal/repository"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load(".")
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.NewConnection(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer conn.Close()

	if err := db.RunMigrations(cfg.Database); err != nil {
		logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	if len(cfg.UniqueCurrent) > 0 {
		created, err := db.EnsureCurrentUniqueIndexes(ctx, conn.Pool, cfg.UniqueCurrent)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to ensure unique-current indexes")
		}
		logger.Info().Int("indexes", created).Msg("unique-current constraints ensured")
	}

	entityRepo := repository.NewEntityRepository(conn)
	associationRepo := repository.NewAssociationRepository(conn)

	mux := http.NewServeMux()
	httpapi.NewHandler(entityRepo, associationRepo, logger).Register(mux)
	export.NewHandler(export.NewService(entityRepo), logger).Register(mux)
	ingestion.NewHandler(ingestion.NewService(entityRepo, logger)).Register(mux)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
	})

	handler := corsHandler.Handler(
		middleware.Logging(logger)(
			middleware.ReferenceLoader(entityRepo)(mux),
		),
	)

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Server.Addr).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("forced shutdown")
	}

	logger.Info().Msg("server exited")
}
