package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/voteflow/auth-service/internal/api"
	"github.com/voteflow/auth-service/internal/app"
	"github.com/voteflow/auth-service/internal/auth"
	"github.com/voteflow/auth-service/internal/config"
	"github.com/voteflow/auth-service/internal/store"
	"github.com/voteflow/auth-service/pkg/rabbitmq"
)

func main() {
	// Load .env file for local development. In production, env vars are set directly.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	repo, cleanup, err := openRepository(ctx, cfg)
	if err != nil {
		log.Fatalf("Unable to open %s storage: %v", cfg.StorageMode, err)
	}
	defer cleanup()
	log.Printf("Storage backend ready (mode=%s)", cfg.StorageMode)

	publisher := openPublisher(cfg)
	defer publisher.Close()

	authCtx := auth.NewAuthenticationContext(cfg.BcryptCost)
	tokens := auth.NewTokenIssuer(cfg.AuthSecretKey, time.Duration(cfg.AuthAccessTokenExpireMinutes)*time.Minute)

	if err := app.EnsureDefaultAdmin(ctx, repo, authCtx, cfg.DefaultAdminUsername, cfg.DefaultAdminPassword); err != nil {
		log.Fatalf("Unable to provision bootstrap admin: %v", err)
	}

	service := app.NewUserService(repo, authCtx, tokens)
	limiter := openLoginLimiter(cfg)
	handlers := api.NewUserHandlers(service, limiter, cfg.LoginRateLimitPerMinute)

	dispatcher := app.NewOutboxDispatcher(repo, publisher)
	go dispatcher.Run(ctx)

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: api.Routes(handlers, tokens, cfg.AllowedOrigins()),
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.ServerPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	log.Println("Server gracefully stopped")
}

func openRepository(ctx context.Context, cfg config.Config) (store.Repository, func(), error) {
	switch cfg.StorageMode {
	case config.StorageModePostgres:
		dbConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		dbConfig.MaxConns = 10
		dbConfig.MinConns = 2
		dbConfig.MaxConnLifetime = 30 * time.Minute
		dbConfig.MaxConnIdleTime = 5 * time.Minute
		// Disable prepared statement caching to prevent conflicts behind
		// connection poolers.
		dbConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, err := pgxpool.NewWithConfig(ctx, dbConfig)
		if err != nil {
			return nil, nil, err
		}
		repo := store.NewPostgresRepository(dbpool)
		if err := repo.EnsureSchema(ctx); err != nil {
			dbpool.Close()
			return nil, nil, err
		}
		return repo, dbpool.Close, nil

	default:
		repo, err := store.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return repo, func() { repo.Close() }, nil
	}
}

func openPublisher(cfg config.Config) rabbitmq.Publisher {
	if cfg.QueueMode != config.QueueModeRemote {
		return &rabbitmq.LocalPublisher{}
	}

	log.Printf("RABBITMQ_URL (masked)=%s", rabbitmq.MaskURL(cfg.RabbitMQURL))
	// Lazy dial: the outbox keeps events durable, so starting without a
	// reachable broker is safe; the dispatcher retries until it connects.
	return rabbitmq.NewLazyPublisher(cfg.RabbitMQURL)
}

func openLoginLimiter(cfg config.Config) app.LoginRateLimiter {
	if cfg.RedisURL == "" {
		return app.NewLocalLoginRateLimiter()
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("WARNING: Invalid REDIS_URL: %v. Using in-process login limiter.", err)
		return app.NewLocalLoginRateLimiter()
	}
	return app.NewRedisLoginRateLimiter(redis.NewClient(opts), "voteflow:login_limit")
}
