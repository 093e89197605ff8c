package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	redis "github.com/redis/go-redis/v9"

	"github.com/praveen70140/PageForge/internal/artifacts"
	"github.com/praveen70140/PageForge/internal/caddy"
	"github.com/praveen70140/PageForge/internal/config"
	"github.com/praveen70140/PageForge/internal/docker"
	"github.com/praveen70140/PageForge/internal/executor"
	"github.com/praveen70140/PageForge/internal/httpx"
	"github.com/praveen70140/PageForge/internal/logger"
	"github.com/praveen70140/PageForge/internal/logs"
	"github.com/praveen70140/PageForge/internal/queue"
	"github.com/praveen70140/PageForge/internal/repository/postgres"
)

func main() {
	cfg := config.LoadWorkerConfig()
	// Several workers can share one queue; the instance id tells their
	// log streams apart.
	log := logger.New("worker", slog.LevelInfo).With("instance", uuid.NewString()[:8])

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dockerClient, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to create docker client", "error", err)
		os.Exit(1)
	}
	defer dockerClient.Close()

	if err := dockerClient.Ping(ctx); err != nil {
		log.Error("docker ping failed", "error", err)
		os.Exit(1)
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Error("redis ping failed", "error", err)
		os.Exit(1)
	}

	store, err := artifacts.NewStore(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioUseSSL, cfg.MinioBucket)
	if err != nil {
		log.Error("failed to create artifact store", "error", err)
		os.Exit(1)
	}

	routes, err := caddy.NewPublisher(cfg.CaddyAdminURL, cfg.MinioProxyURL, cfg.MinioBucket, log)
	if err != nil {
		log.Error("failed to create route publisher", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	sink := logs.NewPublisher(repo, logs.NewRedisBroker(redisClient), log, cfg.LogBuffer)
	defer sink.Close()

	exec := executor.New(repo, repo, dockerClient, store, routes, sink, log, cfg)

	metrics := httpx.NewMetrics(sink.Dropped)
	limiter := queue.NewRateLimiter(redisClient, cfg.RateLimitMax, cfg.RateLimitWindow, log)
	consumer := queue.NewConsumer(queue.RedisJobQueue{Client: redisClient}, limiter, exec, metrics, log, cfg.Concurrency)

	router := httpx.New(log, metrics,
		httpx.ComponentCheck{Name: "docker", Check: dockerClient.Ping},
		httpx.ComponentCheck{Name: "postgres", Check: pool.Ping},
		httpx.ComponentCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}},
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("worker server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(ctx)
	}()

	select {
	case <-ctx.Done():
		// In-flight builds finish before the consumer loop exits.
		log.Info("shutdown requested, draining builds")
		<-consumerDone

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("worker stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
