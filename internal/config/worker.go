package config

import "time"

// WorkerConfig holds runtime configuration for the build worker.
type WorkerConfig struct {
	Environment     string
	Addr            string
	DatabaseURL     string
	MigrationsDir   string
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	DockerHost      string
	BuildImage      string
	BuildMemory     int64
	BuildNanoCPUs   int64
	GVisorEnabled   bool
	MinioEndpoint   string
	MinioAccessKey  string
	MinioSecretKey  string
	MinioUseSSL     bool
	MinioBucket     string
	MinioProxyURL   string
	CaddyAdminURL   string
	BaseDomain      string
	Concurrency     int
	RateLimitMax    int
	RateLimitWindow time.Duration
	LogBuffer       int
}

// LoadWorkerConfig constructs a WorkerConfig from environment variables.
func LoadWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Environment:     GetString("APP_ENV", "development"),
		Addr:            GetString("WORKER_ADDR", ":6000"),
		DatabaseURL:     GetString("DATABASE_URL", "postgres://pageforge:pageforge@db:5432/pageforge?sslmode=disable"),
		MigrationsDir:   GetString("DB_MIGRATIONS_DIR", "./db/migrations"),
		RedisAddr:       GetString("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   GetString("REDIS_PASSWORD", ""),
		RedisDB:         GetInt("REDIS_DB", 0),
		DockerHost:      GetString("DOCKER_HOST", "unix:///var/run/docker.sock"),
		BuildImage:      GetString("BUILD_IMAGE", "node:20-alpine"),
		BuildMemory:     GetInt64("BUILD_MEMORY_LIMIT", 512*1024*1024),
		BuildNanoCPUs:   GetInt64("BUILD_CPU_LIMIT", 1_000_000_000),
		GVisorEnabled:   GetBool("GVISOR_ENABLED", false),
		MinioEndpoint:   GetString("MINIO_ENDPOINT", "localhost:9000"),
		MinioAccessKey:  GetString("MINIO_ACCESS_KEY", "pageforge"),
		MinioSecretKey:  GetString("MINIO_SECRET_KEY", "pageforge-secret"),
		MinioUseSSL:     GetBool("MINIO_USE_SSL", false),
		MinioBucket:     GetString("MINIO_BUCKET", "pageforge-artifacts"),
		MinioProxyURL:   GetString("MINIO_INTERNAL_URL", "http://pageforge-minio:9000"),
		CaddyAdminURL:   GetString("CADDY_ADMIN_URL", "http://localhost:2019"),
		BaseDomain:      GetString("PAGEFORGE_DOMAIN", "pageforge.local"),
		Concurrency:     GetInt("BUILD_CONCURRENCY", 2),
		RateLimitMax:    GetInt("BUILD_RATE_LIMIT_MAX", 4),
		RateLimitWindow: time.Duration(GetInt("BUILD_RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second,
		LogBuffer:       GetInt("LOG_SINK_BUFFER", 256),
	}
}
