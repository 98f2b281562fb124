package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv           string
	Port             string
	DatabaseURL      string
	PublicBaseURL    string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
	CORSOrigins      []string

	RequestTimeout  time.Duration
	ActorPartitions int
	StateBackendDSN string

	StorageDriver     string
	StoragePath       string
	S3Endpoint        string
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Bucket          string
	S3Region          string
	S3UseSSL          bool
	S3Prefix          string

	TimerBackend      string
	TemporalAddress   string
	TemporalNamespace string
	TemporalTaskQueue string

	RunwareAPIKey  string
	RunwareBaseURL string
	FalAPIKey      string
	FalBaseURL     string
	FalJWKSURL     string

	WebhookTolerance        time.Duration
	JWKSCacheTTL            time.Duration
	DispatchRatePerSecond   float64
	DispatchBurst           int
	FetchTimeout            time.Duration
	ProjectionSurfaceErrors bool
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	port := getEnv("PORT", "8080")
	cfg := &Config{
		AppEnv:           getEnv("APP_ENV", "development"),
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		PublicBaseURL:    strings.TrimRight(getEnv("PUBLIC_BASE_URL", "http://localhost:"+port), "/"),
		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		CORSOrigins:      getEnvList("CORS_ALLOWED_ORIGINS"),

		RequestTimeout:  time.Second * time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 300)),
		ActorPartitions: getEnvInt("ACTOR_PARTITIONS", 16),
		StateBackendDSN: getEnv("STATE_BACKEND_DSN", "file://./data/state"),

		StorageDriver:     strings.ToLower(getEnv("STORAGE_DRIVER", "filesystem")),
		StoragePath:       getEnv("STORAGE_PATH", "./data/blobs"),
		S3Endpoint:        os.Getenv("S3_ENDPOINT"),
		S3AccessKeyID:     os.Getenv("S3_ACCESS_KEY_ID"),
		S3SecretAccessKey: os.Getenv("S3_SECRET_ACCESS_KEY"),
		S3Bucket:          os.Getenv("S3_BUCKET"),
		S3Region:          getEnv("S3_REGION", "auto"),
		S3UseSSL:          getEnvBool("S3_USE_SSL", true),
		S3Prefix:          os.Getenv("S3_PREFIX"),

		TimerBackend:      strings.ToLower(getEnv("TIMER_BACKEND", "local")),
		TemporalAddress:   getEnv("TEMPORAL_ADDRESS", "localhost:7233"),
		TemporalNamespace: getEnv("TEMPORAL_NAMESPACE", "default"),
		TemporalTaskQueue: getEnv("TEMPORAL_TASK_QUEUE", "mediagen-timeouts"),

		RunwareAPIKey:  os.Getenv("RUNWARE_API_KEY"),
		RunwareBaseURL: getEnv("RUNWARE_BASE_URL", "https://api.runware.ai/v1"),
		FalAPIKey:      os.Getenv("FAL_API_KEY"),
		FalBaseURL:     getEnv("FAL_BASE_URL", "https://queue.fal.run"),
		FalJWKSURL:     getEnv("FAL_JWKS_URL", "https://rest.alpha.fal.ai/.well-known/jwks.json"),

		WebhookTolerance:        time.Second * time.Duration(getEnvInt("WEBHOOK_TOLERANCE_SECONDS", 300)),
		JWKSCacheTTL:            time.Second * time.Duration(getEnvInt("JWKS_CACHE_TTL_SECONDS", 86400)),
		DispatchRatePerSecond:   getEnvFloat("DISPATCH_RATE_PER_SECOND", 5),
		DispatchBurst:           getEnvInt("DISPATCH_BURST", 10),
		FetchTimeout:            time.Second * time.Duration(getEnvInt("FETCH_TIMEOUT_SECONDS", 60)),
		ProjectionSurfaceErrors: getEnvBool("PROJECTION_SURFACE_ERRORS", false),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	switch cfg.StorageDriver {
	case "filesystem":
	case "s3":
		if cfg.S3Endpoint == "" || cfg.S3Bucket == "" {
			return nil, fmt.Errorf("S3_ENDPOINT and S3_BUCKET are required for the s3 storage driver")
		}
	default:
		return nil, fmt.Errorf("unsupported STORAGE_DRIVER %q", cfg.StorageDriver)
	}

	switch cfg.TimerBackend {
	case "local", "temporal":
	default:
		return nil, fmt.Errorf("unsupported TIMER_BACKEND %q", cfg.TimerBackend)
	}

	if cfg.ActorPartitions < 1 {
		cfg.ActorPartitions = 1
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
