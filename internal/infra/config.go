package infra

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string
	Port        string
	DatabaseURL string
	JWTSecret   string

	StoragePath    string
	StorageBaseURL string

	StabilityAPIKey  string
	StabilityBaseURL string
	TripoAPIKey      string
	TripoBaseURL     string
	MeshyAPIKey      string
	MeshyBaseURL     string
	RodinAccessKey   string
	RodinSecretKey   string
	RodinBaseURL     string
	LumaAPIKey       string
	LumaBaseURL      string

	MeshVendorDefault string
	MeshOpsBaseURL    string

	ViewsCost      int
	ModelCost      int
	RegenerateCost int
	MaxRetries     int

	PollInterval    time.Duration
	BackoffCap      time.Duration
	WorkerLease     time.Duration
	WorkerIdleSleep time.Duration

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Port:        getEnv("PORT", "8080"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		JWTSecret:   os.Getenv("JWT_SECRET"),

		StoragePath:    getEnv("STORAGE_PATH", "./data/storage"),
		StorageBaseURL: os.Getenv("STORAGE_BASE_URL"),

		StabilityAPIKey:  os.Getenv("STABILITY_API_KEY"),
		StabilityBaseURL: getEnv("STABILITY_BASE_URL", "https://api.stability.ai"),
		TripoAPIKey:      os.Getenv("TRIPO_API_KEY"),
		TripoBaseURL:     getEnv("TRIPO_BASE_URL", "https://api.tripo3d.ai/v2/openapi"),
		MeshyAPIKey:      os.Getenv("MESHY_API_KEY"),
		MeshyBaseURL:     getEnv("MESHY_BASE_URL", "https://api.meshy.ai"),
		RodinAccessKey:   os.Getenv("RODIN_ACCESS_KEY"),
		RodinSecretKey:   os.Getenv("RODIN_SECRET_KEY"),
		RodinBaseURL:     getEnv("RODIN_BASE_URL", "https://api.hyper3d.ai"),
		LumaAPIKey:       os.Getenv("LUMA_API_KEY"),
		LumaBaseURL:      getEnv("LUMA_BASE_URL", "https://api.lumalabs.ai"),

		MeshVendorDefault: getEnv("MESH_VENDOR_DEFAULT", "tripo"),
		MeshOpsBaseURL:    os.Getenv("MESHOPS_BASE_URL"),

		ViewsCost:      getEnvInt("CREDITS_VIEWS_COST", 1),
		ModelCost:      getEnvInt("CREDITS_MODEL_COST", 1),
		RegenerateCost: getEnvInt("CREDITS_REGENERATE_COST", 1),
		MaxRetries:     getEnvInt("PIPELINE_MAX_RETRIES", 3),

		PollInterval:    time.Second * time.Duration(getEnvInt("PIPELINE_POLL_INTERVAL_SECONDS", 5)),
		BackoffCap:      time.Second * time.Duration(getEnvInt("PIPELINE_BACKOFF_CAP_SECONDS", 60)),
		WorkerLease:     time.Second * time.Duration(getEnvInt("WORKER_LEASE_SECONDS", 30)),
		WorkerIdleSleep: time.Second * time.Duration(getEnvInt("WORKER_IDLE_SLEEP_SECONDS", 1)),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.StorageBaseURL == "" {
		cfg.StorageBaseURL = fmt.Sprintf("http://localhost:%s/static", cfg.Port)
	}
	if _, err := url.Parse(cfg.StorageBaseURL); err != nil {
		return nil, fmt.Errorf("STORAGE_BASE_URL is invalid: %w", err)
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
