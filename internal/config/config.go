package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the process-level configuration, loaded from environment
// variables. Gameplay policy (batching, anti-cheat thresholds) lives in the
// service config structs; the values here select backends and override the
// simulation knobs.
type Config struct {
	Port string
	Env  string

	StorageBackend string // memory | redis | postgres

	RedisURL  string
	RedisPass string
	RedisDB   int

	PostgresDSN string

	JWTSecret string

	LevelsPath string // optional YAML reward tables; built-in defaults otherwise

	LatencyMin      time.Duration
	LatencyMax      time.Duration
	ErrorRate       float64
	SessionDuration time.Duration
}

func Load() (*Config, error) {
	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Env:            getEnv("ENV", "development"),
		StorageBackend: getEnv("STORAGE_BACKEND", "memory"),
		RedisURL:       getEnv("REDIS_URL", "localhost:6379"),
		RedisPass:      getEnv("REDIS_PASS", ""),
		PostgresDSN:    getEnv("POSTGRES_DSN", ""),
		JWTSecret:      getEnv("JWT_SECRET", ""),
		LevelsPath:     getEnv("LEVELS_PATH", ""),
	}

	var err error
	if cfg.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	latencyMinMs, err := getEnvInt("SIM_LATENCY_MIN_MS", 50)
	if err != nil {
		return nil, err
	}
	latencyMaxMs, err := getEnvInt("SIM_LATENCY_MAX_MS", 200)
	if err != nil {
		return nil, err
	}
	cfg.LatencyMin = time.Duration(latencyMinMs) * time.Millisecond
	cfg.LatencyMax = time.Duration(latencyMaxMs) * time.Millisecond

	if cfg.ErrorRate, err = getEnvFloat("SIM_ERROR_RATE", 0.05); err != nil {
		return nil, err
	}

	sessionMinutes, err := getEnvInt("SESSION_DURATION_MINUTES", 30)
	if err != nil {
		return nil, err
	}
	cfg.SessionDuration = time.Duration(sessionMinutes) * time.Minute

	// Misconfiguration is the one error class that halts startup instead
	// of degrading.
	switch cfg.StorageBackend {
	case "memory":
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("REDIS_URL is required with STORAGE_BACKEND=redis")
		}
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required with STORAGE_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unknown STORAGE_BACKEND: %s", cfg.StorageBackend)
	}

	if cfg.Env == "production" && cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in production")
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}

	if cfg.LatencyMax < cfg.LatencyMin {
		return nil, fmt.Errorf("SIM_LATENCY_MAX_MS must not be below SIM_LATENCY_MIN_MS")
	}
	if cfg.ErrorRate < 0 || cfg.ErrorRate >= 1 {
		return nil, fmt.Errorf("SIM_ERROR_RATE must be in [0, 1)")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return f, nil
}
