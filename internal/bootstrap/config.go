package bootstrap

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string

	BackendURL        string
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration

	VADThreshold     float64
	VADSilenceWindow time.Duration
	FrameSamples     int

	MetricsCapacity int

	DatabaseDSN string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

func LoadConfig() *Config {
	return &Config{
		ServerAddr: getEnv("SERVER_ADDR", ":8080"),
		LogLevel:   getEnv("LOG_LEVEL", "info"),

		BackendURL:        getEnv("BACKEND_URL", "ws://localhost:9090/v1/stream"),
		BackoffBase:       getEnvDuration("BACKOFF_BASE_MS", 1000),
		BackoffCap:        getEnvDuration("BACKOFF_CAP_MS", 8000),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL_MS", 15000),
		LivenessTimeout:   getEnvDuration("LIVENESS_TIMEOUT_MS", 60000),

		VADThreshold:     getEnvFloat("VAD_THRESHOLD", 0.02),
		VADSilenceWindow: getEnvDuration("VAD_SILENCE_WINDOW_MS", 1000),
		FrameSamples:     getEnvInt("FRAME_SAMPLES", 320),

		MetricsCapacity: getEnvInt("METRICS_CAPACITY", 100),

		DatabaseDSN: getEnv("DATABASE_DSN", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       0,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMs)) * time.Millisecond
}
