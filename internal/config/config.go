// Package config reads service settings from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxUploadBytes matches the 16 MiB limit of the upload form.
const DefaultMaxUploadBytes = 16 << 20

type Config struct {
	HTTPAddr        string
	GRPCAddr        string
	ShutdownTimeout time.Duration
	LogLevel        string

	ModelPath      string
	ModelDir       string
	OnnxRuntimeLib string
	PreloadModel   bool

	DatabaseDSN string
	RedisAddr   string

	JWTSecret   string
	JWTAudience string

	MaxUploadBytes int64
}

// Load reads the configuration, applying defaults for unset variables.
func Load() *Config {
	httpAddr := getEnv("HTTP_ADDR", "")
	if httpAddr == "" {
		httpAddr = ":" + getEnv("PORT", "8080")
	}
	return &Config{
		HTTPAddr:        httpAddr,
		GRPCAddr:        os.Getenv("GRPC_ADDR"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		ModelPath:       os.Getenv("MODEL_PATH"),
		ModelDir:        getEnv("MODEL_DIR", "."),
		OnnxRuntimeLib:  os.Getenv("ONNXRUNTIME_LIB"),
		PreloadModel:    getBool("PRELOAD_MODEL", false),
		DatabaseDSN:     os.Getenv("DATABASE_DSN"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),
		JWTSecret:       os.Getenv("JWT_SECRET"),
		JWTAudience:     os.Getenv("JWT_AUDIENCE"),
		MaxUploadBytes:  getInt64("MAX_UPLOAD_BYTES", DefaultMaxUploadBytes),
	}
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getBool(key string, fallback bool) bool {
	if v, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return v
	}
	return fallback
}

func getInt64(key string, fallback int64) int64 {
	if v, err := strconv.ParseInt(getEnv(key, ""), 10, 64); err == nil && v > 0 {
		return v
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if v, err := time.ParseDuration(getEnv(key, "")); err == nil && v > 0 {
		return v
	}
	return fallback
}
