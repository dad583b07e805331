// Package config loads configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds all VaultGate server configuration.
type Config struct {
	// Server
	ListenAddr  string
	MetricsAddr string

	// Logging
	LogLevel  string
	LogFormat string

	// Database (optional — empty keeps grant/link records in memory)
	DatabaseURL string

	// Storage backend ("s3" or "local", default: "s3")
	StorageBackend   string
	LocalStoragePath string

	// S3 storage
	S3Endpoint  string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Region    string
	S3UseSSL    bool

	// TLS (optional — if both set, server uses HTTPS)
	TLSCertFile string
	TLSKeyFile  string

	// Auth
	JWTSecret string

	// Content encryption
	ContentSecret string

	// OIDC (optional)
	OIDCIssuerURL    string
	OIDCClientID     string
	OIDCClientSecret string

	// Uploads
	MaxUploadSize int64

	// Anonymous share endpoint rate limit (requests/min per IP, 0 = unlimited)
	ShareRatePerMinute int
}

// Load reads configuration from environment variables with defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr:         envOr("LISTEN_ADDR", ":8080"),
		MetricsAddr:        envOr("METRICS_ADDR", ":9090"),
		LogLevel:           envOr("LOG_LEVEL", "info"),
		LogFormat:          envOr("LOG_FORMAT", "json"),
		DatabaseURL:        envOr("DATABASE_URL", ""),
		StorageBackend:     envOr("STORAGE_BACKEND", "s3"),
		LocalStoragePath:   envOr("LOCAL_STORAGE_PATH", "/data/storage"),
		S3Endpoint:         envOr("S3_ENDPOINT", "http://localhost:9000"),
		S3Bucket:           envOr("S3_BUCKET", "vaultgate"),
		S3AccessKey:        envOr("S3_ACCESS_KEY", "minioadmin"),
		S3SecretKey:        envOr("S3_SECRET_KEY", "minioadmin"),
		S3Region:           envOr("S3_REGION", "us-east-1"),
		S3UseSSL:           envBool("S3_USE_SSL", false),
		TLSCertFile:        envOr("TLS_CERT_FILE", ""),
		TLSKeyFile:         envOr("TLS_KEY_FILE", ""),
		JWTSecret:          envOr("JWT_SECRET", ""),
		ContentSecret:      envOr("CONTENT_SECRET", ""),
		OIDCIssuerURL:      envOr("OIDC_ISSUER_URL", ""),
		OIDCClientID:       envOr("OIDC_CLIENT_ID", ""),
		OIDCClientSecret:   envOr("OIDC_CLIENT_SECRET", ""),
		MaxUploadSize:      envInt64("MAX_UPLOAD_SIZE", 1024*1024*1024), // 1GB default
		ShareRatePerMinute: envInt("SHARE_RATE_PER_MINUTE", 60),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.ContentSecret == "" {
		return nil, fmt.Errorf("CONTENT_SECRET is required")
	}
	if cfg.StorageBackend != "s3" && cfg.StorageBackend != "local" {
		return nil, fmt.Errorf("unknown STORAGE_BACKEND %q", cfg.StorageBackend)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
