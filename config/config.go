package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	JWT          JWTConfig
	MediaControl MediaControlConfig
	RTMP         RTMPConfig
	Locks        LockConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all
	LogLevel           string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/restream?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// RedisConfig holds Redis connection settings. An empty Addr runs without Redis.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// JWTConfig holds JWT signing and validation settings.
type JWTConfig struct {
	Secret      string
	ExpireHours int
}

// MediaControlConfig points at the media server's signed control API.
type MediaControlConfig struct {
	BaseURL            string
	APIPath            string
	ServerUUID         string
	Secret             string
	Timeout            time.Duration
	DestinationTimeout time.Duration
	MaxParallel        int
}

// Enabled reports whether requests can be signed. The client is built either
// way; without credentials every remote call fails with a configuration error.
func (c MediaControlConfig) Enabled() bool {
	return c.ServerUUID != "" && c.Secret != ""
}

// RTMPConfig is the public ingest endpoint handed to broadcasters.
type RTMPConfig struct {
	Host string
	Port int
}

type LockConfig struct {
	TTL time.Duration
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
			LogLevel:           getEnv("LOG_LEVEL", "info"),
		},
		Database: DatabaseConfig{
			URL:      os.Getenv("DATABASE_URL"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "restream"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		JWT: JWTConfig{
			Secret:      getEnv("JWT_SECRET", "change-me-in-production"),
			ExpireHours: getEnvInt("JWT_EXPIRE_HOURS", 24),
		},
		MediaControl: MediaControlConfig{
			BaseURL:            strings.TrimRight(getEnv("MEDIA_CONTROL_BASE_URL", ""), "/"),
			APIPath:            getEnv("MEDIA_CONTROL_API_PATH", "/api/v1"),
			ServerUUID:         getEnv("MEDIA_CONTROL_SERVER_UUID", ""),
			Secret:             getEnv("MEDIA_CONTROL_SECRET", ""),
			Timeout:            seconds("MEDIA_CONTROL_TIMEOUT_SEC", 10),
			DestinationTimeout: seconds("MEDIA_CONTROL_DESTINATION_TIMEOUT_SEC", 8),
			MaxParallel:        getEnvInt("MEDIA_CONTROL_MAX_PARALLEL", 4),
		},
		RTMP: RTMPConfig{
			Host: getEnv("RTMP_PUBLIC_HOST", "localhost"),
			Port: getEnvInt("RTMP_PUBLIC_PORT", 1935),
		},
		Locks: LockConfig{
			TTL: seconds("STREAM_LOCK_TTL_SEC", 30),
		},
	}
	if cfg.MediaControl.MaxParallel < 1 {
		return nil, fmt.Errorf("MEDIA_CONTROL_MAX_PARALLEL must be positive, got %d", cfg.MediaControl.MaxParallel)
	}
	if cfg.RTMP.Port < 1 || cfg.RTMP.Port > 65535 {
		return nil, fmt.Errorf("RTMP_PUBLIC_PORT out of range: %d", cfg.RTMP.Port)
	}
	return cfg, nil
}

// CORSOrigins splits CORSAllowedOrigins into a list.
func (c ServerConfig) CORSOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func seconds(key string, fallback int) time.Duration {
	return time.Duration(getEnvInt(key, fallback)) * time.Second
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
